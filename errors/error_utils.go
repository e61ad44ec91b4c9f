// Package errors provides the typed error codes used across blocksync.
package errors

import (
	"context"
	"errors"
)

// IsRetryableError determines if an error is transient and the operation should be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch CodeOf(err) {
	case ERR_NETWORK_TIMEOUT,
		ERR_NETWORK_ERROR,
		ERR_NETWORK_CONNECTION_REFUSED,
		ERR_SERVICE_UNAVAILABLE,
		ERR_STORAGE_UNAVAILABLE:
		return true
	}

	return false
}

// IsPeerFault reports whether err was caused by a remote peer rather than by this node.
// Such errors are never fatal to the host process.
func IsPeerFault(err error) bool {
	switch CodeOf(err) {
	case ERR_MALFORMED_PACKET,
		ERR_PROTOCOL_VIOLATION,
		ERR_PEER_TIMEOUT,
		ERR_IMPORT_REJECTED,
		ERR_FORK_REJECTED:
		return true
	}

	return false
}

// IsContextError determines if an error is related to context cancellation or deadline.
func IsContextError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	code := CodeOf(err)

	return code == ERR_CONTEXT_CANCELED || code == ERR_CONTEXT
}
