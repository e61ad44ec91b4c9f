package servicemanager

import (
	"context"
)

// Service is a long running component managed by the ServiceManager.
//
// Start blocks until ctx is cancelled or the service fails, and closes readyCh once the service accepts
// work. Health returns an HTTP status code and a details string.
type Service interface {
	Health(ctx context.Context, checkLiveness bool) (int, string, error)
	Init(ctx context.Context) error
	Start(ctx context.Context, readyCh chan<- struct{}) error
	Stop(ctx context.Context) error
}
