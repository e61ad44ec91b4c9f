package errors

import "strconv"

// ERR is the numeric error code carried by every *Error.
type ERR int32

const (
	ERR_UNKNOWN          ERR = 0
	ERR_INVALID_ARGUMENT ERR = 1
	ERR_NOT_FOUND        ERR = 3
	ERR_PROCESSING       ERR = 4
	ERR_CONFIGURATION    ERR = 5
	ERR_CONTEXT          ERR = 6
	ERR_CONTEXT_CANCELED ERR = 7
	ERR_ERROR            ERR = 9

	// chain data, 10-19
	ERR_BLOCK_NOT_FOUND ERR = 10
	ERR_BLOCK_INVALID   ERR = 11

	// peer protocol, 20-29
	ERR_MALFORMED_PACKET   ERR = 20
	ERR_PROTOCOL_VIOLATION ERR = 21
	ERR_PEER_TIMEOUT       ERR = 22
	ERR_IMPORT_REJECTED    ERR = 23
	ERR_FORK_REJECTED      ERR = 24

	// services and storage, 40-59
	ERR_SERVICE_UNAVAILABLE ERR = 40
	ERR_SERVICE_NOT_STARTED ERR = 41
	ERR_SERVICE_ERROR       ERR = 42
	ERR_STORAGE_UNAVAILABLE ERR = 50
	ERR_STORAGE_ERROR       ERR = 52

	// network, 60-69
	ERR_NETWORK_ERROR              ERR = 60
	ERR_NETWORK_TIMEOUT            ERR = 61
	ERR_NETWORK_CONNECTION_REFUSED ERR = 62
)

var ERR_name = map[int32]string{
	0:  "UNKNOWN",
	1:  "INVALID_ARGUMENT",
	3:  "NOT_FOUND",
	4:  "PROCESSING",
	5:  "CONFIGURATION",
	6:  "CONTEXT",
	7:  "CONTEXT_CANCELED",
	9:  "ERROR",
	10: "BLOCK_NOT_FOUND",
	11: "BLOCK_INVALID",
	20: "MALFORMED_PACKET",
	21: "PROTOCOL_VIOLATION",
	22: "PEER_TIMEOUT",
	23: "IMPORT_REJECTED",
	24: "FORK_REJECTED",
	40: "SERVICE_UNAVAILABLE",
	41: "SERVICE_NOT_STARTED",
	42: "SERVICE_ERROR",
	50: "STORAGE_UNAVAILABLE",
	52: "STORAGE_ERROR",
	60: "NETWORK_ERROR",
	61: "NETWORK_TIMEOUT",
	62: "NETWORK_CONNECTION_REFUSED",
}

func (x ERR) String() string {
	if name, ok := ERR_name[int32(x)]; ok {
		return name
	}

	return strconv.Itoa(int(x))
}
