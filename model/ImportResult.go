package model

// ImportStatus is the outcome of handing a block to a ledger.
type ImportStatus int

const (
	ImportStatusImported ImportStatus = iota
	ImportStatusAlreadyKnown
	ImportStatusInvalid
)

func (s ImportStatus) String() string {
	switch s {
	case ImportStatusImported:
		return "imported"
	case ImportStatusAlreadyKnown:
		return "already_known"
	case ImportStatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ImportResult is returned by a ledger import. Reason is only set for ImportStatusInvalid.
type ImportResult struct {
	Status ImportStatus
	Reason string
}

func Imported() ImportResult {
	return ImportResult{Status: ImportStatusImported}
}

func AlreadyKnown() ImportResult {
	return ImportResult{Status: ImportStatusAlreadyKnown}
}

func InvalidImport(reason string) ImportResult {
	return ImportResult{Status: ImportStatusInvalid, Reason: reason}
}
