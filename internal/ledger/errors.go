package ledger

import "errors"

var (
	ErrDuplicate         = errors.New("ledger entry already exists for job")
	ErrInvalidTransition = errors.New("ledger entry is not pending")
	ErrQuotaExceeded     = errors.New("outcome would exceed session quota")
	ErrNotFound          = errors.New("ledger entry not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidOutcome    = errors.New("outcome must be applied or failed")
)
