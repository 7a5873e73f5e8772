package pool

import (
	"errors"
)

var (
	ErrInvalidAmount  = errors.New("share credit amount cannot be negative")
	ErrNoWorkRecorded = errors.New("no work recorded for settlement round")
	ErrClaimConflict  = errors.New("payout member already claimed or paid")
	ErrNotFound       = errors.New("record not found")
)
