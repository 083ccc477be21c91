package model

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded is returned when a user at the conversation quota tries
// to create another conversation. No write happens.
var ErrQuotaExceeded = errors.New("conversation quota exceeded")

// ErrTabCapacity is returned when a tab cannot be opened because every slot
// is taken and nothing is evictable. Callers treat it as a silent no-op.
var ErrTabCapacity = errors.New("no tab slot available")

// ErrTabNotFound is returned for operations against an unknown tab id.
var ErrTabNotFound = errors.New("tab not found")

// WriteFailedError reports a message insert that failed after the optimistic
// entry was already rendered. The entry has been removed by the time the
// caller sees this.
type WriteFailedError struct {
	ConversationID string
	ClientKey      string
	Err            error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("message write failed for conversation %s: %v", e.ConversationID, e.Err)
}

func (e *WriteFailedError) Unwrap() error { return e.Err }
