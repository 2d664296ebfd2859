package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTeamRequired signals that a new external key needs a team choice;
	// callers should re-prompt rather than treat this as a hard failure.
	ErrTeamRequired = errors.New("team selection required for new participants")
	// ErrDuplicateAnswer is returned when an answer already exists for the
	// participant/question pair. Benign: the retry was already recorded.
	ErrDuplicateAnswer = errors.New("answer already recorded for this question")
	// ErrParticipantNotFound is returned for unknown participant ids.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrQuestionNotFound is returned for unknown question ids.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrTopicNotFound is returned for unknown topic ids.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrStoreUnavailable wraps transient ledger failures; callers retry
	// state-changing operations themselves.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// ValidationError rejects a request before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalidf builds a ValidationError for field.
func Invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError rejects a phase transition not permitted from the
// current phase. The session is left unchanged.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
