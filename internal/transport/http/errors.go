package http

import (
	"errors"
	"net/http"

	"github.com/R4f0so/quiz-corp/internal/domain"
)

// Error codes surfaced to clients so UIs can render specific recovery
// guidance instead of a dead-end banner.
const (
	codeTeamRequired      = "team_required"
	codeValidation        = "validation"
	codeInvalidTransition = "invalid_transition"
	codeDuplicateAnswer   = "duplicate_answer"
	codeNotFound          = "not_found"
	codeStoreUnavailable  = "store_unavailable"
	codeBadRequest        = "bad_request"
	codeInternal          = "internal"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrTeamRequired):
		return codeTeamRequired
	case domain.IsValidation(err):
		return codeValidation
	case domain.IsInvalidTransition(err):
		return codeInvalidTransition
	case errors.Is(err, domain.ErrDuplicateAnswer):
		return codeDuplicateAnswer
	case errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrTopicNotFound):
		return codeNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		return codeStoreUnavailable
	}
	return codeInternal
}

func errorStatus(err error) int {
	switch errorCode(err) {
	case codeTeamRequired, codeValidation, codeBadRequest:
		return http.StatusBadRequest
	case codeInvalidTransition, codeDuplicateAnswer:
		return http.StatusConflict
	case codeNotFound:
		return http.StatusNotFound
	case codeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
