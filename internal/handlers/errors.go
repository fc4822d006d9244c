package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/services"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, services.ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	if errors.Is(err, services.ErrLockHeld) {
		return http.StatusConflict
	}

	switch deal.KindOf(err) {
	case deal.ErrUnauthenticated:
		return http.StatusUnauthorized
	case deal.ErrPermissionDenied:
		return http.StatusForbidden
	case deal.ErrNotFound:
		return http.StatusNotFound
	case deal.ErrInvalidArgument:
		return http.StatusBadRequest
	case deal.ErrAlreadyExists:
		return http.StatusConflict
	case deal.ErrFailedPrecondition:
		return http.StatusPreconditionFailed
	case deal.ErrDeadlineExceeded:
		return http.StatusGone
	case deal.ErrPartialFailure:
		return http.StatusMultiStatus
	}
	return http.StatusInternalServerError
}

// sendError writes err with its mapped status. Unclassified errors are logged
// and hidden from the caller.
func sendError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[HTTP] %s failed: %v", op, err)
		message = "Internal server error"
	}
	services.SendErrorResponse(w, message, status, nil)
}
