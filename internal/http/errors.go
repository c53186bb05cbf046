package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/example/truck-booking/internal/apperr"
)

type errorBody struct {
	Error     apperr.Kind `json:"error"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidTransition, apperr.ReconciliationConflict:
		return http.StatusConflict
	case apperr.Unauthorized:
		return http.StatusForbidden
	case apperr.DistanceOutOfRange, apperr.InvalidFilters:
		return http.StatusBadRequest
	case apperr.UnknownTransaction, apperr.NotFound:
		return http.StatusNotFound
	case apperr.AmountMismatch:
		return http.StatusUnprocessableEntity
	case apperr.ConcurrencyConflict:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		err = apperr.New(apperr.InvalidFilters, "http.validate", "%s", verrs.Error())
	}
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Error: kind, Message: err.Error(), Retryable: apperr.Retryable(err)}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Message = "internal error"
	}
	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errForbidden(op, msg string) error {
	return apperr.New(apperr.Unauthorized, "http."+op, "%s", msg)
}

func errBadRequest(op string, err error) error {
	return apperr.Wrap(apperr.InvalidFilters, "http."+op, err)
}

func errBadRequestMsg(op, msg string) error {
	return apperr.New(apperr.InvalidFilters, "http."+op, "%s", msg)
}
