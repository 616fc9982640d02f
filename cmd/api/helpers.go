package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fredLoan/pkg/config"
	"github.com/mcclellann/fredLoan/pkg/ledger"
	"github.com/mcclellann/fredLoan/pkg/lock"
	"github.com/mcclellann/fredLoan/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) clientError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) serverError(w http.ResponseWriter, funcName string, err error) {
	logging.LogError(s.logger, "api", funcName, "handling request", nil, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// pathID parses the {id} route variable.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, entity string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.clientError(w, http.StatusBadRequest, "Invalid "+entity+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body into dst and validates it. An empty body leaves
// dst at its zero value before validation.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.clientError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": config.ProcessValidationErrors(err)})
		return false
	}
	return true
}

// ledgerError maps a ledger failure onto an HTTP response.
func (s *Server) ledgerError(w http.ResponseWriter, funcName string, err error) {
	var (
		notFound *ledger.NotFoundError
		terms    *ledger.InvalidTermsError
		amount   *ledger.InvalidAmountError
		paid     *ledger.InstallmentAlreadyPaidError
		state    *ledger.InvalidStateTransitionError
		exceeds  *ledger.PrepaymentExceedsOutstandingError
		short    *ledger.InsufficientPaymentError
	)
	switch {
	case errors.As(err, &notFound):
		s.clientError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &terms), errors.As(err, &amount):
		s.clientError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &paid), errors.As(err, &state):
		s.clientError(w, http.StatusConflict, err.Error())
	case errors.As(err, &exceeds), errors.As(err, &short):
		s.clientError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lock.ErrNotObtained):
		s.clientError(w, http.StatusServiceUnavailable, "loan is busy, retry shortly")
	default:
		s.serverError(w, funcName, err)
	}
}
