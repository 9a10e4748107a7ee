package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/christmasforkids/cfk-sponsorship/internal/sponsorship"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, msg string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: data})
}

func fail(w http.ResponseWriter, code int, msg string, problems ...string) {
	writeJSON(w, code, envelope{Message: msg, Errors: problems})
}

// statusFor maps a failed operation to its HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, sponsorship.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sponsorship.ErrConflict), errors.Is(err, sponsorship.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, sponsorship.ErrValidation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeResult(w http.ResponseWriter, okCode int, res sponsorship.Result, data any) {
	if !res.Success {
		writeJSON(w, statusFor(res.Err), envelope{Message: res.Message, Data: data, Errors: res.Problems})
		return
	}
	writeJSON(w, okCode, envelope{Success: true, Message: res.Message, Data: data})
}
