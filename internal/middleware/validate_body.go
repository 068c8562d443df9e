package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/inaiurai/tutoring/internal/validation"
)

// maxBodyBytes bounds what ValidateBody reads into memory.
const maxBodyBytes = 1 << 20

// BodyValidator checks a raw JSON body against a named schema.
type BodyValidator interface {
	Validate(schema string, body []byte) error
}

// ValidateBody reads the body, checks it against the named schema, then
// replaces r.Body so downstream handlers can re-read it.
func ValidateBody(v BodyValidator, schema string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			if err := v.Validate(schema, bodyBytes); err != nil {
				status := http.StatusBadRequest
				if errors.Is(err, validation.ErrValidation) {
					status = http.StatusUnprocessableEntity
				}
				writeError(w, status, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
