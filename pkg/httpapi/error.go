package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxBodyBytes = 1 << 20

var ErrInvalidJSON = errors.New("invalid json body")

// ErrorEnvelope is the body of every JSON error response.
type ErrorEnvelope struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(payload)
}

// WriteError writes an ErrorEnvelope carrying the request id assigned by the
// logging middleware.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) error {
	return WriteJSON(w, status, &ErrorEnvelope{
		Code:    code,
		Message: message,
		Meta:    requestMeta(w, r),
	})
}

func WriteValidationError(w http.ResponseWriter, r *http.Request, fields map[string]string) error {
	return WriteJSON(w, http.StatusBadRequest, &ErrorEnvelope{
		Code:    "VALIDATION_FAILED",
		Message: "validation failed",
		Meta:    requestMeta(w, r),
		Fields:  fields,
	})
}

// DecodeJSON reads a single JSON value of at most 1MiB into dst.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidJSON)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidJSON)
	}
	return nil
}

func requestMeta(w http.ResponseWriter, r *http.Request) map[string]string {
	meta := map[string]string{}
	if id := strings.TrimSpace(w.Header().Get("X-Request-Id")); id != "" {
		meta["request_id"] = id
	} else if r != nil {
		if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
			meta["request_id"] = id
		}
	}
	if r != nil {
		meta["path"] = r.URL.Path
	}
	return meta
}
