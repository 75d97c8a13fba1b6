package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteError_IncludesRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-Id", "r-1")
	req := httptest.NewRequest(http.MethodGet, "/orders/abc", nil)

	require.NoError(t, WriteError(rec, req, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "ORDER_NOT_FOUND", env.Code)
	require.Equal(t, map[string]string{"request_id": "r-1", "path": "/orders/abc"}, env.Meta)
}

func TestWriteValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)

	require.NoError(t, WriteValidationError(rec, req, map[string]string{"Amount": "must be greater than 0"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"code":"VALIDATION_FAILED","message":"validation failed","meta":{"path":"/orders"},"fields":{"Amount":"must be greater than 0"}}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		A int `json:"a"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	require.NoError(t, DecodeJSON(req, &dst))
	require.Equal(t, 1, dst.A)

	for _, body := range []string{``, `{`, `{"a":1} {"a":2}`, `{"a":"x"}`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		require.ErrorIs(t, DecodeJSON(req, &dst), ErrInvalidJSON, body)
	}
}

func TestWriteJSON_NilWriter(t *testing.T) {
	require.NoError(t, WriteJSON(nil, http.StatusOK, map[string]string{}))
}
