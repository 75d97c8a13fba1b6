package controllers

import (
	"net/http"

	"github.com/iota-uz/async-orders/pkg/composables"
	"github.com/iota-uz/async-orders/pkg/httpapi"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	if err := httpapi.WriteJSON(w, status, payload); err != nil {
		composables.UseLogger(r.Context()).WithError(err).Warn("failed to write response")
	}
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if err := httpapi.WriteError(w, r, status, code, message); err != nil {
		composables.UseLogger(r.Context()).WithError(err).Warn("failed to write error response")
	}
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	composables.UseLogger(r.Context()).WithError(err).Error(msg)
	writeAPIError(w, r, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal server error")
}
