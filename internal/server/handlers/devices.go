package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/quantumhub/execgate/internal/errors"
	"github.com/quantumhub/execgate/pkg/backend"
)

// DevicesHandler serves the platform and device catalog.
type DevicesHandler struct {
	registry *backend.Registry
}

func NewDevicesHandler(registry *backend.Registry) *DevicesHandler {
	return &DevicesHandler{registry: registry}
}

// Platforms lists registered platform names.
func (h *DevicesHandler) Platforms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"platforms": h.registry.Platforms()})
}

// Devices lists one platform's device catalog.
func (h *DevicesHandler) Devices(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	devices, err := h.registry.Devices(platform)
	if err != nil {
		apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platform": platform, "devices": devices})
}
