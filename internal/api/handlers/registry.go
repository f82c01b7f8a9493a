package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/registry"
	"github.com/arbiterml/modelplane/pkg/models"
)

// RegistryHandler serves model version and tenant override endpoints.
type RegistryHandler struct {
	registry *registry.Registry
	logger   *logrus.Logger
}

// NewRegistryHandler creates a registry handler.
func NewRegistryHandler(reg *registry.Registry, logger *logrus.Logger) *RegistryHandler {
	return &RegistryHandler{registry: reg, logger: logger}
}

// PublishVersion handles POST /api/v1/registry/versions
func (h *RegistryHandler) PublishVersion(w http.ResponseWriter, r *http.Request) {
	var version models.ModelVersion
	if err := decodeJSON(r, &version); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.registry.Publish(r.Context(), &version); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, &version)
}

// ListVersions handles GET /api/v1/registry/versions
func (h *RegistryHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.registry.ListVersions(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

// GetVersion handles GET /api/v1/registry/versions/{id}
func (h *RegistryHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.registry.GetVersion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// PromoteVersion handles POST /api/v1/registry/versions/{id}/promote
func (h *RegistryHandler) PromoteVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.registry.Promote(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// DeactivateVersion handles POST /api/v1/registry/versions/{id}/deactivate
func (h *RegistryHandler) DeactivateVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.registry.Deactivate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// ResolveConfig handles GET /api/v1/registry/tenants/{tenantId}/config
func (h *RegistryHandler) ResolveConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.registry.Resolve(r.Context(), mux.Vars(r)["tenantId"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetOverride handles GET /api/v1/registry/tenants/{tenantId}/override
func (h *RegistryHandler) GetOverride(w http.ResponseWriter, r *http.Request) {
	override, err := h.registry.GetOverride(r.Context(), mux.Vars(r)["tenantId"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, override)
}

type overrideRequest struct {
	BaseVersion string         `json:"base_version,omitempty"`
	Overlay     models.Overlay `json:"overlay"`
}

// UpdateOverride handles POST /api/v1/registry/tenants/{tenantId}/override
func (h *RegistryHandler) UpdateOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	cfg, err := h.registry.UpdateOverride(r.Context(), mux.Vars(r)["tenantId"], req.BaseVersion, req.Overlay)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Rollback handles POST /api/v1/registry/tenants/{tenantId}/rollback
func (h *RegistryHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.registry.Rollback(r.Context(), mux.Vars(r)["tenantId"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
