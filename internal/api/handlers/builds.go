// Package handlers implements the HTTP handlers of the condastore API.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/condastore/internal/buildkey"
	"github.com/narvanalabs/condastore/internal/lockfile"
	"github.com/narvanalabs/condastore/internal/models"
	"github.com/narvanalabs/condastore/internal/store"
	"github.com/narvanalabs/condastore/pkg/logger"
)

// BuildHandler handles build-related HTTP requests.
type BuildHandler struct {
	store    store.Store
	codec    *buildkey.Codec
	resolver *lockfile.Resolver
	logger   *slog.Logger
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(st store.Store, codec *buildkey.Codec, resolver *lockfile.Resolver, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{
		store:    st,
		codec:    codec,
		resolver: resolver,
		logger:   logger,
	}
}

// BuildResponse is a build together with its derived keys.
type BuildResponse struct {
	*models.Build
	BuildKey    string `json:"build_key"`
	LockfileKey string `json:"lockfile_key"`
}

// Get handles GET /api/v1/build/{buildID}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	buildID, ok := h.buildID(w, r)
	if !ok {
		return
	}

	build, err := h.store.Builds().Get(r.Context(), buildID)
	if err != nil {
		writeError(w, r, h.logger, "failed to get build", err)
		return
	}

	WriteJSON(w, http.StatusOK, &BuildResponse{
		Build:       build,
		BuildKey:    build.BuildKey(h.codec),
		LockfileKey: build.CondaLockKey(h.codec),
	})
}

// Lockfile handles GET /api/v1/build/{buildID}/lockfile.
func (h *BuildHandler) Lockfile(w http.ResponseWriter, r *http.Request) {
	buildID, ok := h.buildID(w, r)
	if !ok {
		return
	}

	build, err := h.store.Builds().Get(r.Context(), buildID)
	if err != nil {
		writeError(w, r, h.logger, "failed to get build", err)
		return
	}

	res, err := h.resolver.ResolveBuild(r.Context(), build)
	if err != nil {
		writeError(w, r, h.logger, "failed to resolve lockfile", err)
		return
	}
	writeResolution(w, res)
}

// EnvironmentLockfile handles
// GET /api/v1/environment/{namespace}/{environment}/build/{buildID}/lockfile.
func (h *BuildHandler) EnvironmentLockfile(w http.ResponseWriter, r *http.Request) {
	buildID, ok := h.buildID(w, r)
	if !ok {
		return
	}
	namespace := chi.URLParam(r, "namespace")
	environment := chi.URLParam(r, "environment")

	ctx := logger.ContextWithBuildID(r.Context(), buildID)
	res, err := h.resolver.Resolve(ctx, namespace, environment, buildID)
	if err != nil {
		writeError(w, r, h.logger, "failed to resolve lockfile", err)
		return
	}
	writeResolution(w, res)
}

func (h *BuildHandler) buildID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "buildID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		WriteBadRequest(w, r, "invalid build id "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

// BuildKeyHandler decodes build keys without touching the database.
type BuildKeyHandler struct {
	codec  *buildkey.Codec
	logger *slog.Logger
}

// NewBuildKeyHandler creates a new build key handler. Keys are decoded with
// the codec's version first.
func NewBuildKeyHandler(codec *buildkey.Codec, logger *slog.Logger) *BuildKeyHandler {
	return &BuildKeyHandler{codec: codec, logger: logger}
}

// BuildKeyResponse is the decoded form of a build key.
type BuildKeyResponse struct {
	Key             string    `json:"key"`
	Version         int       `json:"version"`
	PackageHash     string    `json:"package_hash"`
	ScheduledOn     time.Time `json:"scheduled_on"`
	BuildID         int64     `json:"build_id"`
	EnvironmentName string    `json:"environment_name"`
}

// Decode handles GET /api/v1/build-key/{key}.
func (h *BuildKeyHandler) Decode(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	c, err := h.codec.Decode(key)
	if err != nil {
		writeError(w, r, h.logger, "failed to decode build key", err)
		return
	}
	WriteJSON(w, http.StatusOK, &BuildKeyResponse{
		Key:             key,
		Version:         int(c.Version),
		PackageHash:     c.PackageHash,
		ScheduledOn:     c.ScheduledOn,
		BuildID:         c.BuildID,
		EnvironmentName: c.EnvironmentName,
	})
}
