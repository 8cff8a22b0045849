// Package api exposes the delta-application and snapshot endpoints.
package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"sceneforge.dev/internal/auth"
	"sceneforge.dev/internal/bus"
	"sceneforge.dev/internal/metrics"
	"sceneforge.dev/internal/protocol"
	"sceneforge.dev/internal/scene"
)

// maxBodyBytes bounds request bodies; batches are small compared to assets.
const maxBodyBytes = 1 << 20

type Handler struct {
	Engine   *scene.Engine
	Bus      *bus.Bus
	Verifier auth.TokenVerifier
	Access   auth.AccessChecker
	Metrics  *metrics.Counters
	// DeltaSchema, when set, validates delta request bodies before decoding.
	DeltaSchema *jsonschema.Schema
	Log         *log.Logger
}

type deltaRequest struct {
	Operations []scene.Delta `json:"operations"`
	// ConnectionID ties the batch to the caller's live connection so the
	// DELTA broadcast can carry its origin.
	ConnectionID string `json:"connectionId,omitempty"`
}

func (h *Handler) ApplyDelta(w http.ResponseWriter, r *http.Request) {
	sceneID := mux.Vars(r)["sceneId"]
	who, ok := h.authorize(w, r, sceneID)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, protocol.Errf(protocol.ErrValidation, "unreadable body"))
		return
	}
	if h.DeltaSchema != nil {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			h.writeError(w, protocol.Errf(protocol.ErrValidation, "malformed JSON"))
			return
		}
		if err := h.DeltaSchema.Validate(v); err != nil {
			h.writeError(w, protocol.Errf(protocol.ErrValidation, "schema: %v", err))
			return
		}
	}
	var req deltaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, protocol.Errf(protocol.ErrValidation, "malformed JSON"))
		return
	}

	ifMatch, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.Engine.ApplyDelta(r.Context(), sceneID, who.UserID, req.Operations, ifMatch)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.DeltasRejected.Add(1)
		}
		h.writeError(w, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.DeltasCommitted.Add(1)
	}

	ops, _ := json.Marshal(req.Operations)
	_, _ = h.Bus.Publish(sceneID, protocol.EventDelta, req.ConnectionID, true, protocol.DeltaBroadcast{
		Type:    protocol.TypeDelta,
		SceneID: sceneID,
		Version: res.Version,
		From:    who.UserID,
		Ops:     ops,
	})

	w.Header().Set("ETag", res.ETag)
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetScene(w http.ResponseWriter, r *http.Request) {
	sceneID := mux.Vars(r)["sceneId"]
	if _, ok := h.authorize(w, r, sceneID); !ok {
		return
	}
	manifest, err := h.Engine.Manifest(r.Context(), sceneID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("ETag", scene.ETagFor(manifest.Version))
	h.writeJSON(w, http.StatusOK, manifest)
}

type snapshotMeta struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	sceneID := mux.Vars(r)["sceneId"]
	if _, ok := h.authorize(w, r, sceneID); !ok {
		return
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, protocol.Errf(protocol.ErrValidation, "malformed JSON"))
		return
	}
	if strings.TrimSpace(req.Label) == "" {
		h.writeError(w, protocol.Errf(protocol.ErrValidation, "missing label"))
		return
	}
	snap, err := h.Engine.CreateSnapshot(r.Context(), sceneID, req.Label)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snapshotMeta{ID: snap.ID, Label: snap.Label, CreatedAt: snap.CreatedAt})
}

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	sceneID := mux.Vars(r)["sceneId"]
	if _, ok := h.authorize(w, r, sceneID); !ok {
		return
	}
	snaps, err := h.Engine.ListSnapshots(r.Context(), sceneID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]snapshotMeta, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotMeta{ID: s.ID, Label: s.Label, CreatedAt: s.CreatedAt})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sceneID := vars["sceneId"]
	if _, ok := h.authorize(w, r, sceneID); !ok {
		return
	}
	res, err := h.Engine.RestoreSnapshot(r.Context(), sceneID, vars["snapshotId"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	_, _ = h.Bus.Publish(sceneID, protocol.EventNotification, "", true, protocol.NotificationMsg{
		Type:    protocol.TypeNotification,
		SceneID: sceneID,
		Kind:    "snapshot_restored",
		Label:   res.RestoredLabel,
		Version: res.Version,
	})

	w.Header().Set("ETag", res.ETag)
	h.writeJSON(w, http.StatusOK, res)
}

// authorize verifies the bearer token and the caller's scene access for the
// request method.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, sceneID string) (auth.Identity, bool) {
	who, err := h.Verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		h.writeError(w, err)
		return auth.Identity{}, false
	}
	ok, err := h.Access.UserHasSceneAccess(r.Context(), who.UserID, sceneID, r.Method)
	if err != nil {
		h.writeError(w, protocol.Errf(protocol.ErrInternal, "access check failed"))
		return auth.Identity{}, false
	}
	if !ok {
		h.writeError(w, protocol.Errf(protocol.ErrForbidden, "no access to scene %s", sceneID))
		return auth.Identity{}, false
	}
	return who, true
}

// parseIfMatch accepts the weak ETag the server hands out (W/"v5"), a bare
// quoted tag ("v5"), or a plain version number. Empty means no precondition.
func parseIfMatch(h string) (int64, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, nil
	}
	tag := strings.TrimPrefix(h, "W/")
	tag = strings.Trim(tag, `"`)
	tag = strings.TrimPrefix(tag, "v")
	v, err := strconv.ParseInt(tag, 10, 64)
	if err != nil || v <= 0 {
		return 0, protocol.Errf(protocol.ErrValidation, "bad If-Match %q", h)
	}
	return v, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	status := statusForCode(code)
	if h.Log != nil && status >= 500 {
		h.Log.Printf("internal error: %v", err)
	}
	msg := err.Error()
	if status >= 500 {
		msg = "internal error"
	}
	h.writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}

func statusForCode(code string) int {
	switch code {
	case protocol.ErrValidation:
		return http.StatusBadRequest
	case protocol.ErrAuth:
		return http.StatusUnauthorized
	case protocol.ErrForbidden:
		return http.StatusForbidden
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrConflict:
		return http.StatusPreconditionFailed
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
