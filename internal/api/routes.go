package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the scene endpoints on the router.
func RegisterRoutes(r *mux.Router, h *Handler) {
	r.HandleFunc("/api/v1/scenes/{sceneId}", h.GetScene).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/scenes/{sceneId}/delta", h.ApplyDelta).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/scenes/{sceneId}/snapshots", h.CreateSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/scenes/{sceneId}/snapshots", h.ListSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/scenes/{sceneId}/snapshots/{snapshotId}/restore", h.RestoreSnapshot).Methods(http.MethodPost)
}
