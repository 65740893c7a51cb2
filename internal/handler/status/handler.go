package status

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/helicon-ai/docchat/internal/service/registry"
	"github.com/helicon-ai/docchat/pkg/utils"
)

// Handler exposes read-only connection metrics.
type Handler struct {
	registry *registry.Registry
}

// New creates a status handler.
func New(reg *registry.Registry) *Handler {
	return &Handler{registry: reg}
}

// RegisterRoutes mounts the status endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/status", h.handleStatus)
	r.Get("/ws/conversations/{conversationID}/active", h.handleActiveUsers)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.registry.Stats())
}

func (h *Handler) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	conversationID, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"active_users":    h.registry.ActiveUsers(conversationID),
	})
}
