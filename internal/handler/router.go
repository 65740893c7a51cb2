package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/helicon-ai/docchat/internal/handler/status"
	"github.com/helicon-ai/docchat/internal/handler/ws"
	middlewarePkg "github.com/helicon-ai/docchat/internal/middleware"
)

// NewRouter wires HTTP routes to the realtime core.
func NewRouter(wsHandler *ws.Handler, statusHandler *status.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		wsHandler.RegisterRoutes(api)
		statusHandler.RegisterRoutes(api)
	})

	return r
}
