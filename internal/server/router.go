package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router for the channel server.
//
// Route layout:
//
//	GET /v1/ws/              – create a channel and upgrade to WebSocket
//	GET /v1/ws/{channel}     – join an existing channel and upgrade
//	GET /__heartbeat__       – service health probe
//	GET /__lbheartbeat__     – load balancer liveness probe
//	GET /__version__         – build metadata from version.json
//
// Everything else is a 404.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	// middleware.RealIP is not used: it rewrites RemoteAddr from
	// X-Forwarded-For unconditionally, but forwarding headers must only be
	// honored when the peer is a trusted proxy.
	r.Use(requestLogger(srv.logger))
	r.Use(middleware.Recoverer)

	r.Get("/v1/ws/", srv.handleCreate)
	r.Get("/v1/ws/{channel}", srv.handleJoin)

	r.Get("/__heartbeat__", srv.handleHeartbeat)
	r.Get("/__lbheartbeat__", srv.handleLBHeartbeat)
	r.Get("/__version__", srv.handleVersion)

	return r
}
