// Package server exposes the rendezvous service over HTTP: the WebSocket
// pairing routes and the operational endpoints the hosting platform probes.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/channelid"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
	"github.com/mozilla-services/channelserver/internal/reputation"
	"github.com/mozilla-services/channelserver/internal/session"
	"github.com/mozilla-services/channelserver/internal/settings"
)

// Options carries the handler dependencies. Clock may be nil for real time.
type Options struct {
	Settings   *settings.Settings
	Broker     *broker.Broker
	Deriver    *meta.Deriver
	Reputation *reputation.Client
	Metrics    *metrics.Sink
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// VersionDoc is the raw version.json served at /__version__; its
	// "version" field also feeds the heartbeat response.
	VersionDoc []byte
}

// Server holds the dependencies needed by the HTTP handlers.
type Server struct {
	settings   *settings.Settings
	broker     *broker.Broker
	deriver    *meta.Deriver
	reputation *reputation.Client
	metrics    *metrics.Sink
	clock      clockwork.Clock
	logger     *slog.Logger
	versionDoc []byte
	version    string
	upgrader   websocket.Upgrader
}

// NewServer wires the handlers up.
func NewServer(opts Options) *Server {
	version := "unknown"
	var doc struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(opts.VersionDoc, &doc); err == nil && doc.Version != "" {
		version = doc.Version
	}
	return &Server{
		settings:   opts.Settings,
		broker:     opts.Broker,
		deriver:    opts.Deriver,
		reputation: opts.Reputation,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger,
		versionDoc: opts.VersionDoc,
		version:    version,
		upgrader: websocket.Upgrader{
			// Pairing is deliberately cross-origin; the channel id is the
			// only credential.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// handleCreate responds to GET /v1/ws/.
//
// A fresh channel id is generated and the connection becomes the channel's
// first member.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.metrics.Increment(metrics.ConnRequest, "type:new")
	ch, err := channelid.Generate()
	if err != nil {
		s.logger.Error("cannot generate channel id", "err", err)
		http.Error(w, "channel unavailable", http.StatusInternalServerError)
		return
	}
	s.upgrade(w, r, ch, true)
}

// handleJoin responds to GET /v1/ws/{channel}.
//
// A decodable id joins the existing channel. An empty id (after unescaping
// and trimming) falls back to creating a channel. An undecodable id is not
// coerced into anything: the socket is upgraded and then refused by the
// broker, so probes cannot distinguish a malformed id from a missing
// channel.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "channel")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	raw = strings.TrimSpace(raw)

	if raw == "" {
		s.metrics.Increment(metrics.ConnRequest, "type:none")
		ch, err := channelid.Generate()
		if err != nil {
			s.logger.Error("cannot generate channel id", "err", err)
			http.Error(w, "channel unavailable", http.StatusInternalServerError)
			return
		}
		s.upgrade(w, r, ch, true)
		return
	}

	ch, err := channelid.Decode(raw)
	if err != nil {
		s.metrics.Increment(metrics.ConnRequest, "type:error")
		s.logger.Warn("unparsable channel id", "err", err)
		if ch, err = channelid.Generate(); err != nil {
			s.logger.Error("cannot generate channel id", "err", err)
			http.Error(w, "channel unavailable", http.StatusInternalServerError)
			return
		}
		s.upgrade(w, r, ch, false)
		return
	}

	s.metrics.Increment(metrics.ConnRequest, "type:existing")
	s.upgrade(w, r, ch, false)
}

// upgrade derives the sender's metadata from the plain HTTP request, applies
// the reputation gate, and hands the socket to a new session.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, ch channelid.ID, initial bool) {
	sender := s.deriver.Derive(r)

	if s.reputation != nil && sender.Remote != "" && s.reputation.Abusive(r.Context(), sender.Remote) {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	sess := session.New(session.Options{
		Conn:           conn,
		Channel:        ch,
		InitialConnect: initial,
		Meta:           sender,
		Broker:         s.broker,
		Settings:       s.settings,
		Metrics:        s.metrics,
		Clock:          s.clock,
		Logger:         s.logger,
	})
	// The request context dies when this handler returns; the session must
	// outlive it but keep its values for log correlation.
	go sess.Run(context.WithoutCancel(r.Context()))
}

// handleHeartbeat responds to GET /__heartbeat__ with the service status and
// release version.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// handleLBHeartbeat responds to GET /__lbheartbeat__. Load balancers only
// look at the status code.
func (s *Server) handleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleVersion responds to GET /__version__ with the deployed version.json.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.versionDoc)
}
