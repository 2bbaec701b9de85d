// Package session drives one WebSocket connection through its lifetime:
// admission with the broker, relaying inbound text, writing delivered
// frames, and the heartbeat clock that expires idle or overlong sessions.
// A session runs as two goroutines: a socket reader feeding an event
// channel, and the Run loop that owns all session state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/channelid"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
	"github.com/mozilla-services/channelserver/internal/settings"
)

const (
	// writeWait bounds every socket write, control frames included.
	writeWait = 10 * time.Second
	// connectTimeout bounds the wait for the broker's admission verdict.
	connectTimeout = 5 * time.Second
	// readLimit caps a single inbound frame.
	readLimit = 64 << 10

	eventBuffer    = 16
	deliveryBuffer = 16
)

type eventKind int

const (
	evText eventKind = iota
	evBinary
	evHeartbeat
	evError
)

type event struct {
	kind    eventKind
	payload []byte
	err     error
}

// Options carries everything a session needs. Clock may be nil to use real
// time.
type Options struct {
	Conn           *websocket.Conn
	Channel        channelid.ID
	InitialConnect bool
	Meta           meta.SenderMeta
	Broker         *broker.Broker
	Settings       *settings.Settings
	Metrics        *metrics.Sink
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Session is one end of a channel.
type Session struct {
	conn    *websocket.Conn
	channel channelid.ID
	initial bool
	meta    meta.SenderMeta
	broker  *broker.Broker
	metrics *metrics.Sink
	clock   clockwork.Clock
	logger  *slog.Logger

	heartbeat   time.Duration
	idleTimeout time.Duration
	lifespan    time.Duration

	// deliver is handed to the broker, which closes it to terminate us.
	deliver chan []byte
	// done releases the reader goroutine once the Run loop has finished.
	done chan struct{}

	id            broker.SessionID
	started       time.Time
	lastHeartbeat time.Time
}

// New prepares a session over an upgraded connection.
func New(opts Options) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		conn:        opts.Conn,
		channel:     opts.Channel,
		initial:     opts.InitialConnect,
		meta:        opts.Meta,
		broker:      opts.Broker,
		metrics:     opts.Metrics,
		clock:       clock,
		logger:      opts.Logger.With("channel", opts.Channel.String()),
		heartbeat:   opts.Settings.HeartbeatInterval(),
		idleTimeout: opts.Settings.IdleTimeout(),
		lifespan:    opts.Settings.Lifespan(),
		deliver:     make(chan []byte, deliveryBuffer),
		done:        make(chan struct{}),
	}
}

// Run blocks until the session ends. It owns the socket: the connection is
// closed on every exit path. ctx should outlive the request that spawned the
// session; cancel it to shed all sessions on shutdown.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()
	defer close(s.done)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	id, err := s.broker.Connect(connectCtx, broker.ConnectRequest{
		Channel:        s.channel,
		Deliver:        s.deliver,
		Remote:         s.meta.Remote,
		InitialConnect: s.initial,
	})
	cancel()
	if err != nil {
		s.logger.Error("broker connect failed", "err", err)
		s.writeClose()
		return
	}
	if id == 0 {
		s.logger.Info("connection refused", "remote_ip", s.meta.Remote)
		s.writeClose()
		return
	}
	s.id = id
	s.started = s.clock.Now()
	s.lastHeartbeat = s.started
	s.logger.Debug("session attached", "session", uint64(id))

	events := make(chan event, eventBuffer)
	go s.readLoop(events)

	ticker := s.clock.NewTicker(s.heartbeat)
	defer ticker.Stop()

	reason := broker.ReasonConnectionError
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case ev := <-events:
			switch ev.kind {
			case evText:
				s.lastHeartbeat = s.clock.Now()
				text := strings.TrimSpace(string(ev.payload))
				if err := s.broker.Relay(s.channel, s.id, text, s.meta); err != nil {
					s.logger.Error("relay failed", "err", err)
					break loop
				}
			case evHeartbeat:
				s.lastHeartbeat = s.clock.Now()
			case evBinary:
				s.logger.Info("binary frame ignored", "session", uint64(s.id))
			case evError:
				var closeErr *websocket.CloseError
				if errors.As(ev.err, &closeErr) {
					s.logger.Debug("client closed", "code", closeErr.Code)
					reason = broker.ReasonClientClosed
				} else {
					s.logger.Debug("read failed", "err", ev.err)
				}
				break loop
			}

		case frame, ok := <-s.deliver:
			if !ok {
				s.logger.Debug("terminated by broker", "session", uint64(s.id))
				break loop
			}
			if err := s.writeFrame(frame); err != nil {
				s.logger.Debug("write failed", "err", err)
				break loop
			}

		case <-ticker.Chan():
			now := s.clock.Now()
			if now.Sub(s.lastHeartbeat) > s.idleTimeout {
				s.logger.Info("client idle, expiring session", "session", uint64(s.id))
				s.metrics.Increment(metrics.ConnExpired)
				reason = broker.ReasonTimeout
				break loop
			}
			if now.Sub(s.started) > s.lifespan {
				s.logger.Info("session lifespan reached", "session", uint64(s.id))
				s.metrics.Increment(metrics.ConnTimeout)
				reason = broker.ReasonTimeout
				break loop
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ping write failed", "err", err)
				break loop
			}
		}
	}

	s.finish(reason)
}

// readLoop turns socket activity into events. Control frames are handled
// here: pings are answered immediately (WriteControl is safe alongside the
// Run loop's writes) and both pings and pongs refresh the heartbeat.
func (s *Session) readLoop(events chan<- event) {
	s.conn.SetReadLimit(readLimit)
	s.conn.SetPingHandler(func(appData string) error {
		deadline := time.Now().Add(writeWait)
		if err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), deadline); err != nil {
			s.logger.Debug("pong write failed", "err", err)
		}
		s.emit(events, event{kind: evHeartbeat})
		return nil
	})
	s.conn.SetPongHandler(func(string) error {
		s.emit(events, event{kind: evHeartbeat})
		return nil
	})

	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.emit(events, event{kind: evError, err: err})
			return
		}
		switch kind {
		case websocket.TextMessage:
			if !s.emit(events, event{kind: evText, payload: payload}) {
				return
			}
		case websocket.BinaryMessage:
			if !s.emit(events, event{kind: evBinary}) {
				return
			}
		}
	}
}

// emit hands an event to the Run loop, giving up once the session is done.
func (s *Session) emit(events chan<- event, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// finish runs the closing sequence exactly once: session-length timer, a
// final disconnect (a no-op at the broker if we were already removed), and
// a polite close frame.
func (s *Session) finish(reason broker.Reason) {
	s.metrics.Timing(metrics.ConnLength, s.clock.Since(s.started))
	if err := s.broker.Disconnect(s.channel, s.id, reason); err != nil {
		s.logger.Warn("disconnect dropped", "err", err)
	}
	s.logger.Debug("session closed",
		"session", uint64(s.id), "reason", reason.String(), "age", s.clock.Since(s.started))
	s.writeClose()
}

func (s *Session) writeFrame(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("close frame write failed", "err", err)
	}
}
