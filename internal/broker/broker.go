// Package broker owns every live channel and its attached sessions. All
// registry state belongs to a single goroutine; sessions talk to it through
// a serialized mailbox and receive frames through per-session delivery
// channels. A delivery channel being closed is the terminate signal: the
// broker is the only closer, and a session drains to closure instead of
// racing it.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/mozilla-services/channelserver/internal/channelid"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
	"github.com/mozilla-services/channelserver/internal/reputation"
	"github.com/mozilla-services/channelserver/internal/settings"
)

// ErrMailboxFull reports that the broker could not accept a request without
// blocking. Callers treat it as fatal for their own session.
var ErrMailboxFull = errors.New("broker: mailbox full")

// mailboxSize bounds how many requests may queue before senders fail fast.
const mailboxSize = 256

// SessionID identifies an attached session. The zero value means rejected.
type SessionID uint64

// Reason classifies why a session leaves its channel.
type Reason int

const (
	// ReasonClientClosed is a deliberate close frame from the client. The
	// rendezvous is over, so the whole channel is torn down with it.
	ReasonClientClosed Reason = iota
	// ReasonTimeout covers idle expiry and lifespan expiry. Only the member
	// is removed; the channel stays up so the same address can reconnect.
	ReasonTimeout
	// ReasonConnectionError covers socket read and write failures, with the
	// same member-only removal as ReasonTimeout.
	ReasonConnectionError
)

func (r Reason) String() string {
	switch r {
	case ReasonClientClosed:
		return "client_closed"
	case ReasonTimeout:
		return "timeout"
	case ReasonConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

// member is one session's seat in a channel, including the quota counters
// charged as frames are relayed to it.
type member struct {
	id            SessionID
	channel       channelid.ID
	deliver       chan<- []byte
	remote        string
	msgCount      int
	dataExchanged int64
}

// ConnectRequest carries everything the broker needs to admit a session.
type ConnectRequest struct {
	Channel channelid.ID
	// Deliver is the session's receive buffer. The broker closes it exactly
	// once when the member is removed.
	Deliver chan<- []byte
	// Remote is the derived client address, empty when unknown.
	Remote string
	// InitialConnect is true only for the create route; joins to unknown
	// channels are refused rather than creating state for probes.
	InitialConnect bool
}

type request interface{ isRequest() }

type connectRequest struct {
	ConnectRequest
	reply chan SessionID
}

type disconnectRequest struct {
	channel channelid.ID
	id      SessionID
	reason  Reason
}

type messageKind int

const (
	messageText messageKind = iota
	messageTerminate
)

type relayRequest struct {
	channel channelid.ID
	id      SessionID
	kind    messageKind
	payload string
	sender  meta.SenderMeta
}

func (connectRequest) isRequest()    {}
func (disconnectRequest) isRequest() {}
func (relayRequest) isRequest()      {}

// welcomeFrame is the first frame pushed to every accepted session.
type welcomeFrame struct {
	Link      string `json:"link"`
	ChannelID string `json:"channelid"`
}

// relayedFrame wraps a client payload with its sender's metadata.
type relayedFrame struct {
	Message string          `json:"message"`
	Sender  meta.SenderMeta `json:"sender"`
}

// Broker routes frames between the members of each channel and enforces
// capacity and quota policy.
type Broker struct {
	mailbox chan request
	// done is closed when Run returns; it releases anyone still waiting on
	// a reply the broker will never send.
	done chan struct{}

	maxMembers   int
	maxExchanges int
	maxData      int64

	metrics    *metrics.Sink
	reputation *reputation.Client
	logger     *slog.Logger

	// Registries below are touched only by the Run goroutine.
	channels map[channelid.ID]map[SessionID]*member
	sessions map[SessionID]*member
}

// New builds a broker from the relay limits in s. Run must be started before
// any request is sent.
func New(s *settings.Settings, sink *metrics.Sink, rep *reputation.Client, logger *slog.Logger) *Broker {
	return &Broker{
		mailbox:      make(chan request, mailboxSize),
		done:         make(chan struct{}),
		maxMembers:   s.MaxChannelConnections,
		maxExchanges: s.MaxExchanges,
		maxData:      s.MaxData,
		metrics:      sink,
		reputation:   rep,
		logger:       logger,
		channels:     make(map[channelid.ID]map[SessionID]*member),
		sessions:     make(map[SessionID]*member),
	}
}

// Run processes requests until ctx is canceled, then tears down every
// remaining channel so all sessions observe their delivery handles closing.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			ids := make([]channelid.ID, 0, len(b.channels))
			for ch := range b.channels {
				ids = append(ids, ch)
			}
			for _, ch := range ids {
				b.shutdown(ch)
			}
			return
		case req := <-b.mailbox:
			switch r := req.(type) {
			case connectRequest:
				r.reply <- b.connect(r)
			case disconnectRequest:
				b.disconnect(r)
			case relayRequest:
				b.relay(r)
			}
		}
	}
}

// submit enqueues without blocking; the caller handles a full mailbox by
// closing its own session.
func (b *Broker) submit(r request) error {
	select {
	case b.mailbox <- r:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Connect asks for a seat on a channel and waits for the verdict. A zero id
// with nil error means the broker refused the session.
func (b *Broker) Connect(ctx context.Context, req ConnectRequest) (SessionID, error) {
	reply := make(chan SessionID, 1)
	if err := b.submit(connectRequest{ConnectRequest: req, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-ctx.Done():
		// The request may still be processed; undo the seat if it was won so
		// an abandoned socket cannot hold the channel open. A stopped broker
		// will never answer, so give up with it.
		go func() {
			select {
			case id := <-reply:
				if id != 0 {
					_ = b.Terminate(req.Channel, id)
				}
			case <-b.done:
			}
		}()
		return 0, fmt.Errorf("broker: awaiting connect reply: %w", ctx.Err())
	}
}

// Disconnect reports that a session is gone and why. Safe to repeat; the
// broker ignores members it no longer tracks.
func (b *Broker) Disconnect(channel channelid.ID, id SessionID, reason Reason) error {
	return b.submit(disconnectRequest{channel: channel, id: id, reason: reason})
}

// Relay fans a text payload out to the other members of the channel.
func (b *Broker) Relay(channel channelid.ID, id SessionID, text string, sender meta.SenderMeta) error {
	return b.submit(relayRequest{channel: channel, id: id, kind: messageText, payload: text, sender: sender})
}

// Terminate drops a single member without touching the rest of the channel.
func (b *Broker) Terminate(channel channelid.ID, id SessionID) error {
	return b.submit(relayRequest{channel: channel, id: id, kind: messageTerminate})
}

func (b *Broker) connect(r connectRequest) SessionID {
	members, ok := b.channels[r.Channel]
	if !ok {
		if !r.InitialConnect {
			b.logger.Warn("refusing connect to unknown channel",
				"channel", r.Channel.String(), "remote_ip", r.Remote)
			return 0
		}
		members = make(map[SessionID]*member)
		b.channels[r.Channel] = members
	}

	if len(members) >= b.maxMembers {
		b.logger.Info("channel full, refusing connect",
			"channel", r.Channel.String(), "members", len(members))
		b.metrics.Increment(metrics.ConnMaxConn)
		return 0
	}
	// Once the principals are paired, only a familiar address may take
	// another seat: that allows a reconnect after a transient drop while
	// keeping third parties out of a leaked channel.
	if len(members) > 2 && !remoteKnown(members, r.Remote) {
		b.logger.Warn("refusing unfamiliar remote on paired channel",
			"channel", r.Channel.String(), "remote_ip", r.Remote)
		return 0
	}

	id := b.newSessionID()
	m := &member{id: id, channel: r.Channel, deliver: r.Deliver, remote: r.Remote}
	members[id] = m
	b.sessions[id] = m

	frame, err := json.Marshal(welcomeFrame{
		Link:      "/v1/ws/" + r.Channel.String(),
		ChannelID: r.Channel.String(),
	})
	if err != nil {
		b.logger.Error("cannot encode welcome frame", "err", err)
		b.removeMember(r.Channel, id)
		return 0
	}
	b.push(m, frame)
	b.metrics.Increment(metrics.ConnCreate)
	b.logger.Debug("session attached",
		"channel", r.Channel.String(), "session", uint64(id), "members", len(members))
	return id
}

func (b *Broker) disconnect(r disconnectRequest) {
	members, ok := b.channels[r.channel]
	if !ok {
		return
	}
	if _, ok := members[r.id]; !ok {
		return
	}
	b.logger.Debug("session disconnected",
		"channel", r.channel.String(), "session", uint64(r.id), "reason", r.reason.String())

	if r.reason == ReasonClientClosed {
		b.shutdown(r.channel)
		return
	}
	b.removeMember(r.channel, r.id)
}

func (b *Broker) relay(r relayRequest) {
	members, ok := b.channels[r.channel]
	if !ok {
		return
	}
	if _, ok := members[r.id]; !ok {
		return
	}

	if r.kind == messageTerminate {
		b.removeMember(r.channel, r.id)
		return
	}

	frame, err := json.Marshal(relayedFrame{Message: r.payload, Sender: r.sender})
	if err != nil {
		b.logger.Error("cannot encode relayed frame",
			"channel", r.channel.String(), "err", err)
		return
	}

	for id, m := range members {
		if id == r.id {
			continue
		}
		m.dataExchanged += int64(len(frame))
		m.msgCount++
		if b.maxData > 0 && (m.dataExchanged > b.maxData || int64(len(frame)) > b.maxData) {
			b.logger.Info("too much data relayed through channel, closing",
				"channel", r.channel.String(), "bytes", m.dataExchanged)
			b.metrics.Increment(metrics.ConnMaxData)
			b.reportViolation(r.sender.Remote)
			b.shutdown(r.channel)
			return
		}
		if b.maxExchanges > 0 && m.msgCount > b.maxExchanges {
			b.logger.Info("too many messages relayed through channel, closing",
				"channel", r.channel.String(), "messages", m.msgCount)
			b.metrics.Increment(metrics.ConnMaxMsg)
			b.reportViolation(r.sender.Remote)
			b.shutdown(r.channel)
			return
		}
		b.push(m, frame)
	}
}

// shutdown tears a channel down: every member's delivery handle is closed
// and forgotten. Idempotent.
func (b *Broker) shutdown(channel channelid.ID) {
	members, ok := b.channels[channel]
	if !ok {
		return
	}
	for id, m := range members {
		close(m.deliver)
		delete(b.sessions, id)
	}
	delete(b.channels, channel)
	b.logger.Debug("channel closed", "channel", channel.String(), "members", len(members))
}

// removeMember drops one seat; an emptied channel is removed with it.
func (b *Broker) removeMember(channel channelid.ID, id SessionID) {
	members, ok := b.channels[channel]
	if !ok {
		return
	}
	m, ok := members[id]
	if !ok {
		return
	}
	close(m.deliver)
	delete(members, id)
	delete(b.sessions, id)
	if len(members) == 0 {
		b.shutdown(channel)
	}
}

// push delivers without blocking; a session that cannot keep up loses the
// frame rather than stalling the broker.
func (b *Broker) push(m *member, frame []byte) {
	select {
	case m.deliver <- frame:
	default:
		b.logger.Warn("delivery buffer full, dropping frame",
			"channel", m.channel.String(), "session", uint64(m.id))
	}
}

func (b *Broker) reportViolation(remote string) {
	if b.reputation == nil || remote == "" {
		return
	}
	go b.reputation.ReportViolation(context.Background(), remote)
}

func (b *Broker) newSessionID() SessionID {
	for {
		id := SessionID(rand.Uint64())
		if id == 0 {
			continue
		}
		if _, taken := b.sessions[id]; taken {
			continue
		}
		return id
	}
}

func remoteKnown(members map[SessionID]*member, remote string) bool {
	if remote == "" {
		return false
	}
	for _, m := range members {
		if m.remote == remote {
			return true
		}
	}
	return false
}
