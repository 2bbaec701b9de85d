package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
	"github.com/mozilla-services/channelserver/internal/reputation"
	"github.com/mozilla-services/channelserver/internal/server"
	"github.com/mozilla-services/channelserver/internal/settings"
)

const awaitTimeout = 5 * time.Second

var versionDoc = []byte(`{"source":"https://github.com/mozilla-services/channelserver","version":"1.4.2","commit":"","build":""}` + "\n")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingClient captures statsd traffic, keyed by metric name and
// additionally by "name|tag" for every tag on the call.
type recordingClient struct {
	mu      sync.Mutex
	counts  map[string]int
	timings map[string]int
}

func (r *recordingClient) Incr(name string, tags []string, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[name]++
	for _, tag := range tags {
		r.counts[name+"|"+tag]++
	}
	return nil
}

func (r *recordingClient) Timing(name string, value time.Duration, tags []string, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timings == nil {
		r.timings = make(map[string]int)
	}
	r.timings[name]++
	return nil
}

func (r *recordingClient) Close() error { return nil }

func (r *recordingClient) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func serverSettings() *settings.Settings {
	return &settings.Settings{
		MaxChannelConnections: 3,
		ConnLifespan:          300,
		ClientTimeout:         30,
		Heartbeat:             5,
		DefaultLang:           "en",
	}
}

type fixture struct {
	ts       *httptest.Server
	rec      *recordingClient
	settings *settings.Settings
}

func newFixture(t *testing.T, s *settings.Settings, clock clockwork.Clock, rep *reputation.Client) *fixture {
	t.Helper()
	logger := testLogger()
	rec := &recordingClient{}
	sink := metrics.NewForClient(rec, logger)

	b := broker.New(s, sink, rep, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deriver := &meta.Deriver{
		Trusted:     meta.NewTrustedProxies(s.TrustedProxyEntries(), logger),
		DefaultLang: s.DefaultLang,
		Logger:      logger,
	}
	srv := server.NewServer(server.Options{
		Settings:   s,
		Broker:     b,
		Deriver:    deriver,
		Reputation: rep,
		Metrics:    sink,
		Clock:      clock,
		Logger:     logger,
		VersionDoc: versionDoc,
	})
	ts := httptest.NewServer(server.NewRouter(srv))
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, rec: rec, settings: s}
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	client, resp, err := websocket.DefaultDialer.Dial(f.wsURL(path), nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })
	return client
}

type welcome struct {
	Link      string `json:"link"`
	ChannelID string `json:"channelid"`
}

func readFrame(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(awaitTimeout)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	kind, payload, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("frame type = %d, want %d", kind, websocket.TextMessage)
	}
	return string(payload)
}

func readWelcome(t *testing.T, c *websocket.Conn) welcome {
	t.Helper()
	var w welcome
	frame := readFrame(t, c)
	if err := json.Unmarshal([]byte(frame), &w); err != nil {
		t.Fatalf("welcome frame %s: %v", frame, err)
	}
	if w.ChannelID == "" || w.Link != "/v1/ws/"+w.ChannelID {
		t.Fatalf("welcome frame = %s, want link matching channelid", frame)
	}
	return w
}

// readRefused asserts the server ends the socket without sending any frame.
func readRefused(t *testing.T, c *websocket.Conn) {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(awaitTimeout)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	if _, payload, err := c.ReadMessage(); err == nil {
		t.Fatalf("ReadMessage() = %s, want refused connection", payload)
	}
}

// readClosed drains the socket until the server ends it.
func readClosed(t *testing.T, c *websocket.Conn) {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(awaitTimeout)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func advanceUntil(t *testing.T, clock *clockwork.FakeClock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out advancing clock for %s", what)
		}
		clock.Advance(step)
		time.Sleep(10 * time.Millisecond)
	}
}

// TestCreatePairAndClose walks the primary flow: one side creates a channel,
// the other joins it from the welcome frame, text is relayed with sender
// metadata, and a client close ends the whole channel.
func TestCreatePairAndClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, serverSettings(), nil, nil)

	clientA := f.dial(t, "/v1/ws/")
	w := readWelcome(t, clientA)

	clientB := f.dial(t, w.Link)
	if got := readWelcome(t, clientB); got != w {
		t.Errorf("joiner welcome = %+v, want %+v", got, w)
	}

	if err := clientA.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	want := `{"message":"hello","sender":{"remote":"127.0.0.1"}}`
	if got := readFrame(t, clientB); got != want {
		t.Errorf("relayed frame = %s, want %s", got, want)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := clientA.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}
	readClosed(t, clientA)
	readClosed(t, clientB)

	if got := f.rec.count(metrics.ConnRequest + "|type:new"); got != 1 {
		t.Errorf("conn.request type:new = %d, want 1", got)
	}
	if got := f.rec.count(metrics.ConnRequest + "|type:existing"); got != 1 {
		t.Errorf("conn.request type:existing = %d, want 1", got)
	}
}

// TestJoinClassification checks how the join route sorts its channel ids: a
// blank id falls back to creating a channel, an undecodable id gets upgraded
// and then refused.
func TestJoinClassification(t *testing.T) {
	t.Parallel()

	t.Run("blank id creates", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, serverSettings(), nil, nil)
		client := f.dial(t, "/v1/ws/%20")
		readWelcome(t, client)
		if got := f.rec.count(metrics.ConnRequest + "|type:none"); got != 1 {
			t.Errorf("conn.request type:none = %d, want 1", got)
		}
	})

	t.Run("undecodable id refused", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, serverSettings(), nil, nil)
		client := f.dial(t, "/v1/ws/@@invalid@@")
		readRefused(t, client)
		if got := f.rec.count(metrics.ConnRequest + "|type:error"); got != 1 {
			t.Errorf("conn.request type:error = %d, want 1", got)
		}
	})
}

// TestUnknownChannelProbe joins a well-formed id nobody created: the socket
// is refused without a welcome frame, and the probe does not conjure the
// channel into existence for a second attempt.
func TestUnknownChannelProbe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, serverSettings(), nil, nil)
	probe := "/v1/ws/" + strings.Repeat("a", 22)

	readRefused(t, f.dial(t, probe))
	readRefused(t, f.dial(t, probe))

	if got := f.rec.count(metrics.ConnRequest + "|type:existing"); got != 2 {
		t.Errorf("conn.request type:existing = %d, want 2", got)
	}
	if got := f.rec.count(metrics.ConnCreate); got != 0 {
		t.Errorf("conn.create = %d, want 0", got)
	}
}

// TestByteQuotaClosesPair sends a message bigger than max_data allows: the
// peer never sees it and both sockets are closed.
func TestByteQuotaClosesPair(t *testing.T) {
	t.Parallel()

	s := serverSettings()
	s.MaxData = 50
	f := newFixture(t, s, nil, nil)

	clientA := f.dial(t, "/v1/ws/")
	w := readWelcome(t, clientA)
	clientB := f.dial(t, w.Link)
	readWelcome(t, clientB)

	payload := strings.Repeat("x", 60)
	if err := clientA.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	// The oversized message must not leak through before the close.
	if err := clientB.SetReadDeadline(time.Now().Add(awaitTimeout)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	for {
		kind, data, err := clientB.ReadMessage()
		if err != nil {
			break
		}
		if kind == websocket.TextMessage {
			t.Fatalf("peer received %s, want nothing before close", data)
		}
	}
	readClosed(t, clientA)

	if got := f.rec.count(metrics.ConnMaxData); got != 1 {
		t.Errorf("conn.max.data = %d, want 1", got)
	}
}

// TestChannelFullRejectsThirdParty fills a channel to max_channel_connections
// and then joins once more: the extra socket is refused without a welcome,
// and the paired clients keep relaying undisturbed.
func TestChannelFullRejectsThirdParty(t *testing.T) {
	t.Parallel()

	s := serverSettings()
	s.MaxChannelConnections = 2
	f := newFixture(t, s, nil, nil)

	clientA := f.dial(t, "/v1/ws/")
	w := readWelcome(t, clientA)
	clientB := f.dial(t, w.Link)
	readWelcome(t, clientB)

	intruder := f.dial(t, w.Link)
	readRefused(t, intruder)

	if err := clientA.WriteMessage(websocket.TextMessage, []byte("still here")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	want := `{"message":"still here","sender":{"remote":"127.0.0.1"}}`
	if got := readFrame(t, clientB); got != want {
		t.Errorf("relayed frame = %s, want %s", got, want)
	}

	if got := f.rec.count(metrics.ConnMaxConn); got != 1 {
		t.Errorf("conn.max.conn = %d, want 1", got)
	}
}

// TestIdleClientExpires lets a connected client sit silent past
// client_timeout and expects the server to expire the socket.
func TestIdleClientExpires(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	f := newFixture(t, serverSettings(), fake, nil)

	client := f.dial(t, "/v1/ws/")
	readWelcome(t, client)
	fake.BlockUntil(1)

	advanceUntil(t, fake, 5*time.Second, "idle expiry", func() bool {
		return f.rec.count(metrics.ConnExpired) == 1
	})
	readClosed(t, client)
}

// TestAbusiveRemoteRejected refuses the upgrade outright when the reputation
// server scores the client below the configured minimum.
func TestAbusiveRemoteRejected(t *testing.T) {
	t.Parallel()

	iprepd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"ip","ip":"127.0.0.1","reputation":5}`)
	}))
	t.Cleanup(iprepd.Close)

	rep := reputation.New(iprepd.URL, "channel_abuse", 50, testLogger())
	f := newFixture(t, serverSettings(), nil, rep)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/v1/ws/"), nil)
	if err == nil {
		conn.Close()
		t.Fatal("Dial() succeeded, want handshake refusal")
	}
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want %v", err, websocket.ErrBadHandshake)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake status = %v, want %d", resp, http.StatusForbidden)
	}
	resp.Body.Close()
}

// TestHealthEndpoints covers the operational routes.
func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, serverSettings(), nil, nil)

	t.Run("heartbeat", func(t *testing.T) {
		t.Parallel()
		resp, err := http.Get(f.ts.URL + "/__heartbeat__")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if body.Status != "ok" || body.Version != "1.4.2" {
			t.Errorf("heartbeat = %+v, want status ok version 1.4.2", body)
		}
	})

	t.Run("lbheartbeat", func(t *testing.T) {
		t.Parallel()
		resp, err := http.Get(f.ts.URL + "/__lbheartbeat__")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
			t.Errorf("body = %q, want empty", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		t.Parallel()
		resp, err := http.Get(f.ts.URL + "/__version__")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if string(body) != string(versionDoc) {
			t.Errorf("body = %s, want %s", body, versionDoc)
		}
	})

	t.Run("root is 404", func(t *testing.T) {
		t.Parallel()
		resp, err := http.Get(f.ts.URL + "/")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("plain GET on ws route", func(t *testing.T) {
		t.Parallel()
		resp, err := http.Get(f.ts.URL + "/v1/ws/")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})
}
