// Package reputation asks an iprepd service whether a client address has a
// history of abuse, and files violation reports when a session trips its
// relay quotas. Lookups fail open: when the service is unreachable or
// misbehaving the connection proceeds.
package reputation

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// requestTimeout bounds every reputation round trip so a slow service cannot
// hold up connection handling.
const requestTimeout = 3 * time.Second

type reputationRecord struct {
	Reputation int `json:"reputation"`
}

type violationReport struct {
	IP        string `json:"ip"`
	Violation string `json:"violation"`
}

// Client talks to a single iprepd server. The zero configuration (empty
// server) yields a disabled client whose methods return immediately.
type Client struct {
	http      *resty.Client
	base      string
	minScore  int
	violation string
	logger    *slog.Logger
}

// New builds a client for the given server, which may be a bare host
// (https is assumed) or a full URL. An empty server disables the client.
func New(server, violation string, minScore int, logger *slog.Logger) *Client {
	base := server
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &Client{
		http:      resty.New().SetTimeout(requestTimeout),
		base:      strings.TrimSuffix(base, "/"),
		minScore:  minScore,
		violation: violation,
		logger:    logger,
	}
}

// Abusive reports whether ip's reputation falls below the configured
// minimum. Missing records, service errors, and timeouts all count as not
// abusive.
func (c *Client) Abusive(ctx context.Context, ip string) bool {
	if c.base == "" || ip == "" {
		return false
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&reputationRecord{}).
		Get(c.base + "/" + ip)
	if err != nil {
		c.logger.Warn("reputation: lookup failed", "ip", ip, "error", err)
		return false
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false
	}
	if !resp.IsSuccess() {
		c.logger.Warn("reputation: lookup rejected", "ip", ip, "status", resp.StatusCode())
		return false
	}

	record, ok := resp.Result().(*reputationRecord)
	if !ok {
		return false
	}
	if record.Reputation < c.minScore {
		c.logger.Info("reputation: refusing abusive client",
			"ip", ip, "reputation", record.Reputation, "min", c.minScore)
		return true
	}
	return false
}

// ReportViolation files the configured violation against ip. Failures are
// logged and dropped.
func (c *Client) ReportViolation(ctx context.Context, ip string) {
	if c.base == "" || ip == "" {
		return
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(violationReport{IP: ip, Violation: c.violation}).
		Put(c.base + "/violations/" + ip)
	if err != nil {
		c.logger.Warn("reputation: violation report failed", "ip", ip, "error", err)
		return
	}
	if !resp.IsSuccess() {
		c.logger.Warn("reputation: violation report rejected",
			"ip", ip, "status", resp.StatusCode())
	}
}
