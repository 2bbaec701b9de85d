// Package settings loads the runtime configuration by merging three layers
// in order: compiled-in defaults, an optional config/<RUN_MODE> file, and
// PAIR_-prefixed environment variables. The merged record is validated once
// at startup and treated as immutable afterwards.
package settings

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix is the prefix for environment overrides (PAIR_PORT, ...).
const envPrefix = "pair"

// defaultStatsdPort is assumed when statsd_host carries no port.
const defaultStatsdPort = 8529

// Settings is the resolved configuration record.
type Settings struct {
	// Hostname and Port form the bind address. Defaults: "0.0.0.0", 8000.
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`

	// MaxChannelConnections caps simultaneous members per channel. Default 3.
	MaxChannelConnections int `mapstructure:"max_channel_connections"`

	// ConnLifespan is the total wall-clock lifespan of a session in seconds.
	// Default 300.
	ConnLifespan int `mapstructure:"conn_lifespan"`

	// ClientTimeout is the idle deadline in seconds: a session that produces
	// no ping, pong, or text within it is expired. Default 30.
	ClientTimeout int `mapstructure:"client_timeout"`

	// Heartbeat is the server ping interval in seconds. Default 5.
	Heartbeat int `mapstructure:"heartbeat"`

	// MaxExchanges caps messages relayed to a single session; 0 disables.
	// Default 3.
	MaxExchanges int `mapstructure:"max_exchanges"`

	// MaxData caps both a single relayed message and a session's cumulative
	// relayed bytes; 0 disables. Default 0.
	MaxData int64 `mapstructure:"max_data"`

	// MMDBLoc is the path to the MaxMind City database. The server refuses
	// to start when the file cannot be opened.
	MMDBLoc string `mapstructure:"mmdb_loc"`

	// StatsdHost is the metrics destination as "host" or "host:port"; empty
	// disables emission entirely.
	StatsdHost string `mapstructure:"statsd_host"`

	// MetricName is the statsd namespace prefix. Default "channelserver".
	MetricName string `mapstructure:"metric_name"`

	// TrustedProxyList is a CSV of CIDR prefixes or bare IPs that may speak
	// for clients via X-Forwarded-For, in addition to RFC1918 space.
	TrustedProxyList string `mapstructure:"trusted_proxy_list"`

	// HumanLogs switches from JSON log records to a readable text form.
	HumanLogs bool `mapstructure:"human_logs"`

	// DefaultLang is the final fallback for Accept-Language matching.
	// Default "en".
	DefaultLang string `mapstructure:"default_lang"`

	// IPReputationServer is the iprepd host consulted before accepting a
	// connection and notified on quota violations; empty disables both.
	IPReputationServer string `mapstructure:"ip_reputation_server"`

	// IPRepMin is the minimum reputation score (0-100) accepted when the
	// reputation server is configured. Default 50.
	IPRepMin int `mapstructure:"iprep_min"`

	// IPViolation is the violation name reported to the reputation server.
	// Default "channel_abuse".
	IPViolation string `mapstructure:"ip_violation"`
}

// defaults holds the compiled-in bottom layer. Every recognized option must
// appear here so environment overrides bind even without a config file.
var defaults = map[string]any{
	"hostname":                "0.0.0.0",
	"port":                    8000,
	"max_channel_connections": 3,
	"conn_lifespan":           300,
	"client_timeout":          30,
	"heartbeat":               5,
	"max_exchanges":           3,
	"max_data":                0,
	"mmdb_loc":                "GeoLite2-City.mmdb",
	"statsd_host":             "",
	"metric_name":             "channelserver",
	"trusted_proxy_list":      "",
	"human_logs":              false,
	"default_lang":            "en",
	"ip_reputation_server":    "",
	"iprep_min":               50,
	"ip_violation":            "channel_abuse",
}

// Load merges defaults, the optional config/<RUN_MODE> file under configDir,
// and PAIR_* environment variables, then validates the result. RUN_MODE
// defaults to "development"; a missing overlay file is not an error.
func Load(configDir string) (*Settings, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	runMode := os.Getenv("RUN_MODE")
	if runMode == "" {
		runMode = "development"
	}
	v.SetConfigName(runMode)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("settings: cannot read %s/%s: %w", configDir, runMode, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("settings: cannot parse configuration: %w", err)
	}
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("settings: validation failed: %w", err)
	}
	return &s, nil
}

// validate checks ranges on every option and reports all faults at once.
func validate(s *Settings) error {
	var errs []error

	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d must be in 1..65535", s.Port))
	}
	if s.MaxChannelConnections < 1 {
		errs = append(errs, fmt.Errorf("max_channel_connections %d must be at least 1", s.MaxChannelConnections))
	}
	if s.ConnLifespan < 1 {
		errs = append(errs, fmt.Errorf("conn_lifespan %d must be at least 1 second", s.ConnLifespan))
	}
	if s.ClientTimeout < 1 {
		errs = append(errs, fmt.Errorf("client_timeout %d must be at least 1 second", s.ClientTimeout))
	}
	if s.Heartbeat < 1 {
		errs = append(errs, fmt.Errorf("heartbeat %d must be at least 1 second", s.Heartbeat))
	}
	if s.MaxExchanges < 0 {
		errs = append(errs, fmt.Errorf("max_exchanges %d must not be negative", s.MaxExchanges))
	}
	if s.MaxData < 0 {
		errs = append(errs, fmt.Errorf("max_data %d must not be negative", s.MaxData))
	}
	if s.DefaultLang == "" {
		errs = append(errs, errors.New("default_lang is required"))
	}
	if s.IPRepMin < 0 || s.IPRepMin > 100 {
		errs = append(errs, fmt.Errorf("iprep_min %d must be in 0..100", s.IPRepMin))
	}

	return errors.Join(errs...)
}

// Addr returns the bind address as "host:port".
func (s *Settings) Addr() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.Port))
}

// Lifespan returns conn_lifespan as a duration.
func (s *Settings) Lifespan() time.Duration {
	return time.Duration(s.ConnLifespan) * time.Second
}

// IdleTimeout returns client_timeout as a duration.
func (s *Settings) IdleTimeout() time.Duration {
	return time.Duration(s.ClientTimeout) * time.Second
}

// HeartbeatInterval returns heartbeat as a duration.
func (s *Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.Heartbeat) * time.Second
}

// TrustedProxyEntries splits the trusted_proxy_list CSV into trimmed,
// non-empty entries.
func (s *Settings) TrustedProxyEntries() []string {
	var entries []string
	for _, entry := range strings.Split(s.TrustedProxyList, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

// StatsdAddr resolves statsd_host to a dialable "host:port", applying the
// default port when none is given (an unparsable port also falls back to the
// default). ok is false when metrics are disabled.
func (s *Settings) StatsdAddr() (addr string, ok bool) {
	if s.StatsdHost == "" {
		return "", false
	}
	host, portStr, found := strings.Cut(s.StatsdHost, ":")
	port := defaultStatsdPort
	if found {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 && p < 65536 {
			port = p
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}
