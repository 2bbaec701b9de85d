package meta

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
)

// DB wraps a MaxMind City database. The underlying reader is immutable and
// safe for concurrent lookups; open it once at startup and share it.
type DB struct {
	reader *geoip2.Reader
	logger *slog.Logger
}

// OpenDB opens the City database at path. A missing or structurally invalid
// file is returned as an error; callers treat it as fatal since every later
// lookup would fail the same way.
func OpenDB(path string, logger *slog.Logger) (*DB, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("meta: open geoip database %q: %w", path, err)
	}
	return &DB{reader: reader, logger: logger}, nil
}

// Close releases the database mapping.
func (d *DB) Close() error {
	return d.reader.Close()
}

// Locate resolves addr to localized city, region (first subdivision), and
// country names, picking each name by the caller's language preferences.
// Lookups are best-effort: on any failure the corresponding values are empty
// and the failure is only logged.
func (d *DB) Locate(addr netip.Addr, langs []string) (city, region, country string) {
	record, err := d.reader.City(net.IP(addr.AsSlice()))
	if err != nil {
		var invalid maxminddb.InvalidDatabaseError
		if errors.As(err, &invalid) {
			d.logger.Error("geoip database is corrupt", slog.Any("err", err))
		} else {
			d.logger.Warn("geoip lookup failed", slog.String("ip", addr.String()), slog.Any("err", err))
		}
		return "", "", ""
	}

	city = PreferredElement(langs, record.City.Names)
	country = PreferredElement(langs, record.Country.Names)
	if len(record.Subdivisions) > 0 {
		region = PreferredElement(langs, record.Subdivisions[0].Names)
	}

	if city == "" && region == "" && country == "" {
		d.logger.Debug("no geoip record for address", slog.String("ip", addr.String()))
	}
	return city, region, country
}
