// Package geoip resolves participant IPs to a country code for rating
// enrichment.
package geoip

import (
	"log/slog"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

type Reader struct {
	db *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Open loads a MaxMind country database. An empty path disables lookups
// rather than failing; an unreadable database is likewise downgraded to a
// disabled reader so a bad deployment never blocks the survey.
func Open(path string) *Reader {
	if path == "" {
		return &Reader{}
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		slog.Warn("geoip: database unavailable, country lookups disabled", "path", path, "error", err)
		return &Reader{}
	}
	slog.Info("geoip: database loaded", "path", path)
	return &Reader{db: db}
}

// Country returns the ISO country code for ip, or "" when disabled or
// unresolvable.
func (r *Reader) Country(ipStr string) string {
	if r == nil || r.db == nil || ipStr == "" {
		return ""
	}
	// The address may carry a port when taken from RemoteAddr.
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		ipStr = host
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	var rec countryRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

func (r *Reader) Close() error {
	if r != nil && r.db != nil {
		return r.db.Close()
	}
	return nil
}
