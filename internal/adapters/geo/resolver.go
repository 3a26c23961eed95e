// Package geo provides address geolocation for attacker records: a MaxMind
// mmdb resolver behind a persistent bbolt-backed cache that negative-caches
// failed lookups so the ingestion pipeline never retries them every poll.
package geo

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
)

// MaxMindResolver answers lookups from local GeoLite2 databases. Either
// database may be absent; whatever is present contributes its fields.
type MaxMindResolver struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// NewMaxMindResolver opens the City and ASN databases. Empty paths are
// skipped; at least one database must open.
func NewMaxMindResolver(cityPath, asnPath string) (*MaxMindResolver, error) {
	r := &MaxMindResolver{}

	if cityPath != "" {
		city, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("geo: open city db %s: %w", cityPath, err)
		}
		r.city = city
	}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			if r.city != nil {
				r.city.Close()
			}
			return nil, fmt.Errorf("geo: open asn db %s: %w", asnPath, err)
		}
		r.asn = asn
	}
	if r.city == nil && r.asn == nil {
		return nil, fmt.Errorf("geo: no geolocation database configured")
	}
	return r, nil
}

// Lookup resolves addr against the open databases. A miss in every
// database returns (nil, nil): a definitive unknown, not an error.
func (r *MaxMindResolver) Lookup(ctx context.Context, addr netip.Addr) (*domain.GeoInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ip := net.IP(addr.AsSlice())
	info := domain.GeoInfo{}
	found := false

	if r.city != nil {
		rec, err := r.city.City(ip)
		if err != nil {
			return nil, fmt.Errorf("geo: city lookup %s: %w", addr, err)
		}
		if rec.Country.IsoCode != "" {
			info.Country = rec.Country.Names["en"]
			info.CountryCode = rec.Country.IsoCode
			info.City = rec.City.Names["en"]
			found = true
		}
	}
	if r.asn != nil {
		rec, err := r.asn.ASN(ip)
		if err != nil {
			return nil, fmt.Errorf("geo: asn lookup %s: %w", addr, err)
		}
		if rec.AutonomousSystemNumber != 0 {
			info.Org = rec.AutonomousSystemOrganization
			info.ASN = rec.AutonomousSystemNumber
			found = true
		}
	}

	if !found {
		log.Debug().Str("addr", addr.String()).Msg("address not in geolocation databases")
		return nil, nil
	}
	return &info, nil
}

// Close releases the database readers.
func (r *MaxMindResolver) Close() error {
	if r.city != nil {
		r.city.Close()
	}
	if r.asn != nil {
		r.asn.Close()
	}
	return nil
}
