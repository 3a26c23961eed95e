package domain

import "time"

// GeoInfo is the cached geolocation for an address.
//
// A populated FetchedAt with empty Country/Org is a definitive negative:
// the lookup ran and found nothing, and must not be retried on every poll.
type GeoInfo struct {
	Country     string    `json:"country,omitempty"`
	CountryCode string    `json:"country_code,omitempty"`
	City        string    `json:"city,omitempty"`
	Org         string    `json:"org,omitempty"`
	ASN         uint      `json:"asn,omitempty"`
	Local       bool      `json:"local,omitempty"` // private/loopback/whitelisted, never looked up
	FetchedAt   time.Time `json:"fetched_at"`
}

// Unknown reports whether the lookup yielded no usable location.
func (g GeoInfo) Unknown() bool {
	return !g.Local && g.Country == "" && g.Org == ""
}
