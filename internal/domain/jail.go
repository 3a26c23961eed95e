package domain

import (
	"net/netip"
	"time"
)

// JailParams are the detection parameters of one jail, supplied by the
// jail parameters collaborator (read-only input to classification).
type JailParams struct {
	Name     string
	Findtime time.Duration // window within which failures count toward a ban
	Bantime  time.Duration // how long a ban stays active
	MaxRetry int
}

// DefaultJailParams mirrors the fail2ban defaults used when a jail's
// configuration cannot be queried.
func DefaultJailParams(name string) JailParams {
	return JailParams{
		Name:     name,
		Findtime: 10 * time.Minute,
		Bantime:  10 * time.Minute,
		MaxRetry: 5,
	}
}

// ActiveBan is one entry of the live daemon's ban list. It is transient
// reconciliation input, never persisted.
type ActiveBan struct {
	Addr      netip.Addr
	Jail      string
	BanTime   time.Time
	Remaining time.Duration
}
