// Package ports defines the interfaces between the surveillance core and
// its external collaborators (ports and adapters pattern, as in the rest
// of the internal tree): the live ban daemon, the jail configuration
// source, and the geolocation backend. Implementations live under
// internal/adapters/.
package ports

import (
	"context"
	"net/netip"

	"github.com/vigilsec/banwatch/internal/domain"
)

// BanManager is the live ban daemon collaborator. ActiveBans feeds
// reconciliation; Ban/Unban are invoked through the query facade and each
// successful command is also recorded into the store.
//
// Implementations must be safe for concurrent use.
type BanManager interface {
	// ActiveBans returns the daemon's current ban list across all jails.
	ActiveBans(ctx context.Context) ([]domain.ActiveBan, error)

	// Ban asks the daemon to ban addr in jail.
	Ban(ctx context.Context, addr netip.Addr, jail string) error

	// Unban asks the daemon to lift addr's bans. An empty jail means all
	// jails.
	Unban(ctx context.Context, addr netip.Addr, jail string) error
}

// JailParamsSource supplies per-jail findtime/bantime used by the
// classifier. Read-only input.
type JailParamsSource interface {
	// Jails lists the active jail names.
	Jails(ctx context.Context) ([]string, error)

	// Params returns the configuration of one jail. Implementations fall
	// back to domain.DefaultJailParams when the daemon cannot be queried.
	Params(ctx context.Context, jail string) (domain.JailParams, error)
}

// GeoResolver performs a single geolocation lookup. The GeoCache in front
// of it handles caching, dedup and negative results; resolvers only answer
// one address at a time.
type GeoResolver interface {
	// Lookup resolves addr. A nil GeoInfo with nil error means the
	// resolver definitively knows nothing about the address.
	Lookup(ctx context.Context, addr netip.Addr) (*domain.GeoInfo, error)
}
