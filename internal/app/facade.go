package app

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
	"github.com/vigilsec/banwatch/internal/ports"
	"github.com/vigilsec/banwatch/internal/store"
)

// GeoSource is the caching geolocation collaborator the facade enriches
// records through. Resolve never blocks ingestion and returns nil for
// unknown addresses.
type GeoSource interface {
	Resolve(ctx context.Context, addr netip.Addr) *domain.GeoInfo
}

// Facade is the read/command surface consumed by the UI and other
// collectors. Reads serve committed store snapshots enriched with
// geolocation; commands go through the live ban manager and are recorded
// back into the store.
type Facade struct {
	store   *store.Store
	manager ports.BanManager
	geo     GeoSource
	params  func() map[string]domain.JailParams
	now     func() time.Time
}

func NewFacade(s *store.Store, manager ports.BanManager, geo GeoSource, params func() map[string]domain.JailParams) *Facade {
	return &Facade{
		store:   s,
		manager: manager,
		geo:     geo,
		params:  params,
		now:     time.Now,
	}
}

// ActiveBans returns the addresses with at least one open ban, most
// recently seen first.
func (f *Facade) ActiveBans(ctx context.Context) []*domain.AttackerRecord {
	recs := f.store.Query(store.QueryFilter{BannedOnly: true})
	f.enrich(ctx, recs)
	return recs
}

// History returns up to limit records ordered by last activity.
func (f *Facade) History(ctx context.Context, limit int) []*domain.AttackerRecord {
	recs := f.store.Query(store.QueryFilter{Limit: limit})
	f.enrich(ctx, recs)
	return recs
}

// Threats returns the addresses currently classified as slow brute-force
// actors (THREAT, EVADING or CAUGHT), most dangerous first.
func (f *Facade) Threats(ctx context.Context) []*domain.AttackerRecord {
	recs := f.store.Query(store.QueryFilter{
		Classifications: []domain.Classification{
			domain.ClassThreat,
			domain.ClassEvading,
			domain.ClassCaught,
		},
		SortByDanger: true,
	})
	f.enrich(ctx, recs)
	return recs
}

// Attacker returns the full record for one address.
func (f *Facade) Attacker(ctx context.Context, addr netip.Addr) (*domain.AttackerRecord, bool) {
	rec, ok := f.store.Get(addr)
	if !ok {
		return nil, false
	}
	f.enrich(ctx, []*domain.AttackerRecord{rec})
	return rec, true
}

// Stats returns the store's aggregate counters.
func (f *Facade) Stats() store.Stats {
	return f.store.Stats()
}

// BanAddress bans addr in jail through the live daemon and records the
// command into the store. The eventual log line for the same ban is
// absorbed by the store's duplicate handling.
func (f *Facade) BanAddress(ctx context.Context, addr netip.Addr, jail string) error {
	if f.store.IsWhitelisted(addr) {
		return fmt.Errorf("facade: %s is whitelisted", addr)
	}
	if err := f.manager.Ban(ctx, addr, jail); err != nil {
		return fmt.Errorf("facade: ban %s in %s: %w", addr, jail, err)
	}
	_, err := f.store.Append([]domain.BanEvent{{
		Timestamp: f.now(),
		Addr:      addr,
		Jail:      jail,
		Action:    domain.ActionBan,
		Origin:    domain.OriginLog,
	}}, f.params())
	return err
}

// UnbanAddress lifts addr's bans in every jail and closes the matching
// open history entries.
func (f *Facade) UnbanAddress(ctx context.Context, addr netip.Addr) error {
	if err := f.manager.Unban(ctx, addr, ""); err != nil {
		return fmt.Errorf("facade: unban %s: %w", addr, err)
	}

	rec, ok := f.store.Get(addr)
	if !ok {
		return nil
	}
	var events []domain.BanEvent
	now := f.now()
	for i := range rec.BanHistory {
		if rec.BanHistory[i].Open() {
			events = append(events, domain.BanEvent{
				Timestamp: now,
				Addr:      addr,
				Jail:      rec.BanHistory[i].Jail,
				Action:    domain.ActionUnban,
				Origin:    domain.OriginLog,
			})
		}
	}
	if len(events) == 0 {
		return nil
	}
	_, err := f.store.Append(events, f.params())
	return err
}

// AddToWhitelist marks addr as operator-trusted. Whitelisted addresses are
// excluded from geolocation lookups and from facade ban commands; any
// active ban is lifted.
func (f *Facade) AddToWhitelist(ctx context.Context, addr netip.Addr, reason string) error {
	if err := f.store.AddWhitelist(addr, reason, "operator"); err != nil {
		return err
	}
	if rec, ok := f.store.Get(addr); ok && rec.Banned() {
		if err := f.UnbanAddress(ctx, addr); err != nil {
			log.Warn().Err(err).Str("addr", addr.String()).Msg("whitelisted address could not be unbanned")
		}
	}
	return nil
}

// enrich fills in geolocation for records that don't carry it yet and
// persists the result so the lookup happens once per address.
func (f *Facade) enrich(ctx context.Context, recs []*domain.AttackerRecord) {
	if f.geo == nil {
		return
	}
	for _, rec := range recs {
		if rec.Geo != nil {
			continue
		}
		if info := f.geo.Resolve(ctx, rec.Addr); info != nil {
			rec.Geo = info
			f.store.SetGeo(rec.Addr, info)
		}
	}
}
