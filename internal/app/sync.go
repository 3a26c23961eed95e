package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
	"github.com/vigilsec/banwatch/internal/ports"
	"github.com/vigilsec/banwatch/internal/store"
)

// Reconciler merges the live daemon's ban list into the store. The log
// stream is authoritative: sync only adds bans the logs have not reported
// yet and closes open entries whose ban has silently expired. It never
// rewrites LOG-origin history.
type Reconciler struct {
	store   *store.Store
	manager ports.BanManager
	params  func() map[string]domain.JailParams
	metrics *domain.EngineMetrics
	now     func() time.Time
}

func NewReconciler(s *store.Store, manager ports.BanManager, params func() map[string]domain.JailParams, metrics *domain.EngineMetrics) *Reconciler {
	return &Reconciler{
		store:   s,
		manager: manager,
		params:  params,
		metrics: metrics,
		now:     time.Now,
	}
}

type banKey struct {
	addr string
	jail string
}

// Sync fetches the live snapshot and applies corrective events. It returns
// the number of corrections written to the store.
func (r *Reconciler) Sync(ctx context.Context) (int, error) {
	snapshot, err := r.manager.ActiveBans(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: live snapshot: %w", err)
	}

	now := r.now()
	live := make(map[banKey]domain.ActiveBan, len(snapshot))
	for _, b := range snapshot {
		live[banKey{b.Addr.String(), b.Jail}] = b
	}

	open := make(map[banKey]domain.ActiveBan)
	for _, b := range r.store.OpenBans() {
		open[banKey{b.Addr.String(), b.Jail}] = b
	}

	var corrections []domain.BanEvent

	// live bans the log stream has not reported yet
	for key, b := range live {
		if _, ok := open[key]; ok {
			continue
		}
		banTime := b.BanTime
		timed := !banTime.IsZero()
		if !timed {
			banTime = now
		}
		// a LOG-origin unban at or after the daemon's ban time means the
		// log history already closed this ban; the snapshot is stale and
		// log history wins. A snapshot without ban times cannot prove its
		// entry postdates the unban, so any LOG unban suppresses it.
		if unbanAt, ok := r.store.LastLogUnban(b.Addr, b.Jail); ok && (!timed || !unbanAt.Before(banTime)) {
			if r.metrics != nil {
				r.metrics.IncSyncConflicts()
			}
			log.Warn().
				Str("addr", b.Addr.String()).
				Str("jail", b.Jail).
				Time("log_unban", unbanAt).
				Time("live_ban", banTime).
				Msg("live snapshot disagrees with log history, keeping log unban")
			continue
		}
		corrections = append(corrections, domain.BanEvent{
			Timestamp: banTime,
			Addr:      b.Addr,
			Jail:      b.Jail,
			Action:    domain.ActionBan,
			Origin:    domain.OriginSync,
		})
	}

	// open store entries no longer banned live: treat as unban-by-expiry
	for key, b := range open {
		if _, ok := live[key]; ok {
			continue
		}
		corrections = append(corrections, domain.BanEvent{
			Timestamp: now,
			Addr:      b.Addr,
			Jail:      b.Jail,
			Action:    domain.ActionUnban,
			Origin:    domain.OriginSync,
		})
	}

	if len(corrections) == 0 {
		return 0, nil
	}

	applied, err := r.store.Append(corrections, r.params())
	if err != nil {
		return applied, fmt.Errorf("sync: apply corrections: %w", err)
	}
	if r.metrics != nil {
		r.metrics.AddSyncCorrections(applied)
		r.metrics.MarkSync(now)
	}
	log.Info().
		Int("corrections", applied).
		Int("live_bans", len(snapshot)).
		Msg("reconciliation pass complete")
	return applied, nil
}
