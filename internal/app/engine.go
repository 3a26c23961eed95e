package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vigilsec/banwatch/internal/adapters/input"
	"github.com/vigilsec/banwatch/internal/domain"
	"github.com/vigilsec/banwatch/internal/ports"
	"github.com/vigilsec/banwatch/internal/store"
)

// Engine runs the background surveillance tasks: the log polling loop
// (tracker, parser, store append) and the reconciliation loop. Both write
// through the store's serialized append path, so their interleaving is
// safe by construction. Rendering and other consumers read through the
// Facade and never block ingestion.
type Engine struct {
	cfg     Config
	store   *store.Store
	tracker *input.PositionTracker
	parser  *input.EventParser
	jails   ports.JailParamsSource
	rec     *Reconciler
	metrics *domain.EngineMetrics

	paramsMu sync.RWMutex
	params   map[string]domain.JailParams

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewEngine assembles the engine. The reconciler is created against the
// engine's cached jail parameters.
func NewEngine(cfg Config, s *store.Store, tracker *input.PositionTracker, parser *input.EventParser, jails ports.JailParamsSource, manager ports.BanManager, metrics *domain.EngineMetrics) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   s,
		tracker: tracker,
		parser:  parser,
		jails:   jails,
		metrics: metrics,
		params:  make(map[string]domain.JailParams),
	}
	e.rec = NewReconciler(s, manager, e.Params, metrics)
	return e
}

// Params returns a copy of the cached per-jail parameters.
func (e *Engine) Params() map[string]domain.JailParams {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	out := make(map[string]domain.JailParams, len(e.params))
	for k, v := range e.params {
		out[k] = v
	}
	return out
}

// Run starts the background loops and blocks until ctx is cancelled or a
// loop fails fatally. On shutdown the current commit is allowed to finish
// and both the store and tracker state are flushed.
func (e *Engine) Run(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()

	e.refreshJailParams(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.pollLoop(ctx) })
	g.Go(func() error { return e.syncLoop(ctx) })

	log.Info().
		Str("pattern", e.cfg.LogPattern).
		Dur("poll_interval", e.cfg.PollInterval).
		Dur("sync_interval", e.cfg.SyncInterval).
		Msg("surveillance engine started")

	err := g.Wait()

	if ferr := e.store.Flush(); ferr != nil {
		log.Error().Err(ferr).Msg("final store flush failed")
	}
	if serr := e.tracker.Save(); serr != nil {
		log.Error().Err(serr).Msg("final tracker save failed")
	}
	log.Info().Msg("surveillance engine stopped")

	if err == context.Canceled {
		return nil
	}
	return err
}

// Stop cancels the background loops.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
}

// SetThresholds forwards hot-reloaded classifier thresholds to the store.
func (e *Engine) SetThresholds(th domain.ClassifierThresholds) {
	e.store.SetThresholds(th)
	if err := e.store.Reclassify(e.Params()); err != nil {
		log.Error().Err(err).Msg("reclassification after threshold reload failed")
	}
}

func (e *Engine) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

// pollOnce reads new lines from every source, merge-sorts the parsed
// events by timestamp across jails, and appends them in one batch.
func (e *Engine) pollOnce(ctx context.Context) {
	sources, err := input.ExpandSources(e.cfg.LogPattern)
	if err != nil {
		log.Warn().Err(err).Msg("source expansion failed")
		return
	}
	if len(sources) == 0 {
		log.Debug().Str("pattern", e.cfg.LogPattern).Msg("no log sources found")
		return
	}

	var events []domain.BanEvent
	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		lines, err := e.tracker.Poll(src)
		if err != nil {
			// unreadable source: skipped this round, retried next poll
			log.Warn().Err(err).Str("file", src).Msg("log source unreadable, will retry")
			continue
		}
		if len(lines) == 0 {
			continue
		}
		e.metrics.AddLinesRead(len(lines))
		parsed := e.parser.Parse(lines)
		e.metrics.AddEventsParsed(len(parsed))
		events = append(events, parsed...)
	}

	if len(events) > 0 {
		domain.SortEventsByTime(events)
		applied, err := e.store.Append(events, e.Params())
		if err != nil {
			log.Error().Err(err).Msg("append failed, rewinding cursors to last saved state")
			if rerr := e.tracker.Reset(); rerr != nil {
				log.Error().Err(rerr).Msg("cursor rewind failed, batch replays after restart")
			}
			return
		}
		e.metrics.AddEventsApplied(applied)
		log.Debug().Int("events", len(events)).Int("applied", applied).Msg("poll batch committed")
	}

	// cursors persist only after the batch committed, so a crash in
	// between replays the batch instead of losing it
	if err := e.tracker.Save(); err != nil {
		log.Warn().Err(err).Msg("tracker state save failed")
	}
	e.metrics.MarkPoll(time.Now())
}

func (e *Engine) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.refreshJailParams(ctx)
			if _, err := e.rec.Sync(ctx); err != nil {
				// reconciliation is best-effort; the daemon may be down
				log.Warn().Err(err).Msg("reconciliation pass failed, will retry")
			}
		}
	}
}

// refreshJailParams re-reads per-jail findtime/bantime from the daemon.
func (e *Engine) refreshJailParams(ctx context.Context) {
	jails, err := e.jails.Jails(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("jail enumeration failed, keeping cached parameters")
		return
	}
	fresh := make(map[string]domain.JailParams, len(jails))
	for _, jail := range jails {
		params, err := e.jails.Params(ctx, jail)
		if err != nil {
			params = domain.DefaultJailParams(jail)
		}
		fresh[jail] = params
	}
	e.paramsMu.Lock()
	e.params = fresh
	e.paramsMu.Unlock()
}
