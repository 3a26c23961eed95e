// Package store implements the versioned, thread-safe persistent repository
// of per-address attack history. One logical writer at a time; readers see
// only fully committed state. Every commit rewrites the backing JSON
// document through a temp-file-then-rename step so a crash mid-write never
// corrupts the previous committed state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
)

// SchemaVersion is the current persisted document version. Older known
// versions are migrated forward on load; newer versions are rejected.
const SchemaVersion = 2

// ErrSchemaTooNew is returned when the persisted document was written by a
// newer release. The file is left untouched.
var ErrSchemaTooNew = errors.New("store: persisted schema version newer than supported")

// dedupTolerance is how close two ban timestamps must be to count as the
// same event reported by two sources.
const dedupTolerance = 5 * time.Second

// saveRetries bounds retry attempts for a failed atomic commit.
const saveRetries = 3

// ListEntry is one whitelist/blacklist row.
type ListEntry struct {
	Addr    netip.Addr `json:"addr"`
	Added   time.Time  `json:"added"`
	Reason  string     `json:"reason,omitempty"`
	AddedBy string     `json:"added_by,omitempty"`
}

// Stats is the aggregate block of the persisted document.
type Stats struct {
	TotalAddrs    int    `json:"total_addrs"`
	TotalAttempts int    `json:"total_attempts"`
	TotalBans     int    `json:"total_bans"`
	ActiveBans    int    `json:"active_bans"`
	Threats       int    `json:"threats"`
	Evading       int    `json:"evading"`
	TopCountry    string `json:"top_country,omitempty"`
	TopOrg        string `json:"top_org,omitempty"`
}

// document is the on-disk shape of the store.
type document struct {
	Version     int                               `json:"version"`
	CreatedAt   time.Time                         `json:"created_at"`
	LastUpdated time.Time                         `json:"last_updated"`
	Stats       Stats                             `json:"stats"`
	Whitelist   []ListEntry                       `json:"whitelist"`
	Blacklist   []ListEntry                       `json:"blacklist"`
	Attackers   map[string]*domain.AttackerRecord `json:"attackers"`
}

// Store is the attacks repository. All mutation goes through the single
// serialized write path guarded by mu; read methods hand out deep copies.
type Store struct {
	mu    sync.RWMutex
	path  string
	doc   document
	dirty bool

	thresholds domain.ClassifierThresholds
	now        func() time.Time
	metrics    *domain.EngineMetrics
}

// Options configure Open.
type Options struct {
	Thresholds domain.ClassifierThresholds

	// Metrics, when set, receives duplicate/orphan/commit counts.
	Metrics *domain.EngineMetrics

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Open loads the store at path, migrating older schema versions forward.
// A missing file starts an empty store. A document stamped with a version
// newer than SchemaVersion fails with ErrSchemaTooNew and the file is not
// modified.
func Open(path string, opts Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Thresholds == (domain.ClassifierThresholds{}) {
		opts.Thresholds = domain.DefaultThresholds()
	}

	s := &Store{
		path:       path,
		thresholds: opts.Thresholds,
		now:        opts.Now,
		metrics:    opts.Metrics,
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("creating new attacks store")
		s.doc = emptyDocument(s.now())
		s.dirty = true
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	s.doc = doc

	for _, r := range s.doc.Attackers {
		r.RecomputeCounters()
	}

	log.Info().
		Str("path", path).
		Int("attackers", len(s.doc.Attackers)).
		Int("version", s.doc.Version).
		Msg("attacks store loaded")
	return s, nil
}

func emptyDocument(now time.Time) document {
	return document{
		Version:   SchemaVersion,
		CreatedAt: now,
		Attackers: make(map[string]*domain.AttackerRecord),
	}
}

// SetThresholds swaps the classifier thresholds (config hot-reload) and
// reclassifies on the next append or Reclassify call.
func (s *Store) SetThresholds(th domain.ClassifierThresholds) {
	s.mu.Lock()
	s.thresholds = th
	s.mu.Unlock()
}

// Append folds events into their attacker records in timestamp order,
// recomputes classification for every touched address, and commits the
// document atomically. It returns the number of events actually applied;
// duplicates do not count.
func (s *Store) Append(events []domain.BanEvent, params map[string]domain.JailParams) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]domain.BanEvent, len(events))
	copy(batch, events)
	domain.SortEventsByTime(batch)

	applied := 0
	touched := make(map[string]*domain.AttackerRecord)
	for _, ev := range batch {
		if !ev.Valid() {
			log.Warn().
				Str("jail", ev.Jail).
				Str("action", string(ev.Action)).
				Msg("dropping malformed event")
			continue
		}
		rec := s.record(ev.Addr, ev.Timestamp)
		if s.fold(rec, ev) {
			applied++
		}
		touched[ev.Addr.String()] = rec
	}

	if applied == 0 && !s.dirty {
		return 0, nil
	}

	now := s.now()
	for _, rec := range touched {
		rec.RecomputeCounters()
		rec.Classification = domain.Classify(rec, params, s.thresholds, now)
		rec.DangerScore = domain.DangerScore(rec, now)
	}
	s.dirty = true

	if err := s.saveLocked(); err != nil {
		return applied, err
	}
	return applied, nil
}

// record returns the attacker record for addr, creating it on first sight.
func (s *Store) record(addr netip.Addr, ts time.Time) *domain.AttackerRecord {
	key := addr.String()
	if rec, ok := s.doc.Attackers[key]; ok {
		return rec
	}
	rec := domain.NewAttackerRecord(addr, ts)
	s.doc.Attackers[key] = rec
	return rec
}

// fold applies one event to a record. Returns false for duplicates.
func (s *Store) fold(rec *domain.AttackerRecord, ev domain.BanEvent) bool {
	rec.Touch(ev.Timestamp)
	rec.SeenJail(ev.Jail)

	switch ev.Action {
	case domain.ActionAttempt:
		if !rec.RecordAttempt(ev.Jail, ev.Timestamp) {
			s.countDuplicate()
			return false
		}
		return true

	case domain.ActionBan:
		return s.foldBan(rec, ev)

	case domain.ActionUnban:
		return s.foldUnban(rec, ev)
	}
	return false
}

func (s *Store) foldBan(rec *domain.AttackerRecord, ev domain.BanEvent) bool {
	// duplicate detection: same jail, ban time within tolerance
	for i := range rec.BanHistory {
		span := &rec.BanHistory[i]
		if span.Jail != ev.Jail {
			continue
		}
		if absDuration(span.BanTime.Sub(ev.Timestamp)) > dedupTolerance {
			continue
		}
		// LOG origin takes precedence over SYNC on conflict
		if span.Origin == domain.OriginSync && ev.Origin == domain.OriginLog {
			span.Origin = domain.OriginLog
			span.BanTime = ev.Timestamp
			if ev.FailsBeforeBan > 0 {
				span.FailsBeforeBan = ev.FailsBeforeBan
			}
			s.dirty = true
		}
		s.countDuplicate()
		return false
	}

	// one open span per (address, jail): a new ban while one is open means
	// we missed the unban; close the stale span at the new ban's time
	if i := rec.OpenSpan(ev.Jail); i >= 0 {
		t := ev.Timestamp
		rec.BanHistory[i].UnbanTime = &t
		rec.BanHistory[i].UnbanOrigin = domain.OriginSync
		log.Debug().
			Str("addr", rec.Addr.String()).
			Str("jail", ev.Jail).
			Msg("closing stale open ban superseded by newer ban")
	}

	fails := ev.FailsBeforeBan
	if fails == 0 && ev.Origin == domain.OriginLog {
		fails = s.attemptsSinceLastBan(rec, ev.Jail, ev.Timestamp)
	}
	rec.InsertSpan(domain.BanSpan{
		BanTime:        ev.Timestamp,
		Jail:           ev.Jail,
		FailsBeforeBan: fails,
		Origin:         ev.Origin,
	})
	return true
}

func (s *Store) foldUnban(rec *domain.AttackerRecord, ev domain.BanEvent) bool {
	if i := rec.OpenSpan(ev.Jail); i >= 0 {
		t := ev.Timestamp
		rec.BanHistory[i].UnbanTime = &t
		rec.BanHistory[i].UnbanOrigin = ev.Origin
		return true
	}

	// duplicate unban for an already-closed span
	for i := range rec.BanHistory {
		span := &rec.BanHistory[i]
		if span.Jail != ev.Jail || span.UnbanTime == nil {
			continue
		}
		if absDuration(span.UnbanTime.Sub(ev.Timestamp)) > dedupTolerance {
			continue
		}
		if span.UnbanOrigin == domain.OriginSync && ev.Origin == domain.OriginLog {
			t := ev.Timestamp
			span.UnbanTime = &t
			span.UnbanOrigin = domain.OriginLog
			s.dirty = true
		}
		s.countDuplicate()
		return false
	}

	// no matching open ban: flagged, not dropped
	rec.Orphans = append(rec.Orphans, domain.OrphanUnban{
		Timestamp: ev.Timestamp,
		Jail:      ev.Jail,
		Origin:    ev.Origin,
	})
	if s.metrics != nil {
		s.metrics.IncOrphanUnbans()
	}
	log.Warn().
		Str("addr", rec.Addr.String()).
		Str("jail", ev.Jail).
		Time("ts", ev.Timestamp).
		Msg("unban with no matching open ban recorded as orphan")
	return true
}

// attemptsSinceLastBan counts attempts in jail after the previous ban in
// that jail and at or before banTime.
func (s *Store) attemptsSinceLastBan(rec *domain.AttackerRecord, jail string, banTime time.Time) int {
	var prev time.Time
	for i := range rec.BanHistory {
		span := &rec.BanHistory[i]
		if span.Jail == jail && span.BanTime.Before(banTime) && span.BanTime.After(prev) {
			prev = span.BanTime
		}
	}
	count := 0
	for _, unix := range rec.Attempts.Timestamps[jail] {
		ts := time.Unix(unix, 0)
		if ts.After(prev) && !ts.After(banTime) {
			count++
		}
	}
	return count
}

// Reclassify recomputes classification and danger score for every record
// against the given jail parameters, then commits if anything changed.
func (s *Store) Reclassify(params map[string]domain.JailParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changed := false
	for _, rec := range s.doc.Attackers {
		cls := domain.Classify(rec, params, s.thresholds, now)
		score := domain.DangerScore(rec, now)
		if cls != rec.Classification || score != rec.DangerScore {
			rec.Classification = cls
			rec.DangerScore = score
			changed = true
		}
	}
	if !changed {
		return nil
	}
	s.dirty = true
	return s.saveLocked()
}

// Get returns a copy of the record for addr.
func (s *Store) Get(addr netip.Addr) (*domain.AttackerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Attackers[addr.String()]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// QueryFilter selects and orders records returned by Query.
type QueryFilter struct {
	Classifications []domain.Classification // empty = any
	BannedOnly      bool
	Jail            string // empty = any
	Limit           int    // 0 = unlimited

	SortByDanger bool // default sort is last_seen descending
}

// Query returns copies of records matching the filter.
func (s *Store) Query(f QueryFilter) []*domain.AttackerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AttackerRecord
	for _, rec := range s.doc.Attackers {
		if f.BannedOnly && !rec.Banned() {
			continue
		}
		if f.Jail != "" && !hasJail(rec, f.Jail) {
			continue
		}
		if len(f.Classifications) > 0 && !hasClass(f.Classifications, rec.Classification) {
			continue
		}
		out = append(out, rec.Clone())
	}

	if f.SortByDanger {
		sort.Slice(out, func(i, j int) bool {
			if out[i].DangerScore != out[j].DangerScore {
				return out[i].DangerScore > out[j].DangerScore
			}
			return out[i].LastSeen.After(out[j].LastSeen)
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			return out[i].LastSeen.After(out[j].LastSeen)
		})
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// OpenBans returns the (addr, jail) pairs the store believes are currently
// banned, as reconciliation input.
func (s *Store) OpenBans() []domain.ActiveBan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ActiveBan
	for _, rec := range s.doc.Attackers {
		for i := range rec.BanHistory {
			if rec.BanHistory[i].Open() {
				out = append(out, domain.ActiveBan{
					Addr:    rec.Addr,
					Jail:    rec.BanHistory[i].Jail,
					BanTime: rec.BanHistory[i].BanTime,
				})
			}
		}
	}
	return out
}

// LastLogUnban returns the most recent LOG-origin unban time for
// (addr, jail), if any. Reconciliation uses it to keep log history
// authoritative over the live snapshot.
func (s *Store) LastLogUnban(addr netip.Addr, jail string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.doc.Attackers[addr.String()]
	if !ok {
		return time.Time{}, false
	}
	var last time.Time
	found := false
	for i := range rec.BanHistory {
		span := &rec.BanHistory[i]
		if span.Jail != jail || span.UnbanTime == nil || span.UnbanOrigin != domain.OriginLog {
			continue
		}
		if span.UnbanTime.After(last) {
			last = *span.UnbanTime
			found = true
		}
	}
	return last, found
}

// SetGeo attaches geolocation to addr's record, if present.
func (s *Store) SetGeo(addr netip.Addr, geo *domain.GeoInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Attackers[addr.String()]
	if !ok {
		return
	}
	g := *geo
	rec.Geo = &g
	s.dirty = true
}

// AddWhitelist adds addr to the whitelist. Idempotent.
func (s *Store) AddWhitelist(addr netip.Addr, reason, addedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.doc.Whitelist {
		if e.Addr == addr {
			return nil
		}
	}
	s.doc.Whitelist = append(s.doc.Whitelist, ListEntry{
		Addr:    addr,
		Added:   s.now(),
		Reason:  reason,
		AddedBy: addedBy,
	})
	s.dirty = true
	return s.saveLocked()
}

// IsWhitelisted reports whether addr is on the whitelist.
func (s *Store) IsWhitelisted(addr netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.doc.Whitelist {
		if e.Addr == addr {
			return true
		}
	}
	return false
}

// Whitelist returns a copy of the whitelist.
func (s *Store) Whitelist() []ListEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ListEntry(nil), s.doc.Whitelist...)
}

// Stats returns the aggregate counters, recomputed on the fly.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.computeStats()
}

func (s *Store) computeStats() Stats {
	st := Stats{TotalAddrs: len(s.doc.Attackers)}
	countries := make(map[string]int)
	orgs := make(map[string]int)
	for _, rec := range s.doc.Attackers {
		st.TotalAttempts += rec.Attempts.Total
		st.TotalBans += rec.TotalBans
		if rec.Banned() {
			st.ActiveBans++
		}
		switch rec.Classification {
		case domain.ClassThreat:
			st.Threats++
		case domain.ClassEvading:
			st.Evading++
		}
		if rec.Geo != nil {
			if rec.Geo.Country != "" {
				countries[rec.Geo.Country]++
			}
			if rec.Geo.Org != "" {
				orgs[rec.Geo.Org]++
			}
		}
	}
	st.TopCountry = topKey(countries)
	st.TopOrg = topKey(orgs)
	return st
}

// Flush commits pending changes, if any.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	return s.Flush()
}

// saveLocked writes the document atomically: marshal to a temp file in the
// same directory, fsync, then rename over the previous file. Callers hold
// the write lock. Transient failures are retried with backoff.
func (s *Store) saveLocked() error {
	s.doc.LastUpdated = s.now()
	s.doc.Stats = s.computeStats()

	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if lastErr = writeAtomic(s.path, data); lastErr == nil {
			s.dirty = false
			if s.metrics != nil {
				s.metrics.IncStoreCommits()
			}
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("store commit failed, retrying")
	}
	return fmt.Errorf("store: commit %s: %w", s.path, lastErr)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".attacks-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *Store) countDuplicate() {
	if s.metrics != nil {
		s.metrics.IncDuplicates()
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func hasJail(rec *domain.AttackerRecord, jail string) bool {
	for _, j := range rec.Jails {
		if j == jail {
			return true
		}
	}
	return false
}

func hasClass(set []domain.Classification, c domain.Classification) bool {
	for _, v := range set {
		if v == c {
			return true
		}
	}
	return false
}

func topKey(counts map[string]int) string {
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN {
			best, bestN = k, n
		}
	}
	return best
}
