package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// EngineMetrics aggregates engine activity counters. All increment methods
// are safe for concurrent use; snapshots are point-in-time copies.
type EngineMetrics struct {
	linesRead       atomic.Int64
	eventsParsed    atomic.Int64
	eventsApplied   atomic.Int64
	duplicates      atomic.Int64
	orphanUnbans    atomic.Int64
	syncCorrections atomic.Int64
	syncConflicts   atomic.Int64
	geoLookups      atomic.Int64
	geoFailures     atomic.Int64
	storeCommits    atomic.Int64

	mu        sync.RWMutex
	lastPoll  time.Time
	lastSync  time.Time
	startTime time.Time
}

// MetricsSnapshot is a consistent copy of EngineMetrics.
type MetricsSnapshot struct {
	LinesRead       int64
	EventsParsed    int64
	EventsApplied   int64
	Duplicates      int64
	OrphanUnbans    int64
	SyncCorrections int64
	SyncConflicts   int64
	GeoLookups      int64
	GeoFailures     int64
	StoreCommits    int64
	LastPoll        time.Time
	LastSync        time.Time
	Uptime          time.Duration
}

func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{startTime: time.Now()}
}

func (m *EngineMetrics) AddLinesRead(n int)       { m.linesRead.Add(int64(n)) }
func (m *EngineMetrics) AddEventsParsed(n int)    { m.eventsParsed.Add(int64(n)) }
func (m *EngineMetrics) AddEventsApplied(n int)   { m.eventsApplied.Add(int64(n)) }
func (m *EngineMetrics) IncDuplicates()           { m.duplicates.Add(1) }
func (m *EngineMetrics) IncOrphanUnbans()         { m.orphanUnbans.Add(1) }
func (m *EngineMetrics) AddSyncCorrections(n int) { m.syncCorrections.Add(int64(n)) }
func (m *EngineMetrics) IncSyncConflicts()        { m.syncConflicts.Add(1) }
func (m *EngineMetrics) IncGeoLookups()           { m.geoLookups.Add(1) }
func (m *EngineMetrics) IncGeoFailures()          { m.geoFailures.Add(1) }
func (m *EngineMetrics) IncStoreCommits()         { m.storeCommits.Add(1) }

func (m *EngineMetrics) MarkPoll(t time.Time) {
	m.mu.Lock()
	m.lastPoll = t
	m.mu.Unlock()
}

func (m *EngineMetrics) MarkSync(t time.Time) {
	m.mu.Lock()
	m.lastSync = t
	m.mu.Unlock()
}

func (m *EngineMetrics) EventsApplied() int64 { return m.eventsApplied.Load() }

func (m *EngineMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		LinesRead:       m.linesRead.Load(),
		EventsParsed:    m.eventsParsed.Load(),
		EventsApplied:   m.eventsApplied.Load(),
		Duplicates:      m.duplicates.Load(),
		OrphanUnbans:    m.orphanUnbans.Load(),
		SyncCorrections: m.syncCorrections.Load(),
		SyncConflicts:   m.syncConflicts.Load(),
		GeoLookups:      m.geoLookups.Load(),
		GeoFailures:     m.geoFailures.Load(),
		StoreCommits:    m.storeCommits.Load(),
		LastPoll:        m.lastPoll,
		LastSync:        m.lastSync,
		Uptime:          time.Since(m.startTime),
	}
}
