package domain

import (
	"net/netip"
	"sort"
	"time"
)

// Classification is the behavioral verdict for an address with respect to
// slow brute-force detection.
type Classification string

const (
	// ClassNone means no slow brute-force pattern was observed.
	ClassNone Classification = "NONE"
	// ClassThreat means the address paces its attempts slower than the jail
	// findtime and has never been banned: detected risk, not yet caught.
	ClassThreat Classification = "THREAT"
	// ClassCaught means the address showed the slow pattern but a ban still
	// landed after enough accumulated failures.
	ClassCaught Classification = "CAUGHT"
	// ClassEvading means the address has sustained the slow pattern for a
	// long continuous period while never collecting a ban.
	ClassEvading Classification = "EVADING"
)

// BanSpan is one entry in an address's ban history: a ban and, once
// observed, the matching unban.
type BanSpan struct {
	BanTime        time.Time   `json:"ban_time"`
	UnbanTime      *time.Time  `json:"unban_time,omitempty"`
	Jail           string      `json:"jail"`
	FailsBeforeBan int         `json:"fails_before_ban"`
	Origin         EventOrigin `json:"origin"`

	// UnbanOrigin is set when the span is closed; it records whether the
	// close came from a parsed log line or from reconciliation.
	UnbanOrigin EventOrigin `json:"unban_origin,omitempty"`
}

// Open reports whether the span has no recorded unban yet.
func (s BanSpan) Open() bool { return s.UnbanTime == nil }

// OrphanUnban is an UNBAN event that arrived with no matching open ban.
// Orphans are flagged and kept, never silently dropped.
type OrphanUnban struct {
	Timestamp time.Time   `json:"timestamp"`
	Jail      string      `json:"jail"`
	Origin    EventOrigin `json:"origin"`
}

// AttemptLog keeps the failure history needed for interval analysis.
// Timestamps are capped to the most recent attemptHistoryCap entries.
type AttemptLog struct {
	Total      int                `json:"total"`
	ByJail     map[string]int     `json:"by_jail,omitempty"`
	Timestamps map[string][]int64 `json:"timestamps,omitempty"` // jail -> unix seconds, ascending
	First      *time.Time         `json:"first,omitempty"`
	Last       *time.Time         `json:"last,omitempty"`
}

// attemptHistoryCap bounds per-jail attempt timestamps kept for analysis.
const attemptHistoryCap = 100

// AttackerRecord is the full surveillance history for one address.
// Records are mutated only through the store's serialized append path;
// readers receive copies.
type AttackerRecord struct {
	Addr      netip.Addr `json:"addr"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`

	Geo *GeoInfo `json:"geo,omitempty"`

	Jails      []string      `json:"jails,omitempty"`
	BanHistory []BanSpan     `json:"ban_history,omitempty"`
	Orphans    []OrphanUnban `json:"orphan_unbans,omitempty"`
	Attempts   AttemptLog    `json:"attempts"`

	TotalBans   int `json:"total_bans"`
	TotalUnbans int `json:"total_unbans"`
	ActiveBans  int `json:"active_bans"`

	Classification Classification `json:"classification"`
	DangerScore    int            `json:"danger_score"`
}

// NewAttackerRecord creates a record for an address first observed at ts.
func NewAttackerRecord(addr netip.Addr, ts time.Time) *AttackerRecord {
	return &AttackerRecord{
		Addr:           addr,
		FirstSeen:      ts,
		LastSeen:       ts,
		Classification: ClassNone,
		Attempts: AttemptLog{
			ByJail:     make(map[string]int),
			Timestamps: make(map[string][]int64),
		},
	}
}

// Touch advances the observation window for ts.
func (r *AttackerRecord) Touch(ts time.Time) {
	if ts.Before(r.FirstSeen) {
		r.FirstSeen = ts
	}
	if ts.After(r.LastSeen) {
		r.LastSeen = ts
	}
}

// SeenJail adds jail to the set of jails this address has been seen in.
func (r *AttackerRecord) SeenJail(jail string) {
	for _, j := range r.Jails {
		if j == jail {
			return
		}
	}
	r.Jails = append(r.Jails, jail)
}

// RecordAttempt folds a failed attempt into the record and reports
// whether it was new. Timestamps land in sorted order; one already
// present for the jail is a replayed log line and folds to a no-op.
// A timestamp older than the retained window is dropped the same way,
// since it cannot be told apart from a replay of an evicted entry.
func (r *AttackerRecord) RecordAttempt(jail string, ts time.Time) bool {
	r.Touch(ts)
	r.SeenJail(jail)
	if r.Attempts.ByJail == nil {
		r.Attempts.ByJail = make(map[string]int)
	}
	if r.Attempts.Timestamps == nil {
		r.Attempts.Timestamps = make(map[string][]int64)
	}

	stamps := r.Attempts.Timestamps[jail]
	unix := ts.Unix()
	i := sort.Search(len(stamps), func(i int) bool { return stamps[i] >= unix })
	if i < len(stamps) && stamps[i] == unix {
		return false
	}
	if i == 0 && len(stamps) >= attemptHistoryCap {
		return false
	}

	stamps = append(stamps, 0)
	copy(stamps[i+1:], stamps[i:])
	stamps[i] = unix
	if len(stamps) > attemptHistoryCap {
		stamps = stamps[len(stamps)-attemptHistoryCap:]
	}
	r.Attempts.Timestamps[jail] = stamps

	r.Attempts.Total++
	r.Attempts.ByJail[jail]++
	if r.Attempts.First == nil || ts.Before(*r.Attempts.First) {
		t := ts
		r.Attempts.First = &t
	}
	if r.Attempts.Last == nil || ts.After(*r.Attempts.Last) {
		t := ts
		r.Attempts.Last = &t
	}
	return true
}

// OpenSpan returns the index of the open ban span for jail, or -1.
// The store's invariant allows at most one open span per (address, jail).
func (r *AttackerRecord) OpenSpan(jail string) int {
	for i := range r.BanHistory {
		if r.BanHistory[i].Jail == jail && r.BanHistory[i].Open() {
			return i
		}
	}
	return -1
}

// InsertSpan adds a span keeping BanHistory sorted ascending by BanTime.
func (r *AttackerRecord) InsertSpan(span BanSpan) {
	i := len(r.BanHistory)
	for i > 0 && r.BanHistory[i-1].BanTime.After(span.BanTime) {
		i--
	}
	r.BanHistory = append(r.BanHistory, BanSpan{})
	copy(r.BanHistory[i+1:], r.BanHistory[i:])
	r.BanHistory[i] = span
}

// RecomputeCounters rederives the ban counters from the history.
func (r *AttackerRecord) RecomputeCounters() {
	bans, unbans, active := 0, 0, 0
	for i := range r.BanHistory {
		bans++
		if r.BanHistory[i].Open() {
			active++
		} else {
			unbans++
		}
	}
	r.TotalBans = bans
	r.TotalUnbans = unbans + len(r.Orphans)
	r.ActiveBans = active
}

// Banned reports whether any jail currently holds an open ban.
func (r *AttackerRecord) Banned() bool { return r.ActiveBans > 0 }

// Clone returns a deep copy so readers never alias store-owned state.
func (r *AttackerRecord) Clone() *AttackerRecord {
	cp := *r
	if r.Geo != nil {
		g := *r.Geo
		cp.Geo = &g
	}
	cp.Jails = append([]string(nil), r.Jails...)
	cp.BanHistory = append([]BanSpan(nil), r.BanHistory...)
	for i := range cp.BanHistory {
		if r.BanHistory[i].UnbanTime != nil {
			t := *r.BanHistory[i].UnbanTime
			cp.BanHistory[i].UnbanTime = &t
		}
	}
	cp.Orphans = append([]OrphanUnban(nil), r.Orphans...)
	cp.Attempts.ByJail = make(map[string]int, len(r.Attempts.ByJail))
	for k, v := range r.Attempts.ByJail {
		cp.Attempts.ByJail[k] = v
	}
	cp.Attempts.Timestamps = make(map[string][]int64, len(r.Attempts.Timestamps))
	for k, v := range r.Attempts.Timestamps {
		cp.Attempts.Timestamps[k] = append([]int64(nil), v...)
	}
	if r.Attempts.First != nil {
		t := *r.Attempts.First
		cp.Attempts.First = &t
	}
	if r.Attempts.Last != nil {
		t := *r.Attempts.Last
		cp.Attempts.Last = &t
	}
	return &cp
}
