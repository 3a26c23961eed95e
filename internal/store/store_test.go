package store

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/banwatch/internal/domain"
)

var (
	base     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	addrA    = netip.MustParseAddr("192.0.2.10")
	addrB    = netip.MustParseAddr("198.51.100.20")
	noParams = map[string]domain.JailParams{}
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "attacks.json"), Options{
		Now: func() time.Time { return base },
	})
	require.NoError(t, err)
	return s
}

func ev(addr netip.Addr, jail string, action domain.BanAction, offset time.Duration) domain.BanEvent {
	return domain.BanEvent{
		Timestamp: base.Add(offset),
		Addr:      addr,
		Jail:      jail,
		Action:    action,
		Origin:    domain.OriginLog,
	}
}

func TestAppendBuildsSortedHistoryAcrossJails(t *testing.T) {
	s := openTemp(t)

	// out of order on purpose; the store must sort before folding
	applied, err := s.Append([]domain.BanEvent{
		ev(addrA, "nginx", domain.ActionBan, 2*time.Hour),
		ev(addrA, "sshd", domain.ActionBan, 0),
		ev(addrA, "sshd", domain.ActionUnban, time.Hour),
	}, noParams)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	rec, ok := s.Get(addrA)
	require.True(t, ok)
	require.Len(t, rec.BanHistory, 2)
	assert.Equal(t, "sshd", rec.BanHistory[0].Jail)
	assert.False(t, rec.BanHistory[0].Open())
	assert.Equal(t, "nginx", rec.BanHistory[1].Jail)
	assert.True(t, rec.BanHistory[1].Open())
	assert.True(t, rec.BanHistory[1].BanTime.After(rec.BanHistory[0].BanTime))
	assert.Equal(t, 1, rec.ActiveBans)
}

func TestAppendDeduplicatesWithinTolerance(t *testing.T) {
	s := openTemp(t)

	applied, err := s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 0),
	}, noParams)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	// same ban seen again 3 seconds off
	applied, err = s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 3*time.Second),
	}, noParams)
	require.NoError(t, err)
	assert.Zero(t, applied)

	rec, _ := s.Get(addrA)
	assert.Len(t, rec.BanHistory, 1)
	assert.Equal(t, 1, rec.TotalBans)
}

func TestAppendLogOriginWinsOverSync(t *testing.T) {
	s := openTemp(t)

	sync := ev(addrA, "sshd", domain.ActionBan, 2*time.Second)
	sync.Origin = domain.OriginSync
	_, err := s.Append([]domain.BanEvent{sync}, noParams)
	require.NoError(t, err)

	logged := ev(addrA, "sshd", domain.ActionBan, 0)
	logged.FailsBeforeBan = 5
	applied, err := s.Append([]domain.BanEvent{logged}, noParams)
	require.NoError(t, err)
	assert.Zero(t, applied) // merged, not duplicated

	rec, _ := s.Get(addrA)
	require.Len(t, rec.BanHistory, 1)
	assert.Equal(t, domain.OriginLog, rec.BanHistory[0].Origin)
	assert.Equal(t, base, rec.BanHistory[0].BanTime)
	assert.Equal(t, 5, rec.BanHistory[0].FailsBeforeBan)
}

func TestAppendSeparateBansOutsideTolerance(t *testing.T) {
	s := openTemp(t)

	_, err := s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 0),
		ev(addrA, "sshd", domain.ActionUnban, 10*time.Minute),
		ev(addrA, "sshd", domain.ActionBan, time.Hour),
	}, noParams)
	require.NoError(t, err)

	rec, _ := s.Get(addrA)
	assert.Len(t, rec.BanHistory, 2)
	assert.Equal(t, 2, rec.TotalBans)
	assert.Equal(t, 1, rec.ActiveBans)
}

func TestAppendOrphanUnbanIsFlaggedNotDropped(t *testing.T) {
	s := openTemp(t)

	applied, err := s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionUnban, 0),
	}, noParams)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, ok := s.Get(addrA)
	require.True(t, ok)
	assert.Empty(t, rec.BanHistory)
	require.Len(t, rec.Orphans, 1)
	assert.Equal(t, "sshd", rec.Orphans[0].Jail)
	assert.Equal(t, 1, rec.TotalUnbans)
}

func TestAppendNewBanClosesStaleOpenSpan(t *testing.T) {
	s := openTemp(t)

	_, err := s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 0),
		ev(addrA, "sshd", domain.ActionBan, time.Hour), // unban line was lost
	}, noParams)
	require.NoError(t, err)

	rec, _ := s.Get(addrA)
	require.Len(t, rec.BanHistory, 2)
	require.False(t, rec.BanHistory[0].Open())
	assert.Equal(t, base.Add(time.Hour), *rec.BanHistory[0].UnbanTime)
	assert.Equal(t, domain.OriginSync, rec.BanHistory[0].UnbanOrigin)
	assert.True(t, rec.BanHistory[1].Open())
}

func TestAppendCountsFailsBeforeBanFromAttempts(t *testing.T) {
	s := openTemp(t)

	events := []domain.BanEvent{
		ev(addrA, "sshd", domain.ActionAttempt, 0),
		ev(addrA, "sshd", domain.ActionAttempt, time.Minute),
		ev(addrA, "sshd", domain.ActionAttempt, 2*time.Minute),
		ev(addrA, "nginx", domain.ActionAttempt, 90*time.Second), // other jail, not counted
		ev(addrA, "sshd", domain.ActionBan, 3*time.Minute),
	}
	_, err := s.Append(events, noParams)
	require.NoError(t, err)

	rec, _ := s.Get(addrA)
	require.Len(t, rec.BanHistory, 1)
	assert.Equal(t, 3, rec.BanHistory[0].FailsBeforeBan)
}

func TestAppendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attacks.json")
	opts := Options{Now: func() time.Time { return base }}

	s, err := Open(path, opts)
	require.NoError(t, err)
	_, err = s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 0),
		ev(addrB, "nginx", domain.ActionAttempt, time.Minute),
	}, noParams)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, opts)
	require.NoError(t, err)
	rec, ok := s2.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, 1, rec.TotalBans)
	assert.True(t, rec.Banned())
	rec, ok = s2.Get(addrB)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts.Total)
}

func TestAppendCommitLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "attacks.json"), Options{
		Now: func() time.Time { return base },
	})
	require.NoError(t, err)

	_, err = s.Append([]domain.BanEvent{ev(addrA, "sshd", domain.ActionBan, 0)}, noParams)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "attacks.json", entries[0].Name())
}

func TestAppendReplayedBatchIsIdempotent(t *testing.T) {
	s := openTemp(t)
	batch := []domain.BanEvent{
		ev(addrA, "sshd", domain.ActionAttempt, 0),
		ev(addrA, "sshd", domain.ActionAttempt, 20*time.Minute),
		ev(addrA, "sshd", domain.ActionBan, 21*time.Minute),
	}
	_, err := s.Append(batch, noParams)
	require.NoError(t, err)

	// the same lines read again, as after a crash before the cursor save
	applied, err := s.Append(batch, noParams)
	require.NoError(t, err)
	assert.Zero(t, applied)

	rec, ok := s.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Attempts.Total)
	assert.Equal(t, []int64{base.Unix(), base.Add(20 * time.Minute).Unix()},
		rec.Attempts.Timestamps["sshd"])
	assert.Equal(t, 1, rec.TotalBans)

	mean, n := domain.MeanAttemptInterval(rec, "sshd")
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1200.0, mean, 0.001)
}

func TestAppendCountsDuplicatesAndOrphans(t *testing.T) {
	metrics := domain.NewEngineMetrics()
	s, err := Open(filepath.Join(t.TempDir(), "attacks.json"), Options{
		Now:     func() time.Time { return base },
		Metrics: metrics,
	})
	require.NoError(t, err)

	_, err = s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 0),
		ev(addrA, "sshd", domain.ActionBan, 3*time.Second),
		ev(addrA, "nginx", domain.ActionUnban, time.Minute),
	}, noParams)
	require.NoError(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Duplicates)
	assert.Equal(t, int64(1), snap.OrphanUnbans)
	assert.Equal(t, int64(1), snap.StoreCommits)
}

func TestOpenIgnoresAbandonedTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attacks.json")
	opts := Options{Now: func() time.Time { return base }}

	s, err := Open(path, opts)
	require.NoError(t, err)
	_, err = s.Append([]domain.BanEvent{ev(addrA, "sshd", domain.ActionBan, 0)}, noParams)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// a crash between temp write and rename leaves a truncated temp file
	// behind; the previous commit stays authoritative
	stray := filepath.Join(dir, ".attacks-123456789.json")
	require.NoError(t, os.WriteFile(stray, []byte(`{"version":2,"attackers`), 0o600))

	s2, err := Open(path, opts)
	require.NoError(t, err)
	rec, ok := s2.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, 1, rec.TotalBans)
	assert.True(t, rec.Banned())
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := openTemp(t)
	_, err := s.Append([]domain.BanEvent{ev(addrA, "sshd", domain.ActionBan, 0)}, noParams)
	require.NoError(t, err)

	rec, _ := s.Get(addrA)
	rec.Jails[0] = "mangled"
	rec.BanHistory[0].Jail = "mangled"

	fresh, _ := s.Get(addrA)
	assert.Equal(t, []string{"sshd"}, fresh.Jails)
	assert.Equal(t, "sshd", fresh.BanHistory[0].Jail)
}

func TestQueryFilters(t *testing.T) {
	s := openTemp(t)
	_, err := s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 0),
		ev(addrB, "nginx", domain.ActionBan, time.Minute),
		ev(addrB, "nginx", domain.ActionUnban, 10*time.Minute),
	}, noParams)
	require.NoError(t, err)

	banned := s.Query(QueryFilter{BannedOnly: true})
	require.Len(t, banned, 1)
	assert.Equal(t, addrA, banned[0].Addr)

	byJail := s.Query(QueryFilter{Jail: "nginx"})
	require.Len(t, byJail, 1)
	assert.Equal(t, addrB, byJail[0].Addr)

	all := s.Query(QueryFilter{})
	assert.Len(t, all, 2)
	// default order is last_seen descending
	assert.Equal(t, addrB, all[0].Addr)

	limited := s.Query(QueryFilter{Limit: 1})
	assert.Len(t, limited, 1)
}

func TestOpenBansAndLastLogUnban(t *testing.T) {
	s := openTemp(t)
	_, err := s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionBan, 0),
		ev(addrA, "sshd", domain.ActionUnban, time.Hour),
		ev(addrB, "sshd", domain.ActionBan, 2*time.Hour),
	}, noParams)
	require.NoError(t, err)

	open := s.OpenBans()
	require.Len(t, open, 1)
	assert.Equal(t, addrB, open[0].Addr)
	assert.Equal(t, "sshd", open[0].Jail)

	ts, ok := s.LastLogUnban(addrA, "sshd")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), ts)

	_, ok = s.LastLogUnban(addrB, "sshd")
	assert.False(t, ok)
}

func TestWhitelistRoundTrip(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.AddWhitelist(addrA, "office", "admin"))
	require.NoError(t, s.AddWhitelist(addrA, "dup", "admin")) // idempotent

	assert.True(t, s.IsWhitelisted(addrA))
	assert.False(t, s.IsWhitelisted(addrB))
	entries := s.Whitelist()
	require.Len(t, entries, 1)
	assert.Equal(t, "office", entries[0].Reason)
}

func TestStatsAggregation(t *testing.T) {
	s := openTemp(t)
	_, err := s.Append([]domain.BanEvent{
		ev(addrA, "sshd", domain.ActionAttempt, 0),
		ev(addrA, "sshd", domain.ActionAttempt, time.Minute),
		ev(addrA, "sshd", domain.ActionBan, 2*time.Minute),
		ev(addrB, "nginx", domain.ActionAttempt, 0),
	}, noParams)
	require.NoError(t, err)

	s.SetGeo(addrA, &domain.GeoInfo{Country: "Netherlands", Org: "ExampleNet"})
	s.SetGeo(addrB, &domain.GeoInfo{Country: "Netherlands"})

	st := s.Stats()
	assert.Equal(t, 2, st.TotalAddrs)
	assert.Equal(t, 3, st.TotalAttempts)
	assert.Equal(t, 1, st.TotalBans)
	assert.Equal(t, 1, st.ActiveBans)
	assert.Equal(t, "Netherlands", st.TopCountry)
	assert.Equal(t, "ExampleNet", st.TopOrg)
}

func TestReclassifyAppliesNewThresholds(t *testing.T) {
	s := openTemp(t)

	// attempts paced 20 minutes apart: slower than the 10 minute default
	// findtime, never banned, observed for 10 hours
	var events []domain.BanEvent
	for i := 0; i < 31; i++ {
		events = append(events, ev(addrA, "sshd", domain.ActionAttempt, time.Duration(i)*20*time.Minute))
	}
	_, err := s.Append(events, noParams)
	require.NoError(t, err)

	rec, _ := s.Get(addrA)
	require.Equal(t, domain.ClassThreat, rec.Classification)

	// lowering the escalation window below the observed span flips the
	// verdict to EVADING
	s.SetThresholds(domain.ClassifierThresholds{
		EvadingAfter:   5 * time.Hour,
		CaughtMinFails: 10,
		MinIntervals:   2,
	})
	require.NoError(t, s.Reclassify(noParams))

	rec, _ = s.Get(addrA)
	assert.Equal(t, domain.ClassEvading, rec.Classification)
}
