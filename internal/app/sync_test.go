package app

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/banwatch/internal/domain"
	"github.com/vigilsec/banwatch/internal/store"
)

var (
	syncBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	syncAddr = netip.MustParseAddr("192.0.2.10")
)

// fakeManager is an in-memory stand-in for the fail2ban-client wrapper.
type fakeManager struct {
	bans   []domain.ActiveBan
	err    error
	banned []string
	lifted []string
}

func (m *fakeManager) ActiveBans(ctx context.Context) ([]domain.ActiveBan, error) {
	return m.bans, m.err
}

func (m *fakeManager) Ban(ctx context.Context, addr netip.Addr, jail string) error {
	m.banned = append(m.banned, addr.String()+"/"+jail)
	return nil
}

func (m *fakeManager) Unban(ctx context.Context, addr netip.Addr, jail string) error {
	m.lifted = append(m.lifted, addr.String()+"/"+jail)
	return nil
}

func syncStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "attacks.json"), store.Options{
		Now: func() time.Time { return syncBase },
	})
	require.NoError(t, err)
	return s
}

func noJailParams() map[string]domain.JailParams {
	return map[string]domain.JailParams{}
}

func newTestReconciler(s *store.Store, m *fakeManager, at time.Time) *Reconciler {
	r := NewReconciler(s, m, noJailParams, domain.NewEngineMetrics())
	r.now = func() time.Time { return at }
	return r
}

func TestSyncInsertsBanMissedByLogs(t *testing.T) {
	s := syncStore(t)
	mgr := &fakeManager{bans: []domain.ActiveBan{
		{Addr: syncAddr, Jail: "sshd", BanTime: syncBase.Add(-time.Hour)},
	}}
	r := newTestReconciler(s, mgr, syncBase)

	applied, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, ok := s.Get(syncAddr)
	require.True(t, ok)
	require.Len(t, rec.BanHistory, 1)
	assert.Equal(t, domain.OriginSync, rec.BanHistory[0].Origin)
	assert.Equal(t, syncBase.Add(-time.Hour), rec.BanHistory[0].BanTime)
	assert.True(t, rec.Banned())
}

func TestSyncClosesExpiredBan(t *testing.T) {
	s := syncStore(t)
	_, err := s.Append([]domain.BanEvent{{
		Timestamp: syncBase.Add(-2 * time.Hour),
		Addr:      syncAddr,
		Jail:      "sshd",
		Action:    domain.ActionBan,
		Origin:    domain.OriginLog,
	}}, noJailParams())
	require.NoError(t, err)

	// daemon no longer lists the address: the ban expired silently
	r := newTestReconciler(s, &fakeManager{}, syncBase)
	applied, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, _ := s.Get(syncAddr)
	require.Len(t, rec.BanHistory, 1)
	require.False(t, rec.BanHistory[0].Open())
	assert.Equal(t, syncBase, *rec.BanHistory[0].UnbanTime)
	assert.Equal(t, domain.OriginSync, rec.BanHistory[0].UnbanOrigin)
	assert.False(t, rec.Banned())
}

func TestSyncAgreementIsNoop(t *testing.T) {
	s := syncStore(t)
	_, err := s.Append([]domain.BanEvent{{
		Timestamp: syncBase.Add(-time.Hour),
		Addr:      syncAddr,
		Jail:      "sshd",
		Action:    domain.ActionBan,
		Origin:    domain.OriginLog,
	}}, noJailParams())
	require.NoError(t, err)

	mgr := &fakeManager{bans: []domain.ActiveBan{
		{Addr: syncAddr, Jail: "sshd", BanTime: syncBase.Add(-time.Hour)},
	}}
	r := newTestReconciler(s, mgr, syncBase)

	applied, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)

	rec, _ := s.Get(syncAddr)
	assert.Len(t, rec.BanHistory, 1)
}

func TestSyncDoesNotReopenLogClosedBan(t *testing.T) {
	s := syncStore(t)

	// log history: banned at t-100m, unbanned at t-50m
	_, err := s.Append([]domain.BanEvent{
		{
			Timestamp: syncBase.Add(-100 * time.Minute),
			Addr:      syncAddr,
			Jail:      "sshd",
			Action:    domain.ActionBan,
			Origin:    domain.OriginLog,
		},
		{
			Timestamp: syncBase.Add(-50 * time.Minute),
			Addr:      syncAddr,
			Jail:      "sshd",
			Action:    domain.ActionUnban,
			Origin:    domain.OriginLog,
		},
	}, noJailParams())
	require.NoError(t, err)

	// stale snapshot still lists the ban from before the unban
	mgr := &fakeManager{bans: []domain.ActiveBan{
		{Addr: syncAddr, Jail: "sshd", BanTime: syncBase.Add(-100 * time.Minute)},
	}}
	metrics := domain.NewEngineMetrics()
	r := NewReconciler(s, mgr, noJailParams, metrics)
	r.now = func() time.Time { return syncBase }

	applied, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)

	rec, _ := s.Get(syncAddr)
	require.Len(t, rec.BanHistory, 1)
	assert.False(t, rec.Banned())
	assert.Equal(t, int64(1), metrics.Snapshot().SyncConflicts)
}

func TestSyncZeroBanTimeDefaultsToNow(t *testing.T) {
	s := syncStore(t)
	mgr := &fakeManager{bans: []domain.ActiveBan{
		{Addr: syncAddr, Jail: "sshd"},
	}}
	r := newTestReconciler(s, mgr, syncBase)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	rec, _ := s.Get(syncAddr)
	require.Len(t, rec.BanHistory, 1)
	assert.Equal(t, syncBase, rec.BanHistory[0].BanTime)
}

func TestSyncUntimedSnapshotDoesNotReopenLogClosedBan(t *testing.T) {
	s := syncStore(t)

	_, err := s.Append([]domain.BanEvent{
		{
			Timestamp: syncBase.Add(-100 * time.Minute),
			Addr:      syncAddr,
			Jail:      "sshd",
			Action:    domain.ActionBan,
			Origin:    domain.OriginLog,
		},
		{
			Timestamp: syncBase.Add(-50 * time.Minute),
			Addr:      syncAddr,
			Jail:      "sshd",
			Action:    domain.ActionUnban,
			Origin:    domain.OriginLog,
		},
	}, noJailParams())
	require.NoError(t, err)

	// plain banip output carries no ban times; the stale entry must not
	// win over the log unban just because its time defaulted to now
	mgr := &fakeManager{bans: []domain.ActiveBan{
		{Addr: syncAddr, Jail: "sshd"},
	}}
	metrics := domain.NewEngineMetrics()
	r := NewReconciler(s, mgr, noJailParams, metrics)
	r.now = func() time.Time { return syncBase }

	applied, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)

	rec, _ := s.Get(syncAddr)
	require.Len(t, rec.BanHistory, 1)
	assert.False(t, rec.Banned())
	assert.Equal(t, int64(1), metrics.Snapshot().SyncConflicts)
}

func TestSyncSnapshotErrorPropagates(t *testing.T) {
	s := syncStore(t)
	r := newTestReconciler(s, &fakeManager{err: errors.New("socket gone")}, syncBase)

	_, err := r.Sync(context.Background())
	assert.Error(t, err)
}
