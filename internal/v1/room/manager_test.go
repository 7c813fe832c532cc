package room

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castwire/streamhub/internal/v1/cache"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/store"
	"github.com/castwire/streamhub/internal/v1/types"
)

func newClusterManager(t *testing.T, serverID string, mr *miniredis.Miniredis, opts ...ManagerOption) *Manager {
	t.Helper()
	st, err := store.NewService([]string{mr.Addr()}, "", store.WithPrefix("test:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m := NewManager(serverID, st, nil, nil, opts...)
	t.Cleanup(m.Stop)
	return m
}

func TestManager_JoinCreatesRoomLazily(t *testing.T) {
	m := NewManager("srv-1", nil, nil, nil)
	defer m.Stop()
	ctx := context.Background()

	_, ok := m.Get("ABC123")
	assert.False(t, ok)

	outcome, events, err := m.Join(ctx, "ABC123", "s1", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdmittedStreamer, outcome)
	assert.NotEmpty(t, events)

	_, ok = m.Get("ABC123")
	assert.True(t, ok)
}

func TestManager_SeatClaimCluster(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	m1 := newClusterManager(t, "srv-1", mr)
	m2 := newClusterManager(t, "srv-2", mr)

	outcome, _, err := m1.Join(ctx, "ABC123", "s1", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdmittedStreamer, outcome)

	// A second server cannot take the seat while srv-1 holds it.
	outcome, events, err := m2.Join(ctx, "ABC123", "s2", "mallory", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	require.NotEmpty(t, events)
	status := events[0].Payload.(signaling.StreamerStatusEvent)
	assert.False(t, status.IsStreamer)
	assert.Equal(t, ReasonStreamerPresent, status.Error)

	// Seat released on leave; the other server claims it.
	m1.Leave(ctx, "ABC123", "s1")
	outcome, _, err = m2.Join(ctx, "ABC123", "s2", "mallory", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdmittedStreamer, outcome)
}

func TestManager_SeatReclaimSameServer(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	m1 := newClusterManager(t, "srv-1", mr)
	_, _, err = m1.Join(ctx, "ABC123", "s1", "alice", true)
	require.NoError(t, err)

	// After a crash-restart under the same server id the stale seat record
	// still exists; the restarted instance recognizes it as its own.
	m2 := newClusterManager(t, "srv-1", mr)
	outcome, _, err := m2.Join(ctx, "ABC123", "s1b", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdmittedStreamer, outcome)
}

func TestManager_SeatClaimStoreDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	ctx := context.Background()

	m := newClusterManager(t, "srv-1", mr)
	mr.Close()

	_, _, err = m.Join(ctx, "ABC123", "s1", "alice", true)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// No local mutation happened.
	_, ok := m.Get("ABC123")
	assert.False(t, ok)
}

func TestManager_ViewerJoinSkipsSeatClaim(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	ctx := context.Background()

	m := newClusterManager(t, "srv-1", mr)
	mr.Close()

	// Viewer joins never arbitrate the seat, so a dead store does not
	// block them.
	outcome, _, err := m.Join(ctx, "ABC123", "v1", "bob", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdmittedViewer, outcome)
}

func TestManager_GraceCleanup(t *testing.T) {
	m := NewManager("srv-1", nil, nil, nil, WithCleanupGrace(20*time.Millisecond))
	defer m.Stop()
	ctx := context.Background()

	m.Join(ctx, "ABC123", "v1", "bob", false)
	m.Leave(ctx, "ABC123", "v1")

	_, ok := m.Get("ABC123")
	assert.True(t, ok, "room survives the grace period")

	assert.Eventually(t, func() bool {
		_, ok := m.Get("ABC123")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_GraceCancelledByRejoin(t *testing.T) {
	m := NewManager("srv-1", nil, nil, nil, WithCleanupGrace(30*time.Millisecond))
	defer m.Stop()
	ctx := context.Background()

	m.Join(ctx, "ABC123", "v1", "bob", false)
	m.Leave(ctx, "ABC123", "v1")
	m.Join(ctx, "ABC123", "v2", "carol", false)

	time.Sleep(80 * time.Millisecond)
	_, ok := m.Get("ABC123")
	assert.True(t, ok, "a rejoin during grace cancels the delete")
}

func TestManager_TickExpiresPending(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	m := NewManager("srv-1", nil, nil, nil,
		WithManagerClock(clock.Now),
		WithApprovalTimeout(time.Minute))
	defer m.Stop()
	ctx := context.Background()

	m.Join(ctx, "ABC123", "s1", "alice", true)
	m.UpdateAutoAccept(ctx, "ABC123", "s1", false)
	m.Join(ctx, "ABC123", "v1", "bob", false)

	out := m.Tick(ctx)
	assert.Empty(t, out, "nothing due yet")

	clock.Advance(2 * time.Minute)
	out = m.Tick(ctx)
	require.Contains(t, out, types.RoomIDType("ABC123"))
	events := out["ABC123"]
	require.Len(t, events, 1)
	assert.Equal(t, types.PeerIDType("v1"), events[0].Peer)
	assert.Equal(t, ReasonTimeout, events[0].Payload.(signaling.JoinRejectedEvent).Reason)
}

func TestManager_SnapshotRefreshCluster(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	m := newClusterManager(t, "srv-1", mr)
	m.Join(ctx, "ABC123", "s1", "alice", true)
	m.Join(ctx, "ABC123", "v1", "bob", false)

	st, err := store.NewService([]string{mr.Addr()}, "", store.WithPrefix("test:"))
	require.NoError(t, err)
	defer st.Close()

	var snap types.RoomSnapshot
	found, err := st.GetJSON(ctx, "room:ABC123:state", &snap)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.RoomIDType("ABC123"), snap.RoomID)
	assert.True(t, snap.HasStreamer)
	assert.Equal(t, 1, snap.ViewerCount)
	assert.Equal(t, "srv-1", snap.ServerID)
}

func TestManager_Counts(t *testing.T) {
	m := NewManager("srv-1", nil, nil, nil)
	defer m.Stop()
	ctx := context.Background()

	m.Join(ctx, "R1", "s1", "alice", true)
	m.Join(ctx, "R1", "v1", "bob", false)
	m.Join(ctx, "R2", "v2", "carol", false)

	rooms, users := m.Counts()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 3, users)
}

func TestManager_ChatUnknownRoom(t *testing.T) {
	m := NewManager("srv-1", nil, nil, nil)
	defer m.Stop()

	_, err := m.Chat(context.Background(), "NOPE42", "v1", "hello")
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestManager_HealthLostReleasesSeat(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	m := newClusterManager(t, "srv-1", mr)
	m.Join(ctx, "ABC123", "s1", "alice", true)
	m.Join(ctx, "ABC123", "v1", "bob", false)

	events := m.ReportHealth(ctx, "ABC123", "s1", types.HealthLost)
	require.NotEmpty(t, events)

	// The distributed seat is free again.
	assert.False(t, mr.Exists("test:room:ABC123:streamer"))
}

func newCachedManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager("srv-1", nil, nil, cache.New(nil))
	t.Cleanup(m.Stop)
	return m
}

func TestManager_RecentMessagesCached(t *testing.T) {
	m := newCachedManager(t)
	ctx := context.Background()

	_, _, err := m.Join(ctx, "ROOM01", "s1", "alice", true)
	require.NoError(t, err)
	_, err = m.Chat(ctx, "ROOM01", "s1", "first")
	require.NoError(t, err)

	require.Len(t, m.RecentMessages(ctx, "ROOM01", 25), 1)

	// An append that bypasses the manager leaves the cached window alone.
	r, ok := m.Get("ROOM01")
	require.True(t, ok)
	_, err = r.Chat("s1", "second")
	require.NoError(t, err)
	assert.Len(t, m.RecentMessages(ctx, "ROOM01", 25), 1)

	// A manager-level append purges the window buckets.
	_, err = m.Chat(ctx, "ROOM01", "s1", "third")
	require.NoError(t, err)
	assert.Len(t, m.RecentMessages(ctx, "ROOM01", 25), 3)
}

func TestManager_DirectoryCached(t *testing.T) {
	m := newCachedManager(t)
	ctx := context.Background()

	_, _, err := m.Join(ctx, "ROOM01", "s1", "alice", true)
	require.NoError(t, err)
	require.Len(t, m.Directory(ctx), 1)

	// Dropping the room without an event leaves the listing cached.
	m.mu.Lock()
	delete(m.rooms, "ROOM01")
	m.mu.Unlock()
	assert.Len(t, m.Directory(ctx), 1)

	// A room-creating join purges it.
	_, _, err = m.Join(ctx, "ROOM02", "s2", "bob", true)
	require.NoError(t, err)

	dir := m.Directory(ctx)
	require.Len(t, dir, 1)
	assert.Equal(t, types.RoomIDType("ROOM02"), dir[0].RoomID)
}

func TestManager_RosterAndViewerCountCached(t *testing.T) {
	m := newCachedManager(t)
	ctx := context.Background()

	_, _, err := m.Join(ctx, "ROOM01", "s1", "alice", true)
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "ROOM01", "v1", "bob", false)
	require.NoError(t, err)

	names, ok := m.Roster(ctx, "ROOM01")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, names)

	count, ok := m.ViewerCount(ctx, "ROOM01")
	require.True(t, ok)
	assert.Equal(t, 1, count)

	// A join that bypasses the manager is invisible until a membership
	// event purges the keys.
	r, _ := m.Get("ROOM01")
	r.Join("v2", "carol", false)
	count, _ = m.ViewerCount(ctx, "ROOM01")
	assert.Equal(t, 1, count)

	_, _, err = m.Join(ctx, "ROOM01", "v3", "dave", false)
	require.NoError(t, err)

	names, _ = m.Roster(ctx, "ROOM01")
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, names)
	count, _ = m.ViewerCount(ctx, "ROOM01")
	assert.Equal(t, 3, count)
}

func TestManager_RoomInfoCarriesCachedWindow(t *testing.T) {
	m := newCachedManager(t)
	ctx := context.Background()

	_, _, err := m.Join(ctx, "ROOM01", "s1", "alice", true)
	require.NoError(t, err)
	_, err = m.Chat(ctx, "ROOM01", "s1", "hello")
	require.NoError(t, err)

	// Prime the window bucket, then grow the ring behind the manager.
	require.Len(t, m.RecentMessages(ctx, "ROOM01", 50), 1)
	r, _ := m.Get("ROOM01")
	_, err = r.Chat("s1", "uncached")
	require.NoError(t, err)

	_, events, err := m.Join(ctx, "ROOM01", "v1", "bob", false)
	require.NoError(t, err)

	var info signaling.RoomInfoEvent
	found := false
	for _, ev := range events {
		if p, ok := ev.Payload.(signaling.RoomInfoEvent); ok {
			info, found = p, true
		}
	}
	require.True(t, found)
	assert.Len(t, info.Messages, 1)
}
