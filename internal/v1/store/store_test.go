package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService([]string{mr.Addr()}, "", WithPrefix("test:"))
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.True(t, svc.Enabled())
	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestNewService_RequiresAddrs(t *testing.T) {
	_, err := NewService(nil, "")
	assert.Error(t, err)
}

func TestNilService_SingleInstanceMode(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.False(t, svc.Enabled())
	assert.Nil(t, svc.Client())

	assert.NoError(t, svc.Set(ctx, "k", []byte("v"), 0))

	_, found, err := svc.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)

	// Exclusive claims always succeed when there is no cluster to race.
	ok, err := svc.SetNX(ctx, "seat", "me", time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, svc.SAdd(ctx, "s", "m"))
	members, err := svc.SMembers(ctx, "s")
	assert.NoError(t, err)
	assert.Empty(t, members)

	all, err := svc.HGetAll(ctx, "h")
	assert.NoError(t, err)
	assert.Empty(t, all)

	assert.NoError(t, svc.Publish(ctx, "system:events", []byte("{}")))
	assert.Nil(t, svc.Subscribe(ctx, "system:events"))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())

	// Must not launch anything.
	svc.StartHealthLoop(ctx, time.Second)
}

func TestSetGet(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	err := svc.Set(ctx, "greeting", []byte("hello"), time.Hour)
	require.NoError(t, err)

	val, found, err := svc.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)

	// Keys are namespaced under the prefix.
	raw, err := mr.Get("test:greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", raw)
	assert.Greater(t, mr.TTL("test:greeting"), time.Duration(0))
}

func TestGet_Missing(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	_, found, err := svc.Get(context.Background(), "nope")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestSetNX(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	ok, err := svc.SetNX(ctx, "seat", "server-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses.
	ok, err = svc.SetNX(ctx, "seat", "server-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Del(ctx, "seat"))

	ok, err = svc.SetNX(ctx, "seat", "server-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type snapshotFixture struct {
	RoomID  string   `json:"roomId"`
	Viewers []string `json:"viewers"`
	Note    string   `json:"note"`
}

func TestJSON_SmallValueStaysPlain(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	in := snapshotFixture{RoomID: "r1", Viewers: []string{"a", "b"}}

	require.NoError(t, svc.SetJSON(ctx, "snap", in, time.Hour))

	raw, err := mr.Get("test:snap")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "{"))

	var out snapshotFixture
	found, err := svc.GetJSON(ctx, "snap", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestJSON_LargeValueCompressed(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	in := snapshotFixture{RoomID: "r1", Note: strings.Repeat("the quick brown fox ", 400)}

	require.NoError(t, svc.SetJSON(ctx, "snap-big", in, time.Hour))

	raw, err := mr.Get("test:snap-big")
	require.NoError(t, err)
	require.Greater(t, len(raw), 2)
	assert.Equal(t, byte(0x1f), raw[0])
	assert.Equal(t, byte(0x8b), raw[1])

	var out snapshotFixture
	found, err := svc.GetJSON(ctx, "snap-big", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestGetJSON_Missing(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	var out snapshotFixture
	found, err := svc.GetJSON(context.Background(), "nope", &out)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestHashOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "servers"

	require.NoError(t, svc.HSet(ctx, key, "srv-a", "1700000000"))
	require.NoError(t, svc.HSet(ctx, key, "srv-b", "1700000001"))

	val, found, err := svc.HGet(ctx, key, "srv-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1700000000", val)

	_, found, err = svc.HGet(ctx, key, "srv-c")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := svc.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, svc.HDel(ctx, key, "srv-a"))

	all, err = svc.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "test-set"

	// Add
	err := svc.SAdd(ctx, key, "m1")
	assert.NoError(t, err)
	err = svc.SAdd(ctx, key, "m2")
	assert.NoError(t, err)

	// Check members
	members, err := svc.SMembers(ctx, key)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, members)

	// Remove
	err = svc.SRem(ctx, key, "m1")
	assert.NoError(t, err)

	members, err = svc.SMembers(ctx, key)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"m2"}, members)
}

func TestExpire(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, svc.Expire(ctx, "k", 30*time.Minute))

	assert.Equal(t, 30*time.Minute, mr.TTL("test:k"))
}

func TestPublishSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	sub := svc.Subscribe(ctx, "system:events")
	require.NotNil(t, sub)
	defer func() { _ = sub.Close() }()

	// Wait for subscription to be active
	time.Sleep(50 * time.Millisecond)

	err := svc.Publish(ctx, "system:events", []byte(`{"hello":"world"}`))
	require.NoError(t, err)

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, "system:events", msg.Channel)
	assert.Equal(t, `{"hello":"world"}`, msg.Payload)
}

func TestStoreFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	// Kill the store. Each call retries internally, so two failing writes
	// are enough consecutive failures to trip the breaker.
	mr.Close()

	assert.Error(t, svc.Set(ctx, "k", []byte("v"), 0))
	assert.Error(t, svc.Set(ctx, "k", []byte("v"), 0))

	// Breaker is open now: writes drop silently, reads degrade to misses.
	assert.NoError(t, svc.Set(ctx, "k", []byte("v"), 0))

	_, found, err := svc.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)

	members, err := svc.SMembers(ctx, "s")
	assert.NoError(t, err)
	assert.Empty(t, members)

	// Exclusive claims must never pretend to succeed.
	_, err = svc.SetNX(ctx, "seat", "me", time.Minute)
	assert.Error(t, err)
}
