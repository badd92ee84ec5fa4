package keystore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hubdesk/wagate/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeDurable struct {
	keys map[string][]byte
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{keys: make(map[string][]byte)}
}

func durableKey(connectionID int64, deviceID, keyType, keyID string) string {
	return fmt.Sprintf("%d/%s/%s/%s", connectionID, deviceID, keyType, keyID)
}

func (f *fakeDurable) UpsertDeviceKey(k store.DeviceKey) error {
	f.keys[durableKey(k.ConnectionID, k.DeviceID, k.Type, k.KeyID)] = k.Value
	return nil
}

func (f *fakeDurable) GetDeviceKeys(connectionID int64, deviceID, keyType string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, id := range ids {
		if v, ok := f.keys[durableKey(connectionID, deviceID, keyType, id)]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeDurable) DeleteDeviceKeys(connectionID int64) error {
	prefix := fmt.Sprintf("%d/", connectionID)
	for k := range f.keys {
		if strings.HasPrefix(k, prefix) {
			delete(f.keys, k)
		}
	}
	return nil
}

func testStore(t *testing.T) (*Store, *miniredis.Miniredis, *fakeDurable) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	durable := newFakeDurable()
	return New(rdb, durable, "wagate:", 7*24*time.Hour, zap.NewNop()), mr, durable
}

func TestDurableRoundTrip(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	err := s.Set(ctx, 1, "d1", "identity-key", map[string][]byte{"k1": []byte("V")})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, 1, "d1", "identity-key", []string{"k1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got["k1"], []byte("V")) {
		t.Errorf("got %v, want k1=V", got)
	}
}

func TestGetMissingIDReturnsEmptyMapping(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	for _, typ := range []string{"identity-key", TypeSession} {
		got, err := s.Get(ctx, 1, "d1", typ, []string{"never-written"})
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if len(got) != 0 {
			t.Errorf("%s: got %v, want empty", typ, got)
		}
	}
}

func TestHotTypeGoesToCacheOnly(t *testing.T) {
	s, mr, durable := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "d1", TypeSession, map[string][]byte{"s1": []byte("hot")}); err != nil {
		t.Fatal(err)
	}

	if len(durable.keys) != 0 {
		t.Error("hot key leaked into the durable store")
	}
	if !mr.Exists("wagate:key:1:d1:session:s1") {
		t.Error("hot key missing from cache")
	}

	got, err := s.Get(ctx, 1, "d1", TypeSession, []string{"s1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got["s1"], []byte("hot")) {
		t.Errorf("got %v", got)
	}
}

func TestHotTypeExpires(t *testing.T) {
	s, mr, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "d1", TypeSenderKey, map[string][]byte{"g1": []byte("v")}); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(7*24*time.Hour + time.Second)

	got, err := s.Get(ctx, 1, "d1", TypeSenderKey, []string{"g1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %v after TTL, want empty", got)
	}
}

func TestPurgeConnection(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "d1", TypeSession, map[string][]byte{"s1": []byte("a"), "s2": []byte("b")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, 2, "d1", TypeSession, map[string][]byte{"s1": []byte("c")}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeConnection(ctx, 1); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, 1, "d1", TypeSession, []string{"s1", "s2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("connection 1 hot keys survived purge: %v", got)
	}

	other, err := s.Get(ctx, 2, "d1", TypeSession, []string{"s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Error("connection 2 keys were purged")
	}
}

func TestPurgeAllClearsBothTiers(t *testing.T) {
	s, mr, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, 1, "d1", TypeSession, map[string][]byte{"k1": []byte("hot")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, 1, "d1", TypeIdentity, map[string][]byte{"k1": []byte("cold")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, 2, "d1", TypeIdentity, map[string][]byte{"k1": []byte("other")}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeAll(ctx, 1); err != nil {
		t.Fatal(err)
	}

	if got := mr.Keys(); len(got) != 0 {
		t.Errorf("hot keys survived purge: %v", got)
	}
	cold, err := s.Get(ctx, 1, "d1", TypeIdentity, []string{"k1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cold) != 0 {
		t.Errorf("durable keys survived purge: %v", cold)
	}
	other, err := s.Get(ctx, 2, "d1", TypeIdentity, []string{"k1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(other["k1"], []byte("other")) {
		t.Error("purge crossed connection boundaries")
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	var writes [][]byte
	d := NewDebouncer(time.Hour, func(_ context.Context, session []byte) error {
		writes = append(writes, session)
		return nil
	}, zap.NewNop())

	for i := 0; i < 5; i++ {
		d.Update([]byte{byte('a' + i)})
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	if !bytes.Equal(writes[0], []byte("e")) {
		t.Errorf("persisted %q, want last value %q", writes[0], "e")
	}
}

func TestDebounceFiresAfterDelay(t *testing.T) {
	done := make(chan []byte, 1)
	d := NewDebouncer(10*time.Millisecond, func(_ context.Context, session []byte) error {
		done <- session
		return nil
	}, zap.NewNop())

	d.Update([]byte("creds"))

	select {
	case got := <-done:
		if !bytes.Equal(got, []byte("creds")) {
			t.Errorf("wrote %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("debounced write never fired")
	}
}

func TestFlushWithNothingPending(t *testing.T) {
	calls := 0
	d := NewDebouncer(time.Hour, func(_ context.Context, _ []byte) error {
		calls++
		return nil
	}, zap.NewNop())

	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("flush wrote %d times with nothing pending", calls)
	}
}

func TestCancelDropsPending(t *testing.T) {
	calls := 0
	d := NewDebouncer(time.Hour, func(_ context.Context, _ []byte) error {
		calls++
		return nil
	}, zap.NewNop())

	d.Update([]byte("creds"))
	d.Cancel()
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("cancelled value was written %d times", calls)
	}
}
