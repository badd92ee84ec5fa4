package gateway

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hubdesk/wagate/internal/bus"
	"github.com/hubdesk/wagate/internal/config"
	"github.com/hubdesk/wagate/internal/keystore"
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/pipeline"
	"github.com/hubdesk/wagate/internal/provider"
	"github.com/hubdesk/wagate/internal/provider/loopback"
	"github.com/hubdesk/wagate/internal/session"
	"github.com/hubdesk/wagate/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type captureConsumer struct {
	msgs chan model.MessagePayload
	acks chan model.AckEvent
}

func newCaptureConsumer() *captureConsumer {
	return &captureConsumer{
		msgs: make(chan model.MessagePayload, 16),
		acks: make(chan model.AckEvent, 16),
	}
}

func (c *captureConsumer) HandleMessage(_ context.Context, msg model.MessagePayload, _ model.ContactPayload, _ model.ContextPayload, _ *model.MediaPayload) error {
	c.msgs <- msg
	return nil
}

func (c *captureConsumer) HandleAck(_ context.Context, ack model.AckEvent) error {
	c.acks <- ack
	return nil
}

type testEnv struct {
	manager  *Manager
	db       *store.DB
	bus      *bus.Bus
	keys     *keystore.Store
	redis    *miniredis.Miniredis
	consumer *captureConsumer

	mu   sync.Mutex
	prov *loopback.Provider
}

func (e *testEnv) provider() *loopback.Provider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prov
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvTuned(t, nil)
}

func newTestEnvTuned(t *testing.T, tune func(*config.Gateway)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	db, err := store.Open(filepath.Join(dir, "wagate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	keys := keystore.New(rdb, db, "wagate:", 7*24*time.Hour, logger)

	env := &testEnv{
		db:       db,
		bus:      bus.New(),
		keys:     keys,
		redis:    mr,
		consumer: newCaptureConsumer(),
	}

	selector := provider.NewSelector(loopback.Name)
	selector.Register(loopback.Name, func(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
		p, err := loopback.New(ctx, cfg)
		if err == nil {
			env.mu.Lock()
			env.prov = p.(*loopback.Provider)
			env.mu.Unlock()
		}
		return p, err
	})

	cfg := config.Gateway{
		DefaultProvider:          loopback.Name,
		ReconnectDelaySeconds:    0,
		HandshakeTimeoutSeconds:  5,
		MaxAuthRetries:           3,
		CredentialDebounceMillis: 20,
		MessageCacheTTLMinutes:   60,
		MessageCacheSize:         128,
	}
	if tune != nil {
		tune(&cfg)
	}

	env.manager = NewManager(db, env.bus, session.NewRegistry(), selector, keys,
		session.Paths{DataDir: dir}, env.consumer, cfg, logger)
	return env
}

func waitStatus(t *testing.T, ch <-chan bus.Event, want string) model.Connection {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			conn, ok := evt.Payload.(model.Connection)
			if !ok {
				continue
			}
			if conn.Status == want {
				return conn
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func startConnected(t *testing.T, env *testEnv) int64 {
	t.Helper()
	id, err := env.manager.CreateConnection("support", loopback.Name)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	ch, unsub := env.bus.Subscribe(bus.KindConnectionStatus, 16)
	defer unsub()
	if err := env.manager.StartSession(context.Background(), id); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitStatus(t, ch, "CONNECTED")
	return id
}

func TestStartSessionPairsAndConnects(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.manager.CreateConnection("support", loopback.Name)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	ch, unsub := env.bus.Subscribe(bus.KindConnectionStatus, 16)
	defer unsub()

	if err := env.manager.StartSession(context.Background(), id); err != nil {
		t.Fatalf("start session: %v", err)
	}

	qrConn := waitStatus(t, ch, "qrcode")
	if !strings.HasPrefix(qrConn.QRCode, "data:image/png;base64,") {
		t.Fatalf("QR payload not a PNG data URL: %.40q", qrConn.QRCode)
	}

	connConn := waitStatus(t, ch, "CONNECTED")
	if connConn.QRCode != "" {
		t.Fatalf("QR payload survived authentication: %q", connConn.QRCode)
	}
	if len(connConn.Session) == 0 {
		t.Fatal("no credentials on connected record")
	}

	stored, err := env.db.GetConnection(id)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if stored.Status != "CONNECTED" {
		t.Fatalf("stored status = %q, want CONNECTED", stored.Status)
	}
	if len(stored.Session) == 0 {
		t.Fatal("credentials not flushed before CONNECTED was persisted")
	}
}

func TestResumeSkipsQRCycle(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)
	if err := env.manager.RemoveSession(context.Background(), id); err != nil {
		t.Fatalf("stop session: %v", err)
	}

	ch, unsub := env.bus.Subscribe(bus.KindConnectionStatus, 16)
	defer unsub()
	if err := env.manager.StartSession(context.Background(), id); err != nil {
		t.Fatalf("restart session: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			conn, ok := evt.Payload.(model.Connection)
			if !ok {
				continue
			}
			if conn.Status == "qrcode" {
				t.Fatal("resume with stored credentials issued a QR code")
			}
			if conn.Status == "CONNECTED" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for resume")
		}
	}
}

func TestSendRequiresLiveSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.SendMessage(context.Background(), 42, "5511999999999@s.whatsapp.net", "hi", provider.SendOptions{})
	if !errors.Is(err, provider.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestSendAndDeleteMessage(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)

	chat := "5511999999999@s.whatsapp.net"
	msg, err := env.manager.SendMessage(context.Background(), id, chat, "hello there", provider.SendOptions{})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !msg.FromMe || msg.Ack < model.AckServer {
		t.Fatalf("unexpected outbound payload: %+v", msg)
	}

	msgs, err := env.manager.ChatMessages(context.Background(), id, chat, 10)
	if err != nil {
		t.Fatalf("chat messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("chat history = %+v, want the sent message", msgs)
	}

	if err := env.manager.DeleteMessage(context.Background(), id, msg.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	msgs, _ = env.manager.ChatMessages(context.Background(), id, chat, 10)
	if len(msgs) != 0 {
		t.Fatalf("message survived deletion: %+v", msgs)
	}
}

func TestInboundMessageReachesConsumer(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)

	created, unsub := env.bus.Subscribe(bus.KindMessageCreated, 4)
	defer unsub()

	env.provider().InjectMessage(&provider.RawMessage{
		ID:          "MSG-1",
		Chat:        "5511988887777@s.whatsapp.net",
		Sender:      "5511988887777@s.whatsapp.net",
		PushName:    "Ana",
		Timestamp:   time.Now().UnixMilli(),
		ContentKind: "conversation",
		Body:        "oi",
	})

	select {
	case msg := <-env.consumer.msgs:
		if msg.ID != "MSG-1" || msg.Type != model.TypeChat || msg.FromMe {
			t.Fatalf("unexpected payload: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer never saw the message")
	}

	select {
	case evt := <-created:
		if evt.ConnectionID != id {
			t.Fatalf("bus event connection = %d, want %d", evt.ConnectionID, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message.created never published")
	}
}

func TestReceiptReachesConsumerOnce(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)

	chat := "5511988887777@s.whatsapp.net"
	msg, err := env.manager.SendMessage(context.Background(), id, chat, "ping", provider.SendOptions{})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	receipt := &provider.RawReceipt{
		Chat:       chat,
		Sender:     chat,
		MessageIDs: []string{msg.ID},
		Kind:       "read",
		Timestamp:  time.Now().UnixMilli(),
	}
	env.provider().InjectReceipt(receipt)
	env.provider().InjectReceipt(receipt)

	select {
	case ack := <-env.consumer.acks:
		if ack.MessageID != msg.ID || ack.Ack != model.AckRead {
			t.Fatalf("unexpected ack: %+v", ack)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer never saw the ack")
	}

	select {
	case ack := <-env.consumer.acks:
		t.Fatalf("duplicate receipt delivered: %+v", ack)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransientDisconnectReconnects(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)

	ch, unsub := env.bus.Subscribe(bus.KindConnectionStatus, 16)
	defer unsub()

	env.provider().InjectDisconnect("network blip")
	waitStatus(t, ch, "OPENING")
	waitStatus(t, ch, "CONNECTED")

	if _, err := env.manager.SendMessage(context.Background(), id, "5511999999999@s.whatsapp.net", "back", provider.SendOptions{}); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
}

func TestLogoutParksDisconnectedAndPurgesKeys(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)

	if err := env.keys.Set(context.Background(), id, "dev-1", "session", map[string][]byte{
		"k1": []byte("v1"),
	}); err != nil {
		t.Fatalf("seed hot key: %v", err)
	}
	if len(env.redis.Keys()) == 0 {
		t.Fatal("hot key never cached")
	}

	if err := env.manager.Logout(context.Background(), id); err != nil {
		t.Fatalf("logout: %v", err)
	}

	stored, err := env.db.GetConnection(id)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if stored.Status != "DISCONNECTED" {
		t.Fatalf("stored status = %q, want DISCONNECTED", stored.Status)
	}
	if len(stored.Session) != 0 {
		t.Fatal("credentials survived logout")
	}
	if len(env.redis.Keys()) != 0 {
		t.Fatalf("hot keys survived logout: %v", env.redis.Keys())
	}

	if _, err := env.manager.SendMessage(context.Background(), id, "x@s.whatsapp.net", "hi", provider.SendOptions{}); !errors.Is(err, provider.ErrNotInitialized) {
		t.Fatalf("err after logout = %v, want ErrNotInitialized", err)
	}
}

func TestAuthFailureThresholdForcesFreshPairing(t *testing.T) {
	env := newTestEnvTuned(t, func(cfg *config.Gateway) { cfg.MaxAuthRetries = 0 })
	id := startConnected(t, env)

	ch, unsub := env.bus.Subscribe(bus.KindConnectionStatus, 32)
	defer unsub()

	// Crossing the retry threshold wipes the stored credentials AND the
	// provider's own device state; the reconnect that follows must walk a
	// full pairing cycle instead of resuming the failing registration.
	env.provider().InjectAuthFailure("bad credentials")

	qrConn := waitStatus(t, ch, "qrcode")
	if !strings.HasPrefix(qrConn.QRCode, "data:image/png;base64,") {
		t.Fatalf("QR payload not a PNG data URL: %.40q", qrConn.QRCode)
	}
	waitStatus(t, ch, "CONNECTED")

	stored, err := env.db.GetConnection(id)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if len(stored.Session) == 0 {
		t.Fatal("no credentials after re-pairing")
	}
}

func TestCredentialsMirroredToKeyStore(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)
	ctx := context.Background()

	hot, err := env.keys.Get(ctx, id, credentialDevice, keystore.TypeSession, []string{credentialKeyID})
	if err != nil {
		t.Fatalf("get hot credentials: %v", err)
	}
	if len(hot[credentialKeyID]) == 0 {
		t.Fatal("credential blob never cached")
	}
	durable, err := env.keys.Get(ctx, id, credentialDevice, keystore.TypeIdentity, []string{credentialKeyID})
	if err != nil {
		t.Fatalf("get identity record: %v", err)
	}
	if len(durable[credentialKeyID]) == 0 {
		t.Fatal("identity record never persisted")
	}

	if err := env.manager.Logout(ctx, id); err != nil {
		t.Fatalf("logout: %v", err)
	}

	// The registration ended; neither copy may outlive it.
	hot, err = env.keys.Get(ctx, id, credentialDevice, keystore.TypeSession, []string{credentialKeyID})
	if err != nil {
		t.Fatalf("get hot credentials after logout: %v", err)
	}
	if len(hot) != 0 {
		t.Fatalf("hot credentials survived logout: %v", hot)
	}
	durable, err = env.keys.Get(ctx, id, credentialDevice, keystore.TypeIdentity, []string{credentialKeyID})
	if err != nil {
		t.Fatalf("get identity record after logout: %v", err)
	}
	if len(durable) != 0 {
		t.Fatalf("identity record survived logout: %v", durable)
	}
}

func TestAuthFailureDurablyStoresLatestCredentials(t *testing.T) {
	env := newTestEnvTuned(t, func(cfg *config.Gateway) {
		cfg.CredentialDebounceMillis = 60000
		cfg.ReconnectDelaySeconds = 30
	})
	id := startConnected(t, env)

	blob := []byte(`{"rotated":true}`)
	env.provider().InjectCredentials(blob)
	env.provider().InjectAuthFailure("transient auth blip")

	// The debounce window is far longer than this wait and the reconnect
	// has not run yet; the rotated blob must be durable regardless.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := env.db.GetConnection(id)
		if err != nil {
			t.Fatalf("get connection: %v", err)
		}
		if bytes.Equal(stored.Session, blob) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored session = %q, want rotated blob", stored.Session)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartSessionReplacesLiveHandle(t *testing.T) {
	env := newTestEnv(t)
	id := startConnected(t, env)
	first := env.provider()

	ch, unsub := env.bus.Subscribe(bus.KindConnectionStatus, 16)
	defer unsub()
	if err := env.manager.StartSession(context.Background(), id); err != nil {
		t.Fatalf("restart session: %v", err)
	}
	waitStatus(t, ch, "CONNECTED")

	if env.provider() == first {
		t.Fatal("restart kept the old provider instance")
	}
	if _, err := first.SendMessage(context.Background(), "x@s.whatsapp.net", "hi", provider.SendOptions{}); !errors.Is(err, provider.ErrNotInitialized) {
		t.Fatalf("old provider still usable: %v", err)
	}
}

var _ pipeline.Consumer = (*captureConsumer)(nil)
