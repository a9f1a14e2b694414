package session

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"avatarhub/internal/protocol"
	"avatarhub/internal/registry"
	"avatarhub/internal/topic"
)

type testEnv struct {
	registry *registry.Registry
	topics   *topic.Registry
	sessions *Map
	handler  *Handler
	baseURL  string
}

func startTestServer(t *testing.T) *testEnv {
	t.Helper()

	log := zerolog.Nop()
	env := &testEnv{
		registry: registry.New(0, log),
		topics:   topic.NewRegistry(log),
		sessions: NewMap(log),
	}
	env.handler = NewHandler(env.registry, env.topics, env.sessions, log)
	env.handler.BanGrace = 10 * time.Millisecond

	e := echo.New()
	env.handler.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	env.baseURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return env
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func registerUser(t *testing.T, env *testEnv, nickname, token string, id uuid.UUID) {
	t.Helper()
	err := env.registry.Insert(id, token, registry.UserInfo{Nickname: nickname, Rank: "default"})
	if err != nil {
		t.Fatalf("register %s: %v", nickname, err)
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	writeBinary(t, conn, (&protocol.C2SToken{Token: token}).Encode())
	frame := readBinary(t, conn)
	if !bytes.Equal(frame, []byte{0x00}) {
		t.Fatalf("expected Auth frame, got %x", frame)
	}
}

func writeBinary(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got type %d", mt)
	}
	return data
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUnknownTokenRequestsReauth(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	conn := dialWS(t, env)

	writeBinary(t, conn, (&protocol.C2SToken{Token: "bogus"}).Encode())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != CloseReauth || closeErr.Text != "Re-auth" {
		t.Fatalf("expected close 4000 Re-auth, got %d %q", closeErr.Code, closeErr.Text)
	}
	if env.sessions.Len() != 0 {
		t.Fatalf("no session map entry expected, got %d", env.sessions.Len())
	}
}

func TestAuthenticateAndRegisterSession(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	registerUser(t, env, "alice", "tok-alice", id)

	conn := dialWS(t, env)
	authenticate(t, conn, "tok-alice")

	waitFor(t, "session map entry", func() bool { return env.sessions.Len() == 1 })
	if _, ok := env.topics.Get(id); !ok {
		t.Fatal("expected topic created on auth")
	}
}

func TestPingFanOut(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idB := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	registerUser(t, env, "alice", "tok-a", idA)
	registerUser(t, env, "bob", "tok-b", idB)

	connA := dialWS(t, env)
	authenticate(t, connA, "tok-a")
	connB := dialWS(t, env)
	authenticate(t, connB, "tok-b")

	writeBinary(t, connB, (&protocol.C2SSub{Target: idA}).Encode())
	waitFor(t, "subscription", func() bool {
		top, ok := env.topics.Get(idA)
		return ok && top.SubscriberCount() == 1
	})

	writeBinary(t, connA, []byte{0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0xDE, 0xAD})

	want := append([]byte{0x01}, idA[:]...)
	want = append(want, 0x00, 0x00, 0x00, 0x05, 0x01, 0xDE, 0xAD)
	got := readBinary(t, connB)
	if !bytes.Equal(got, want) {
		t.Fatalf("fan-out frame mismatch:\n got %x\nwant %x", got, want)
	}
	if len(got) != 24 {
		t.Fatalf("expected 24-byte frame, got %d", len(got))
	}
}

func TestSelfSubIgnored(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	registerUser(t, env, "alice", "tok-a", id)

	conn := dialWS(t, env)
	authenticate(t, conn, "tok-a")

	writeBinary(t, conn, (&protocol.C2SSub{Target: id}).Encode())
	writeBinary(t, conn, (&protocol.C2SUnsub{Target: id}).Encode())

	// A ping afterwards still works, proving the connection survived and no
	// self-subscription echoes frames back.
	writeBinary(t, conn, (&protocol.C2SPing{ID: 1, Sync: false, Data: []byte{0xAA}}).Encode())

	waitFor(t, "topic", func() bool { _, ok := env.topics.Get(id); return ok })
	top, _ := env.topics.Get(id)
	if n := top.SubscriberCount(); n != 0 {
		t.Fatalf("self-sub created %d subscriptions", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, frame, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected echoed frame %x", frame)
	}
}

func TestUnsubUnknownTargetIsNoOp(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	registerUser(t, env, "alice", "tok-a", id)

	conn := dialWS(t, env)
	authenticate(t, conn, "tok-a")

	writeBinary(t, conn, (&protocol.C2SUnsub{Target: uuid.New()}).Encode())

	// The connection must stay usable.
	writeBinary(t, conn, (&protocol.C2SPing{ID: 1, Sync: true, Data: nil}).Encode())
	waitFor(t, "session still registered", func() bool { return env.sessions.Len() == 1 })
}

func TestBanMidSession(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	registerUser(t, env, "alice", "tok-a", id)

	conn := dialWS(t, env)
	authenticate(t, conn, "tok-a")

	env.registry.SetBanned(id, true)
	writeBinary(t, conn, (&protocol.C2SPing{ID: 1, Sync: false, Data: nil}).Encode())

	frame := readBinary(t, conn)
	toast, err := protocol.DecodeS2C(frame)
	if err != nil {
		t.Fatalf("decode toast: %v", err)
	}
	got, ok := toast.(*protocol.S2CToast)
	if !ok {
		t.Fatalf("expected toast, got %T", toast)
	}
	if got.Severity != protocol.ToastError || got.Header != "You're banned!" {
		t.Fatalf("unexpected toast: %+v", got)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != CloseBanned {
		t.Fatalf("expected close 4001, got %d", closeErr.Code)
	}
}

func TestPreAuthFramesIgnored(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	registerUser(t, env, "alice", "tok-a", id)

	conn := dialWS(t, env)

	// Pings, subs and garbage before auth are dropped without closing the
	// connection.
	writeBinary(t, conn, (&protocol.C2SPing{ID: 1, Sync: false, Data: []byte{1}}).Encode())
	writeBinary(t, conn, (&protocol.C2SSub{Target: id}).Encode())
	writeBinary(t, conn, []byte{0xFF, 0x01})

	authenticate(t, conn, "tok-a")
}

func TestDisconnectEvictsRegistry(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	registerUser(t, env, "alice", "tok-a", id)

	conn := dialWS(t, env)
	authenticate(t, conn, "tok-a")
	waitFor(t, "session map entry", func() bool { return env.sessions.Len() == 1 })

	_ = conn.Close()

	waitFor(t, "registry eviction", func() bool {
		_, ok := env.registry.Get("tok-a")
		return !ok && env.sessions.Len() == 0
	})
	if _, ok := env.topics.Get(id); !ok {
		t.Fatal("topic should outlive the session")
	}
}

func TestTakeoverKeepsNewestSession(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	// Session 1 authenticates with the first token.
	registerUser(t, env, "alice", "tok-1", id)
	conn1 := dialWS(t, env)
	authenticate(t, conn1, "tok-1")

	// A re-run of the handshake replaces the registry record and, once the
	// new websocket authenticates, the session map entry.
	env.registry.Remove(id)
	registerUser(t, env, "alice", "tok-2", id)
	conn2 := dialWS(t, env)
	authenticate(t, conn2, "tok-2")

	if _, ok := env.registry.Get("tok-1"); ok {
		t.Fatal("old token still resolvable")
	}
	info, ok := env.registry.GetByUUID(id)
	if !ok || info.Token != "tok-2" {
		t.Fatalf("expected latest token bound, got %+v ok=%v", info, ok)
	}

	// Session 1 tearing down must not evict session 2's state.
	_ = conn1.Close()
	time.Sleep(50 * time.Millisecond)
	if env.sessions.Len() != 1 {
		t.Fatalf("expected surviving session, got %d", env.sessions.Len())
	}
	if _, ok := env.registry.Get("tok-2"); !ok {
		t.Fatal("new registry record evicted by old session teardown")
	}
}

func TestNotifierDeliversEvent(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idB := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	registerUser(t, env, "alice", "tok-a", idA)
	registerUser(t, env, "bob", "tok-b", idB)

	connA := dialWS(t, env)
	authenticate(t, connA, "tok-a")
	connB := dialWS(t, env)
	authenticate(t, connB, "tok-b")

	writeBinary(t, connB, (&protocol.C2SSub{Target: idA}).Encode())
	waitFor(t, "subscription", func() bool {
		top, ok := env.topics.Get(idA)
		return ok && top.SubscriberCount() == 1
	})

	notifier := NewNotifier(env.sessions, env.topics, zerolog.Nop())
	notifier.SendEvent(idA)

	want := append([]byte{0x02}, idA[:]...)
	if got := readBinary(t, connA); !bytes.Equal(got, want) {
		t.Fatalf("owner event mismatch: got %x want %x", got, want)
	}
	if got := readBinary(t, connB); !bytes.Equal(got, want) {
		t.Fatalf("subscriber event mismatch: got %x want %x", got, want)
	}
}

func TestNotifierOwnerOnlySkipsSubscribers(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idB := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	registerUser(t, env, "alice", "tok-a", idA)
	registerUser(t, env, "bob", "tok-b", idB)

	connA := dialWS(t, env)
	authenticate(t, connA, "tok-a")
	connB := dialWS(t, env)
	authenticate(t, connB, "tok-b")

	writeBinary(t, connB, (&protocol.C2SSub{Target: idA}).Encode())
	waitFor(t, "subscription", func() bool {
		top, ok := env.topics.Get(idA)
		return ok && top.SubscriberCount() == 1
	})

	notifier := NewNotifier(env.sessions, env.topics, zerolog.Nop())
	notifier.SendEventToOwner(idA)

	want := append([]byte{0x02}, idA[:]...)
	if got := readBinary(t, connA); !bytes.Equal(got, want) {
		t.Fatalf("owner event mismatch: got %x want %x", got, want)
	}

	// The subscriber must not see the owner-only event.
	_ = connB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, frame, err := connB.ReadMessage(); err == nil {
		t.Fatalf("subscriber received owner-only event: %x", frame)
	}
}

func TestDuplicateSubReplacesRelay(t *testing.T) {
	t.Parallel()

	env := startTestServer(t)
	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idB := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	registerUser(t, env, "alice", "tok-a", idA)
	registerUser(t, env, "bob", "tok-b", idB)

	connA := dialWS(t, env)
	authenticate(t, connA, "tok-a")
	connB := dialWS(t, env)
	authenticate(t, connB, "tok-b")

	writeBinary(t, connB, (&protocol.C2SSub{Target: idA}).Encode())
	writeBinary(t, connB, (&protocol.C2SSub{Target: idA}).Encode())
	waitFor(t, "single subscription", func() bool {
		top, ok := env.topics.Get(idA)
		return ok && top.SubscriberCount() == 1
	})

	// One ping, exactly one delivery.
	writeBinary(t, connA, (&protocol.C2SPing{ID: 7, Sync: false, Data: []byte{0x01}}).Encode())
	first := readBinary(t, connB)
	if first[0] != 0x01 {
		t.Fatalf("expected ping frame, got %x", first)
	}
	_ = connB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, dup, err := connB.ReadMessage(); err == nil {
		t.Fatalf("duplicate delivery: %x", dup)
	}
}
