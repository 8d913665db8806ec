package realtime

import (
	"testing"
	"time"

	v1 "chatmate/internal/contracts/realtime/v1"
)

func testEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	now := time.Now().UTC()
	env, err := v1.New(typ, NewEnvelopeID(now), now, payload)
	if err != nil {
		t.Fatalf("v1.New: %v", err)
	}
	return env
}

func TestHub_JoinLeaveRooms(t *testing.T) {
	h := NewHub(nil, nil)
	a := NewClient("Alice", "sid-a", 8)
	b := NewClient("alice", "sid-b", 8)

	h.Join(a)
	h.Join(b)
	if got := h.UserConnections("ALICE"); got != 2 {
		t.Fatalf("user room: got %d want 2", got)
	}
	if got := h.Connections("sid-a"); got != 1 {
		t.Fatalf("session room: got %d want 1", got)
	}

	h.Leave(a)
	h.Leave(a)
	if got := h.UserConnections("alice"); got != 1 {
		t.Fatalf("user room after leave: got %d want 1", got)
	}
	if got := h.Connections("sid-a"); got != 0 {
		t.Fatalf("session room after leave: got %d want 0", got)
	}
}

func TestHub_EmitDropsWhenQueueFull(t *testing.T) {
	h := NewHub(nil, nil)
	c := NewClient("bob", "sid-1", 1)
	h.Join(c)

	env := testEnvelope(t, v1.TypeTrustChanged, v1.TrustChangedPayload{SessionID: "sid-1", Trusted: true})
	if n := h.EmitToSession("sid-1", env); n != 1 {
		t.Fatalf("first emit: got %d want 1", n)
	}

	done := make(chan int, 1)
	go func() { done <- h.EmitToUser("bob", env) }()
	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("emit into full queue: got %d want 0", n)
		}
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full queue")
	}
}

func TestHub_EmitAfterCloseIsRefused(t *testing.T) {
	h := NewHub(nil, nil)
	c := NewClient("bob", "sid-1", 8)
	h.Join(c)
	c.Close()

	env := testEnvelope(t, v1.TypeTrustChanged, v1.TrustChangedPayload{SessionID: "sid-1"})
	if n := h.EmitToSession("sid-1", env); n != 0 {
		t.Fatalf("closed client accepted %d events", n)
	}
}

func TestHub_ForcedLogoutQueuesEventThenKicks(t *testing.T) {
	h := NewHub(nil, NewMetrics(nil))
	victim := NewClient("carol", "sid-1", 8)
	other := NewClient("carol", "sid-2", 8)
	h.Join(victim)
	h.Join(other)

	h.NotifyForcedLogout("sid-1")

	select {
	case env := <-victim.Send:
		if env.Type != v1.TypeForcedLogout {
			t.Fatalf("type: got %q want %q", env.Type, v1.TypeForcedLogout)
		}
		var p v1.ForcedLogoutPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if p.SessionID != "sid-1" {
			t.Fatalf("payload session: got %q", p.SessionID)
		}
	default:
		t.Fatal("forced_logout not queued")
	}

	select {
	case <-victim.Kicked():
	default:
		t.Fatal("victim not kicked")
	}
	select {
	case <-other.Kicked():
		t.Fatal("other session kicked")
	default:
	}
	if len(other.Send) != 0 {
		t.Fatal("other session received the event")
	}

	if got := h.Connections("sid-1"); got != 0 {
		t.Fatalf("session room not emptied: %d", got)
	}
	if got := h.UserConnections("carol"); got != 1 {
		t.Fatalf("user room: got %d want 1", got)
	}

	// The writer's own Leave after a kick must not double count.
	h.Leave(victim)
}

func TestHub_AccountLogoutReachesEverySession(t *testing.T) {
	h := NewHub(nil, NewMetrics(nil))
	a := NewClient("Erin", "sid-1", 8)
	b := NewClient("erin", "sid-2", 8)
	bystander := NewClient("frank", "sid-3", 8)
	for _, c := range []*Client{a, b, bystander} {
		h.Join(c)
	}

	h.NotifyAccountLogout("ERIN")

	for _, c := range []*Client{a, b} {
		select {
		case env := <-c.Send:
			var p v1.ForcedLogoutPayload
			if err := env.Decode(&p); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if env.Type != v1.TypeForcedLogout || p.SessionID != "" || p.Username != "ERIN" {
				t.Fatalf("unexpected event for %s: %s %+v", c.SessionID, env.Type, p)
			}
		default:
			t.Fatalf("%s: forced_logout not queued", c.SessionID)
		}
		select {
		case <-c.Kicked():
		default:
			t.Fatalf("%s not kicked", c.SessionID)
		}
		if got := h.Connections(c.SessionID); got != 0 {
			t.Fatalf("%s: session room not emptied: %d", c.SessionID, got)
		}
	}

	if got := h.UserConnections("erin"); got != 0 {
		t.Fatalf("user room not emptied: %d", got)
	}
	if len(bystander.Send) != 0 || h.Connections("sid-3") != 1 {
		t.Fatal("other account affected")
	}

	h.Leave(a)
	h.Leave(b)
}

func TestHub_TrustChangedTargetsSession(t *testing.T) {
	h := NewHub(nil, nil)
	c := NewClient("dave", "sid-1", 8)
	h.Join(c)

	h.NotifyTrustChanged("sid-1", false)
	h.NotifyTrustChanged("", true)

	if len(c.Send) != 1 {
		t.Fatalf("queued: got %d want 1", len(c.Send))
	}
	env := <-c.Send
	var p v1.TrustChangedPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.SessionID != "sid-1" || p.Trusted {
		t.Fatalf("payload: %+v", p)
	}
	select {
	case <-c.Kicked():
		t.Fatal("trust change must not close the connection")
	default:
	}
}
