package identity

import "testing"

func TestLoginHistory_AppendEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	h := NewLoginHistory(3, nil)
	for _, id := range []string{"a", "b", "c"} {
		if ev := h.Append(LoginRecord{SessionID: id, Active: true}); ev != nil {
			t.Fatalf("unexpected eviction at %q: %+v", id, ev)
		}
	}

	ev := h.Append(LoginRecord{SessionID: "d", Active: true})
	if len(ev) != 1 || ev[0].SessionID != "a" {
		t.Fatalf("expected %q evicted, got %+v", "a", ev)
	}
	if h.Len() != 3 {
		t.Fatalf("len: got %d want 3", h.Len())
	}
	if h.Index("a") != -1 || h.Index("d") != 2 {
		t.Fatalf("unexpected order: %+v", h.Entries())
	}
}

func TestLoginHistory_NewKeepsNewest(t *testing.T) {
	t.Parallel()

	in := []LoginRecord{{SessionID: "1"}, {SessionID: "2"}, {SessionID: "3"}}
	h := NewLoginHistory(2, in)

	got := h.Entries()
	if len(got) != 2 || got[0].SessionID != "2" || got[1].SessionID != "3" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestLoginHistory_ZeroValueUsesDefaultCapacity(t *testing.T) {
	t.Parallel()

	var h LoginHistory
	if h.Capacity() != DefaultLoginCapacity {
		t.Fatalf("capacity: got %d", h.Capacity())
	}
	for i := 0; i < DefaultLoginCapacity; i++ {
		if ev := h.Append(LoginRecord{SessionID: string(rune('a' + i))}); ev != nil {
			t.Fatalf("unexpected eviction at %d", i)
		}
	}
	if ev := h.Append(LoginRecord{SessionID: "z"}); len(ev) != 1 {
		t.Fatalf("expected one eviction, got %d", len(ev))
	}
}

func TestLoginHistory_EntriesIsACopy(t *testing.T) {
	t.Parallel()

	h := NewLoginHistory(2, []LoginRecord{{SessionID: "x", Active: true}})
	e := h.Entries()
	e[0].Active = false

	if !h.At(0).Active {
		t.Fatalf("Entries must not alias internal storage")
	}
}

func TestLoginHistory_Lookups(t *testing.T) {
	t.Parallel()

	h := NewLoginHistory(5, []LoginRecord{
		{SessionID: "s1", Active: false, RefreshTokenHash: ""},
		{SessionID: "s2", Active: true, RefreshTokenHash: "h2"},
		{SessionID: "s3", Active: true, RefreshTokenHash: "h3"},
	})

	if got := h.IndexByRefreshHash("h3"); got != 2 {
		t.Fatalf("IndexByRefreshHash: got %d", got)
	}
	if got := h.IndexByRefreshHash(""); got != -1 {
		t.Fatalf("empty hash must not match, got %d", got)
	}
	if got := h.At(10); got != nil {
		t.Fatalf("At out of range: got %+v", got)
	}

	ids := h.ActiveSessionIDs()
	if len(ids) != 2 || ids[0] != "s2" || ids[1] != "s3" {
		t.Fatalf("ActiveSessionIDs: %v", ids)
	}
}
