package token

import (
	"errors"
	"strings"
	"testing"
)

func TestHasher_SHA256Fallback(t *testing.T) {
	h := NewHasher(nil)
	if h.Keyed() {
		t.Fatalf("expected unkeyed hasher")
	}

	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := h.HashHex("abc"); got != want {
		t.Fatalf("HashHex: got %s", got)
	}
}

func TestHasher_HMACDiffersByKey(t *testing.T) {
	a := NewHasher([]byte(strings.Repeat("a", 32)))
	b := NewHasher([]byte(strings.Repeat("b", 32)))

	ha, hb := a.HashHex("tok"), b.HashHex("tok")
	if len(ha) != 64 || len(hb) != 64 {
		t.Fatalf("expected 64-char digests")
	}
	if ha == hb {
		t.Fatalf("different keys must yield different digests")
	}
	if !a.Equal("tok", ha) || a.Equal("tok", hb) {
		t.Fatalf("Equal mismatch")
	}
}

func TestHasherFromEnv(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		require bool
		keyed   bool
		wantErr error
	}{
		{name: "optional missing", value: "", require: false, keyed: false},
		{name: "required missing", value: "", require: true, wantErr: ErrHMACKeyMissing},
		{name: "required short", value: "short", require: true, wantErr: ErrHMACKeyTooShort},
		{name: "optional short", value: "short", require: false, keyed: true},
		{name: "required ok", value: strings.Repeat("k", 32), require: true, keyed: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(HMACEnvKey, tc.value)

			h, err := HasherFromEnv(tc.require)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if h.Keyed() != tc.keyed {
				t.Fatalf("keyed: got %v want %v", h.Keyed(), tc.keyed)
			}
		})
	}
}
