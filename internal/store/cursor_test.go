package store

import (
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
)

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{Ms: 1724500000123, UID: uuid.New()}
	s := EncodeCursor(in)
	if s == "" {
		t.Fatal("non-zero cursor encoded to empty string")
	}
	out, ok := DecodeCursor(s)
	if !ok {
		t.Fatalf("decode failed for %q", s)
	}
	if out != in {
		t.Errorf("round trip %+v != %+v", out, in)
	}
}

func TestCursorZero(t *testing.T) {
	if got := EncodeCursor(Cursor{}); got != "" {
		t.Errorf("zero cursor encoded to %q, want empty", got)
	}
	if _, ok := DecodeCursor(""); ok {
		t.Error("empty string decoded as valid cursor")
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	cases := []string{
		"!!not-base64!!",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|" + uuid.NewString())),
		base64.RawURLEncoding.EncodeToString([]byte("123|not-a-uuid")),
		base64.RawURLEncoding.EncodeToString([]byte("1|2|3")),
	}
	for _, s := range cases {
		if _, ok := DecodeCursor(s); ok {
			t.Errorf("DecodeCursor(%q) accepted invalid input", s)
		}
	}
}
