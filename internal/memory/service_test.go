package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/store"
)

func TestListRejectsBadCursor(t *testing.T) {
	svc := NewService(store.New(nil), nil, nil)

	_, _, err := svc.List(context.Background(), store.SystemScope(), uuid.New(), nil, "!!not-a-cursor!!", 10)
	if apperr.KindOf(err) != apperr.ValidationFailed {
		t.Fatalf("expected ValidationFailed for a bad cursor, got %v", err)
	}
}

func TestFallbackScore(t *testing.T) {
	cases := []struct {
		query, text string
		want        float64
	}{
		{"deploy", "remember to deploy on fridays", fallbackSubstringScore},
		{"DEPLOY", "remember to deploy on fridays", fallbackSubstringScore},
		{"deploy", "unrelated note about lunch", fallbackWeakScore},
		{"", "anything matches the empty query", fallbackSubstringScore},
	}
	for _, c := range cases {
		if got := FallbackScore(c.query, c.text); got != c.want {
			t.Errorf("FallbackScore(%q, %q) = %v, want %v", c.query, c.text, got, c.want)
		}
	}
}
