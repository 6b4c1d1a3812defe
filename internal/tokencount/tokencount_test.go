package tokencount

import "testing"

func TestCount_EmptyTextIsZero(t *testing.T) {
	if got := Count(""); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestCount_NonEmptyTextIsPositive(t *testing.T) {
	if got := Count("the quick brown fox jumps over the lazy dog"); got <= 0 {
		t.Fatalf("expected a positive token count, got %d", got)
	}
}

func TestCountForModel_PicksEncodingByPrefix(t *testing.T) {
	text := "count these tokens please"
	if got := CountForModel("gpt-4o-2024-08-06", text); got <= 0 {
		t.Fatalf("expected a positive token count, got %d", got)
	}
	if got := CountForModel("unknown-model-xyz", text); got <= 0 {
		t.Fatalf("expected a positive token count for unknown model fallback, got %d", got)
	}
}
