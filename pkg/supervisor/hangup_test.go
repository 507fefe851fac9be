package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestHangupSourceCancelMintsFreshToken(t *testing.T) {
	h := newHangupSource()
	first := h.Token()

	select {
	case <-first.Done():
		t.Fatal("fresh token should not be done")
	default:
	}

	h.Cancel()

	select {
	case <-first.Done():
	default:
		t.Fatal("expected first token to be cancelled")
	}

	second := h.Token()
	select {
	case <-second.Done():
		t.Fatal("expected a fresh, live token after Cancel")
	default:
	}
}

func TestMergeContextCancelsWhenEitherParentCancels(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	b, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	merged, cancel := mergeContext(a, b)
	defer cancel()

	cancelA()

	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("expected merged context to be cancelled when a parent cancels")
	}
}

func TestMergeContextStopReleasesWithoutCancellingParents(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	b, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	merged, cancel := mergeContext(a, b)
	cancel()

	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("expected merged context to be done after explicit cancel")
	}
	if a.Err() != nil || b.Err() != nil {
		t.Fatal("explicit cancel must not propagate to parent contexts")
	}
}
