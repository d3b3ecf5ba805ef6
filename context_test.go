package idempotency

import (
	"context"
	"testing"
)

func TestContext(t *testing.T) {
	have := "b2ab44c6-ed51-4453-ab00-90779453f2b3"
	ctx := context.Background()

	withKey := NewContext(ctx, have)

	got, ok := FromContext(withKey)
	if !ok {
		t.Errorf("want ok = true, got false")
	}

	if got != have {
		t.Errorf("want idempotency key = %v, got %v", have, got)
	}
}

func TestCorrelationContext(t *testing.T) {
	have := "6f6c8b6e-6c9a-4e8e-9f1e-2e6b9f9e0a3a"
	ctx := context.Background()

	withID := NewCorrelationContext(ctx, have)

	got, ok := CorrelationFromContext(withID)
	if !ok {
		t.Errorf("want ok = true, got false")
	}

	if got != have {
		t.Errorf("want correlation id = %v, got %v", have, got)
	}
}

func TestContextMissing(t *testing.T) {
	ctx := context.Background()

	if _, ok := FromContext(ctx); ok {
		t.Errorf("want ok = false for empty context")
	}

	if _, ok := CorrelationFromContext(ctx); ok {
		t.Errorf("want ok = false for empty context")
	}
}
