package utils

import (
	"testing"
	"time"
)

func TestNewBackOff(t *testing.T) {
	b := NewBackOff(time.Second, 0, 5)
	for i, expected := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 32 * time.Second} {
		if got := b.NextBackOff(); got != expected {
			t.Errorf("step %d: expected %s, got %s", i+1, expected, got)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("expected reset to base, got %s", got)
	}
}

func TestNewBackOffJitter(t *testing.T) {
	b := NewBackOff(time.Second, 0.5, 5)
	for i := 0; i < 20; i++ {
		b.Reset()
		if got := b.NextBackOff(); got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}
}
