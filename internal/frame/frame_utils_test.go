package frame

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewMessageFrame(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	data, err := NewMessageFrame("a1", "one flat white please", json.RawMessage(`{"table":"12"}`), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := ParseOutbound(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Type != MESSAGE || out.ID != "a1" || out.Message != "one flat white please" {
		t.Fatalf("unexpected frame %+v", out)
	}
	if out.Timestamp != "2026-03-01T09:30:00Z" {
		t.Fatalf("unexpected timestamp %s", out.Timestamp)
	}
	if string(out.Context) != `{"table":"12"}` {
		t.Fatalf("unexpected context %s", out.Context)
	}

	data, _ = NewMessageFrame("a2", "hi", nil, now)
	out, _ = ParseOutbound(data)
	if string(out.Context) != "{}" {
		t.Fatalf("expected empty object context, got %s", out.Context)
	}

	if _, err := NewMessageFrame("a3", "hi", json.RawMessage(`{broken`), now); err == nil {
		t.Fatal("expected invalid context error")
	}
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		input string
		typ   Type
		known bool
		fails bool
	}{
		{`{"type":"assistant","message":"Here is the menu","suggestions":["Latte","Mocha"],"timestamp":"2026-03-01T09:30:00.123456"}`, ASSISTANT, true, false},
		{`{"type":"pong","timestamp":"2026-03-01T09:30:00Z"}`, PONG, true, false},
		{`{"type":"typing","typing":true}`, TYPING, true, false},
		{`{"type":"order_update"}`, "order_update", false, false},
		{`{"message":"no type"}`, "", false, true},
		{``, "", false, true},
		{`not json`, "", false, true},
	}
	for _, tt := range tests {
		in, err := ParseInbound([]byte(tt.input))
		if tt.fails {
			if err == nil {
				t.Errorf("input=%s expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("input=%s unexpected error %v", tt.input, err)
			continue
		}
		if in.Type != tt.typ || in.Type.Known() != tt.known {
			t.Errorf("input=%s got type %s known=%v", tt.input, in.Type, in.Type.Known())
		}
		if string(in.Raw) != tt.input {
			t.Errorf("raw frame not preserved")
		}
	}

	in, _ := ParseInbound([]byte(`{"type":"assistant","suggestions":["Latte","Mocha"],"timestamp":"2026-03-01T09:30:00.123456"}`))
	if len(in.Suggestions) != 2 || in.Time().IsZero() {
		t.Fatalf("unexpected parse result %+v", in)
	}
	if _, err := ParseInbound([]byte("  ")); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}
