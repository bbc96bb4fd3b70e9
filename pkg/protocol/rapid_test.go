package protocol

import (
	"bytes"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// TestMessageRoundTrip tests that any string can be encoded and decoded
func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		headerWidth := rapid.IntRange(8, 64).Draw(t, "headerWidth")
		codec := NewCodec(headerWidth, 64*1024)

		original := rapid.String().Draw(t, "msg")

		var buf bytes.Buffer
		if err := codec.WriteMessage(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := codec.ReadMessage(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded != original {
			t.Fatalf("message mismatch: got %q, want %q", decoded, original)
		}
		if buf.Len() != 0 {
			t.Fatalf("decoder left %d unread bytes", buf.Len())
		}
	})
}

// TestMessageSequenceRoundTrip tests that back-to-back messages stay delimited
func TestMessageSequenceRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		codec := DefaultCodec()
		msgs := rapid.SliceOfN(rapid.String(), 1, 20).Draw(t, "msgs")

		var buf bytes.Buffer
		for _, m := range msgs {
			if err := codec.WriteMessage(&buf, m); err != nil {
				t.Fatalf("encode failed: %v", err)
			}
		}

		for i, want := range msgs {
			got, err := codec.ReadMessage(&buf)
			if err != nil {
				t.Fatalf("decode %d failed: %v", i, err)
			}
			if got != want {
				t.Fatalf("message %d mismatch: got %q, want %q", i, got, want)
			}
		}
	})
}

// TestParseCommandNeverPanics tests that arbitrary payloads always yield a kind
func TestParseCommandNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.String().Draw(t, "payload")
		cmd := ParseCommand(payload)

		if !strings.Contains(payload, Separator) {
			switch cmd.Kind {
			case CommandBeat, CommandDisconnect, CommandAuth, CommandMalformed:
			default:
				t.Fatalf("payload %q without separator parsed as %s", payload, cmd.Kind)
			}
		}
	})
}

// TestLoginPinRoundTrip tests that login pushes decode to their inputs
func TestLoginPinRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		uuid := rapid.StringMatching(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`).Draw(t, "uuid")
		pin := rapid.StringMatching(`[0-9]{4,8}`).Draw(t, "pin")

		gotUUID, gotPin, ok := ParseLoginPin(LoginPinMessage(uuid, pin))
		if !ok || gotUUID != uuid || gotPin != pin {
			t.Fatalf("round trip failed: ok=%v uuid=%q pin=%q", ok, gotUUID, gotPin)
		}
	})
}
