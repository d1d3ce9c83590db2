package relay

import (
	"encoding/json"
	"testing"
)

func feedAll(t *testing.T, chunks ...string) []string {
	t.Helper()
	s := &ObjectSplitter{}
	var out []string
	for _, chunk := range chunks {
		for _, obj := range s.Feed([]byte(chunk)) {
			out = append(out, string(obj))
		}
	}
	return out
}

func TestObjectSplitterConcatenated(t *testing.T) {
	got := feedAll(t, `{"event":"token","data":"a"}{"event":"token","data":"b"}`)
	want := []string{`{"event":"token","data":"a"}`, `{"event":"token","data":"b"}`}
	if len(got) != len(want) {
		t.Fatalf("got %d objects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestObjectSplitterFramingAgnostic(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"newline separated", "{\"a\":1}\n{\"b\":2}\n", 2},
		{"whitespace separated", `  {"a":1}   {"b":2}  `, 2},
		{"sse framing discarded", "data: {\"a\":1}\n\ndata: {\"b\":2}\n\n", 2},
		{"single object", `{"a":1}`, 1},
		{"empty input", "", 0},
		{"garbage only", "hello world", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(t, tt.input)
			if len(got) != tt.want {
				t.Errorf("got %d objects, want %d: %v", len(got), tt.want, got)
			}
		})
	}
}

func TestObjectSplitterNestedAndStrings(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"nested objects", `{"a":{"b":{"c":1}}}`},
		{"brace in string", `{"text":"closing } brace"}`},
		{"open brace in string", `{"text":"open { brace"}`},
		{"escaped quote", `{"text":"say \"}{\" twice"}`},
		{"escaped backslash before quote", `{"text":"trailing \\"}`},
		{"unicode escape", `{"text":"{}"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(t, tt.input)
			if len(got) != 1 {
				t.Fatalf("got %d objects, want 1: %v", len(got), got)
			}
			if got[0] != tt.input {
				t.Errorf("got %q, want %q", got[0], tt.input)
			}
			if !json.Valid([]byte(got[0])) {
				t.Errorf("emitted object is not valid JSON: %q", got[0])
			}
		})
	}
}

func TestObjectSplitterArbitraryChunkBoundaries(t *testing.T) {
	stream := `{"event":"token","data":"hel}{lo"}{"event":"metadata","data":{"chatId":"x"}}{"event":"token","data":"\""}`
	want := feedAll(t, stream)
	if len(want) != 3 {
		t.Fatalf("baseline split produced %d objects, want 3", len(want))
	}

	// Every possible split point must produce the identical object
	// sequence.
	for cut := 1; cut < len(stream); cut++ {
		got := feedAll(t, stream[:cut], stream[cut:])
		if len(got) != len(want) {
			t.Fatalf("cut at %d: got %d objects, want %d", cut, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("cut at %d: object %d = %q, want %q", cut, i, got[i], want[i])
			}
		}
	}
}

func TestObjectSplitterPending(t *testing.T) {
	s := &ObjectSplitter{}
	s.Feed([]byte(`{"event":"token","da`))
	if !s.Pending() {
		t.Error("expected pending after partial object")
	}
	s.Feed([]byte(`ta":"x"}`))
	if s.Pending() {
		t.Error("expected no pending after object completed")
	}
}

func TestParseEvent(t *testing.T) {
	ev, ok := parseEvent([]byte(`{"event":"token","data":"hi"}`))
	if !ok {
		t.Fatal("expected valid event")
	}
	if !ev.IsToken() {
		t.Error("expected token event")
	}
	if ev.TokenText() != "hi" {
		t.Errorf("TokenText() = %q, want %q", ev.TokenText(), "hi")
	}

	if _, ok := parseEvent([]byte(`{"event":}`)); ok {
		t.Error("expected invalid JSON to be rejected")
	}
}

func TestSyntheticEvent(t *testing.T) {
	ev := syntheticEvent("session_id", "abc-123")
	if ev.Event != "session_id" {
		t.Errorf("Event = %q", ev.Event)
	}

	var decoded struct {
		Event string `json:"event"`
		Data  string `json:"data"`
	}
	if err := json.Unmarshal(ev.Raw, &decoded); err != nil {
		t.Fatalf("raw is not valid JSON: %v", err)
	}
	if decoded.Event != "session_id" || decoded.Data != "abc-123" {
		t.Errorf("decoded = %+v", decoded)
	}
}
