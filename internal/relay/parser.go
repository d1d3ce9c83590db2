package relay

import "encoding/json"

// ObjectSplitter cuts a byte stream of concatenated JSON objects into
// complete objects. It is framing-agnostic: objects may arrive separated by
// whitespace, newlines or nothing at all ("}{"), and chunk boundaries may
// fall anywhere, including inside string escapes. Bytes outside an object
// are discarded.
type ObjectSplitter struct {
	current  []byte
	depth    int
	inString bool
	escaped  bool
}

// Feed consumes one chunk and returns every object completed by it, in
// order. Returned slices are copies; the caller may retain them.
func (s *ObjectSplitter) Feed(chunk []byte) [][]byte {
	var out [][]byte
	for _, b := range chunk {
		if s.depth == 0 {
			if b == '{' {
				s.current = append(s.current[:0], b)
				s.depth = 1
			}
			continue
		}

		s.current = append(s.current, b)

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case b == '\\':
				s.escaped = true
			case b == '"':
				s.inString = false
			}
			continue
		}

		switch b {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				obj := make([]byte, len(s.current))
				copy(obj, s.current)
				out = append(out, obj)
			}
		}
	}
	return out
}

// Pending reports whether an object is still open in the buffer. True at
// end of stream means the upstream truncated mid-object.
func (s *ObjectSplitter) Pending() bool {
	return s.depth > 0
}

// Event is one upstream stream event. Raw preserves the exact bytes for
// relaying and persistence.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// IsToken reports whether this is an incremental token event.
func (e *Event) IsToken() bool {
	return e.Event == "token"
}

// TokenText returns the token payload as plain text. Non-string payloads
// come back verbatim.
func (e *Event) TokenText() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// parseEvent decodes one split object. Objects that are not valid JSON are
// rejected so malformed upstream output never reaches clients.
func parseEvent(raw []byte) (*Event, bool) {
	if !json.Valid(raw) {
		return nil, false
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false
	}
	ev.Raw = raw
	return &ev, true
}

// errorCode is the payload of proxy-generated error events.
type errorCode struct {
	Code string `json:"code"`
}

// syntheticEvent builds a proxy-generated event.
func syntheticEvent(name string, data interface{}) *Event {
	payload, _ := json.Marshal(data)
	raw, _ := json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{name, payload})
	return &Event{Event: name, Data: payload, Raw: raw}
}
