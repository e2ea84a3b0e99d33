package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Envelope is the unit exchanged between the control process and the runner.
// The command identifier is the only extension point; new behavior means a
// new command string, never a new envelope field.
type Envelope struct {
	Command Command `json:"command" cbor:"command"`
	Data    any     `json:"data,omitempty" cbor:"data,omitempty"`
	// Type is an optional sub-kind, e.g. ErrorTypeConnect on serial.error.
	Type string `json:"type,omitempty" cbor:"type,omitempty"`
	// Message carries driver diagnostics on serial.error.
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

// NewEnvelope builds an envelope for cmd carrying data.
func NewEnvelope(cmd Command, data any) Envelope {
	return Envelope{Command: cmd, Data: data}
}

// Kind decodes the envelope's command identifier.
func (e Envelope) Kind() Kind { return ParseKind(string(e.Command)) }

// ErrorTypeConnect marks a serial.error raised while opening the port.
const ErrorTypeConnect = "connect"

// DataString renders the payload as text. Non-string payloads are formatted
// with fmt so a numeric item id arriving through JSON still compares sanely.
func (e Envelope) DataString() string {
	switch v := e.Data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// DataBool interprets the payload as a boolean. ok is false when the payload
// cannot be read as one.
func (e Envelope) DataBool() (val bool, ok bool) {
	switch v := e.Data.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case uint64:
		return v != 0, true
	default:
		return false, false
	}
}

// DataMap returns the payload as a string-keyed map, or nil.
func (e Envelope) DataMap() map[string]any {
	switch v := e.Data.(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = val
		}
		return out
	default:
		return nil
	}
}

// ConnectRequest is the payload of serial.connect.
type ConnectRequest struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baudRate"`
}

// Map converts the request into a codec-neutral payload.
func (r ConnectRequest) Map() map[string]any {
	return map[string]any{"port": r.Port, "baudRate": r.BaudRate}
}

// ConnectRequestFrom reads a serial.connect payload.
func ConnectRequestFrom(m map[string]any) ConnectRequest {
	var r ConnectRequest
	if s, ok := m["port"].(string); ok {
		r.Port = s
	}
	r.BaudRate = intFrom(m["baudRate"])
	return r
}

// BufferItem is the payload of buffer.add.
type BufferItem struct {
	ID   string `json:"id"`
	Line string `json:"line"`
}

// Map converts the item into a codec-neutral payload.
func (b BufferItem) Map() map[string]any {
	return map[string]any{"id": b.ID, "line": b.Line}
}

// BufferItemFrom reads a buffer.add payload.
func BufferItemFrom(m map[string]any) BufferItem {
	var b BufferItem
	if s, ok := m["id"].(string); ok {
		b.ID = s
	}
	if s, ok := m["line"].(string); ok {
		b.Line = s
	}
	return b
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
