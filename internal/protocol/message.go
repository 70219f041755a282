package protocol

import (
	"encoding/json"
	"strings"
)

// Message is the single wire envelope for requests, responses and
// notifications. Which one it is depends on which fields are set.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (m Message) IsRequest() bool {
	return m.Method != "" && m.ID != ""
}

func (m Message) IsResponse() bool {
	return m.Method == "" && m.ID != ""
}

func (m Message) IsNotification() bool {
	return m.Method != "" && m.ID == ""
}

func (m Message) HasError() bool {
	v := strings.TrimSpace(string(m.Error))
	return v != "" && v != "null"
}

// Decode parses one wire message. Numeric ids are accepted and kept in their
// decimal form so peers that count with integers still correlate.
func Decode(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, err
	}
	msg := Message{}
	if v, ok := fields["method"]; ok {
		if err := json.Unmarshal(v, &msg.Method); err != nil {
			return Message{}, err
		}
	}
	if v, ok := fields["id"]; ok {
		msg.ID = decodeID(v)
	}
	if v, ok := fields["params"]; ok {
		msg.Params = append(json.RawMessage(nil), v...)
	}
	if v, ok := fields["error"]; ok {
		msg.Error = append(json.RawMessage(nil), v...)
	}
	return msg, nil
}

func decodeID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// ErrorPayload is the structured error shape the host sends back for a
// failed request. Plain string errors are also valid on the wire.
type ErrorPayload struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorMessage extracts a human readable message from a raw error value,
// which may be a JSON string, an object with a message field, or anything
// else (returned verbatim).
func ErrorMessage(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return trimmed
}

// ProviderID reads an optional top-level "providerId" from request params.
func ProviderID(params json.RawMessage) string {
	if len(params) == 0 || params[0] != '{' {
		return ""
	}
	var p struct {
		ProviderID string `json:"providerId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(p.ProviderID)
}
