package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/marcohefti/hostipc/internal/redact"
)

const maxPreviewBytes = 512

// Loggable renders a message for debug logs: kind, id, method and a bounded,
// redacted params preview.
func Loggable(m Message) string {
	kind := "notification"
	switch {
	case m.IsRequest():
		kind = "request"
	case m.IsResponse():
		kind = "response"
	}
	body := m.Params
	if m.HasError() {
		body = m.Error
	}
	preview := string(body)
	if len(preview) > maxPreviewBytes {
		cut := maxPreviewBytes
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut] + "...(truncated)"
	}
	preview, _ = redact.Text(preview)
	if m.ID == "" {
		return fmt.Sprintf("%s %s %s", kind, m.Method, preview)
	}
	if m.Method == "" {
		return fmt.Sprintf("%s %s %s", kind, m.ID, preview)
	}
	return fmt.Sprintf("%s %s:%s %s", kind, m.ID, m.Method, preview)
}
