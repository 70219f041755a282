package protocol

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// Normalizer rewrites a notification payload before listeners see it.
type Normalizer func(json.RawMessage) json.RawMessage

var reDrive = regexp.MustCompile(`^/[A-Za-z]:`)

// NormalizeURI returns the canonical string form of a document uri: scheme
// and authority lowercased, path percent-decoded, windows drive letters
// lowercased. Inputs that do not parse are returned unchanged.
func NormalizeURI(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	path := u.Path
	if reDrive.MatchString(path) {
		path = "/" + strings.ToLower(path[1:2]) + path[2:]
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString(":")
	if u.Opaque != "" {
		b.WriteString(u.Opaque)
	} else {
		if u.Host != "" || u.Scheme == "file" {
			b.WriteString("//")
			b.WriteString(strings.ToLower(u.Host))
		}
		b.WriteString(path)
	}
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// uriField normalizes the string found at path inside an object payload.
// Missing fields are left alone; non-object payloads pass through.
func uriField(path ...string) Normalizer {
	return func(raw json.RawMessage) json.RawMessage {
		var root map[string]any
		if err := json.Unmarshal(raw, &root); err != nil || root == nil {
			return raw
		}
		obj := root
		for _, key := range path[:len(path)-1] {
			next, ok := obj[key].(map[string]any)
			if !ok {
				return raw
			}
			obj = next
		}
		leaf := path[len(path)-1]
		s, ok := obj[leaf].(string)
		if !ok {
			return raw
		}
		obj[leaf] = NormalizeURI(s)
		out, err := json.Marshal(root)
		if err != nil {
			return raw
		}
		return out
	}
}

// HostNormalizers lists the editor notifications whose uri fields arrive in
// whatever form the host produced and must be canonicalized once per
// listener registration.
func HostNormalizers() map[string]Normalizer {
	return map[string]Normalizer{
		MethodDidChangeActiveEditor:        uriField("editor", "uri"),
		MethodDidChangeEditorSelection:     uriField("uri"),
		MethodDidChangeEditorVisibleRanges: uriField("uri"),
		MethodNewCodemark:                  uriField("uri"),
		MethodNewReview:                    uriField("uri"),
	}
}
