package cli

import (
	"sort"
	"strings"
)

// formatEnv renders env as shell exports or as a dotenv file, keys sorted.
func formatEnv(env map[string]string, format string) (string, bool) {
	var line func(k, v string) string
	switch strings.TrimSpace(format) {
	case "", "sh":
		line = func(k, v string) string { return "export " + k + "=" + shQuote(v) }
	case "dotenv":
		line = func(k, v string) string { return k + "=" + dotenvQuote(v) }
	default:
		return "", false
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(line(k, env[k]))
		b.WriteByte('\n')
	}
	return b.String(), true
}

func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var dotenvEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func dotenvQuote(s string) string {
	if s == "" {
		return `""`
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || strings.IndexByte("_-./:,", c) >= 0 {
			continue
		}
		return `"` + dotenvEscaper.Replace(s) + `"`
	}
	return s
}
