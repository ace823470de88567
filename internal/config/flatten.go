package config

import "strings"

// secretKeys are masked by "config list" unless --reveal is given.
var secretKeys = map[string]bool{
	"llm.api_key":           true,
	"search.serper.api_key": true,
	"search.brave.api_key":  true,
	"auth.jwt_secret":       true,
	"redis.password":        true,
	"database.dsn":          true,
}

// IsSecretKey reports whether a dotted key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// leaves returns the scalar and list values of a decoded config document
// keyed by dotted path. Lists are leaves: "auth.admins" maps to the slice.
func leaves(doc map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if section, ok := v.(map[string]any); ok {
				walk(k, section)
				continue
			}
			out[k] = v
		}
	}
	walk("", doc)
	return out
}

// setPath stores v under a dotted key, creating sections on the way. A
// scalar standing where a section is needed is replaced.
func setPath(doc map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		section, ok := doc[p].(map[string]any)
		if !ok {
			section = make(map[string]any)
			doc[p] = section
		}
		doc = section
	}
	doc[parts[len(parts)-1]] = v
}

// maskSecrets replaces each non-empty secret with "***" and its last four
// characters.
func maskSecrets(flat map[string]any) {
	for k, v := range flat {
		s, ok := v.(string)
		if !ok || s == "" || !secretKeys[k] {
			continue
		}
		flat[k] = "***" + s[max(0, len(s)-4):]
	}
}
