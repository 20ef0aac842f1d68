// Package envutil builds the environment handed to artifact processes from
// KEY=VALUE slices.
package envutil

import (
	"strings"
)

// secretSuffixes mark variables whose values must never reach generated code.
var secretSuffixes = []string{"_TOKEN", "_API_KEY", "_SECRET", "_PASSWORD", "_CREDENTIALS"}

// Key returns the name part of a KEY=VALUE entry.
func Key(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}

// Set sets or replaces an environment variable in an env slice.
// If the key already exists, its value is updated in place. Otherwise, the
// new entry is appended.
func Set(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// Get gets a value from an env slice.
func Get(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return e[len(prefix):], true
		}
	}
	return "", false
}

// Remove returns a new slice without the named variables.
func Remove(env []string, keys ...string) []string {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	return RemoveFunc(env, func(key string) bool {
		_, ok := drop[key]
		return ok
	})
}

// RemoveFunc returns a new slice without the variables whose key matches.
func RemoveFunc(env []string, match func(key string) bool) []string {
	result := make([]string, 0, len(env))
	for _, e := range env {
		if !match(Key(e)) {
			result = append(result, e)
		}
	}
	return result
}

// IsSecret reports whether a variable name looks like it carries a
// credential (AIPROXY_TOKEN, GEMINI_API_KEY, AWS_SECRET_ACCESS_KEY...).
func IsSecret(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range secretSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return strings.Contains(upper, "SECRET")
}

// Scrub removes credential-like variables and any explicitly named keys.
func Scrub(env []string, extra ...string) []string {
	named := make(map[string]struct{}, len(extra))
	for _, k := range extra {
		named[k] = struct{}{}
	}
	return RemoveFunc(env, func(key string) bool {
		if _, ok := named[key]; ok {
			return true
		}
		return IsSecret(key)
	})
}

// Merge merges additional env vars into base, with additional taking
// precedence. Keys keep the position they had in base; new keys are appended
// in the order they appear in additional.
func Merge(base, additional []string) []string {
	overrides := make(map[string]string, len(additional))
	order := make([]string, 0, len(additional))
	for _, e := range additional {
		key := Key(e)
		if _, exists := overrides[key]; !exists {
			order = append(order, key)
		}
		overrides[key] = e
	}

	replaced := make(map[string]bool, len(overrides))
	result := make([]string, 0, len(base)+len(additional))
	for _, e := range base {
		key := Key(e)
		if override, ok := overrides[key]; ok {
			result = append(result, override)
			replaced[key] = true
		} else {
			result = append(result, e)
		}
	}
	for _, key := range order {
		if !replaced[key] {
			result = append(result, overrides[key])
		}
	}
	return result
}
