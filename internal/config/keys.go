package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the value type a config key accepts.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindDuration
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDuration:
		return "duration"
	default:
		return "string"
	}
}

// Key describes one settable configuration key in dot-separated form.
type Key struct {
	Name   string
	Kind   Kind
	Secret bool
	Help   string
}

var keys = []Key{
	{Name: "data_dir", Help: "directory for the PID file and activity journal"},
	{Name: "log_level", Help: "debug, info, warn or error"},
	{Name: "log_format", Help: "text or json"},
	{Name: "server.registry_url", Help: "server policy discovery base URL"},
	{Name: "server.access_token", Secret: true, Help: "device access token"},
	{Name: "server.gzip_events", Kind: KindBool, Help: "compress event uploads"},
	{Name: "server.request_timeout", Kind: KindDuration, Help: "per-request timeout for events, discovery and pings"},
	{Name: "context.timeout", Kind: KindDuration, Help: "how long to wait for each context provider"},
	{Name: "sequencer.max_concurrent", Kind: KindInt, Help: "directive handlers running at once"},
	{Name: "keepalive.enabled", Kind: KindBool, Help: "ping the connected server"},
	{Name: "control.enabled", Kind: KindBool, Help: "serve the local control API"},
	{Name: "control.listen", Help: "control API listen address"},
}

// Keys returns every settable key in display order.
func Keys() []Key {
	return append([]Key(nil), keys...)
}

// LookupKey finds a key by its dot-separated name.
func LookupKey(name string) (Key, bool) {
	for _, k := range keys {
		if k.Name == name {
			return k, true
		}
	}
	return Key{}, false
}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(name string) bool {
	k, ok := LookupKey(name)
	return ok && k.Secret
}

// Parse converts a command-line value to the type stored on disk. Durations
// are checked and kept in their written form.
func (k Key) Parse(raw string) (any, error) {
	switch k.Kind {
	case KindBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects a bool, got %q", k.Name, raw)
		}
		return v, nil
	case KindInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer, got %q", k.Name, raw)
		}
		return v, nil
	case KindDuration:
		if _, err := time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("%s expects a duration such as 10s, got %q", k.Name, raw)
		}
		return raw, nil
	default:
		return raw, nil
	}
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"server": {"gzip_events": true}} becomes {"server.gzip_events": true}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// For example, {"control.listen": ":7780"} becomes {"control": {"listen": ":7780"}}.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = v
	}
	return out
}

// MaskValue hides all but the last four characters of a secret string.
// Empty and non-string values are returned unchanged.
func MaskValue(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}

// MaskSecrets returns a copy of the flat map with secret values masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if IsSecretKey(k) {
			v = MaskValue(v)
		}
		out[k] = v
	}
	return out
}
