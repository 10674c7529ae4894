// Package config loads gateserver and gateprobe settings from flags and an
// optional JSON or YAML file. File values are applied first; flags that were
// set explicitly override them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// section is one table of a config file. Keys are folded so that
// "block_delay", "block-delay" and "blockDelay" all name the same setting.
// The first conversion error sticks and later reads become no-ops.
type section struct {
	path   string
	values map[string]any
	err    error
}

func newSection(path string, raw any) *section {
	s := &section{path: path, values: map[string]any{}}
	if raw == nil {
		return s
	}
	m, err := cast.ToStringMapE(raw)
	if err != nil {
		s.err = fmt.Errorf("%s: expected a table, got %T", path, raw)
		return s
	}
	for k, v := range m {
		s.values[foldKey(k)] = v
	}
	return s
}

func foldKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

func (s *section) Err() error { return s.err }

// lookup returns the raw value for key. It reports false once an error has
// been recorded so callers stop assigning.
func (s *section) lookup(key string) (any, bool) {
	if s.err != nil {
		return nil, false
	}
	v, ok := s.values[foldKey(key)]
	return v, ok
}

func (s *section) fail(key string, err error) {
	if s.err != nil {
		return
	}
	name := key
	if s.path != "" {
		name = s.path + "." + key
	}
	s.err = fmt.Errorf("%s: %w", name, err)
}

func (s *section) has(key string) bool {
	_, ok := s.lookup(key)
	return ok
}

// sub returns the nested table under key. A missing key yields an empty table.
func (s *section) sub(key string) *section {
	name := key
	if s.path != "" {
		name = s.path + "." + key
	}
	raw, _ := s.lookup(key)
	sub := newSection(name, raw)
	if sub.err != nil {
		s.fail(key, fmt.Errorf("expected a table, got %T", raw))
	}
	return sub
}

func (s *section) str(key string, dst *string) {
	raw, ok := s.lookup(key)
	if !ok {
		return
	}
	v, err := cast.ToStringE(raw)
	if err != nil {
		s.fail(key, err)
		return
	}
	*dst = strings.TrimSpace(v)
}

// word reads a lowercased string, for enum-like settings.
func (s *section) word(key string, dst *string) {
	var v string
	if !s.has(key) {
		return
	}
	s.str(key, &v)
	if s.err == nil {
		*dst = strings.ToLower(v)
	}
}

func (s *section) integer(key string, dst *int) {
	raw, ok := s.lookup(key)
	if !ok {
		return
	}
	if str, isStr := raw.(string); isStr {
		raw = strings.TrimSpace(str)
	}
	v, err := cast.ToIntE(raw)
	if err != nil {
		s.fail(key, err)
		return
	}
	*dst = v
}

func (s *section) float(key string, dst *float64) {
	raw, ok := s.lookup(key)
	if !ok {
		return
	}
	if str, isStr := raw.(string); isStr {
		raw = strings.TrimSpace(str)
	}
	v, err := cast.ToFloat64E(raw)
	if err != nil {
		s.fail(key, err)
		return
	}
	*dst = v
}

func (s *section) boolean(key string, dst *bool) {
	raw, ok := s.lookup(key)
	if !ok {
		return
	}
	if str, isStr := raw.(string); isStr {
		raw = strings.TrimSpace(str)
	}
	v, err := cast.ToBoolE(raw)
	if err != nil {
		s.fail(key, err)
		return
	}
	*dst = v
}

func (s *section) duration(key string, dst *time.Duration) {
	raw, ok := s.lookup(key)
	if !ok {
		return
	}
	d, err := toDuration(raw)
	if err != nil {
		s.fail(key, err)
		return
	}
	*dst = d
}

// list reads a sequence of strings. A bare string is a one-element list.
func (s *section) list(key string, dst *[]string) {
	raw, ok := s.lookup(key)
	if !ok {
		return
	}
	if str, isStr := raw.(string); isStr {
		*dst = []string{strings.TrimSpace(str)}
		return
	}
	v, err := cast.ToStringSliceE(raw)
	if err != nil {
		s.fail(key, err)
		return
	}
	*dst = v
}

func (s *section) table(key string) (map[string]string, bool) {
	raw, ok := s.lookup(key)
	if !ok {
		return nil, false
	}
	v, err := cast.ToStringMapStringE(raw)
	if err != nil {
		s.fail(key, err)
		return nil, false
	}
	return v, true
}

// toDuration accepts Go duration strings and bare numbers, which count
// seconds (fractions allowed).
func toDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, nil
		}
		return time.ParseDuration(v)
	}
	secs, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("unsupported duration type %T", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
