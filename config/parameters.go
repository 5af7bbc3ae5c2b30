// Package config provides the namespaced parameter service, the JSON config reader and the
// reconstruction settings decoded from it.
package config

import (
	"strings"

	"github.com/spf13/cast"
)

// Parameters is a read-only key/value service. Paths are dotted, e.g. "slam.min_weight". A
// missing or unconvertible value yields the supplied default.
type Parameters interface {
	GetInt(path string, def int) int
	GetFloat(path string, def float64) float64
	GetBool(path string, def bool) bool
	GetString(path string, def string) string
	Sub(path string) AttributeMap
}

// AttributeMap is a convenience wrapper for pulling typed values out of a decoded JSON object.
type AttributeMap map[string]interface{}

var _ Parameters = AttributeMap{}

// Has returns whether the path resolves to a value.
func (am AttributeMap) Has(path string) bool {
	_, ok := am.lookup(path)
	return ok
}

// lookup first tries the full path as a flat key, then descends nested maps one dotted segment
// at a time.
func (am AttributeMap) lookup(path string) (interface{}, bool) {
	if am == nil {
		return nil, false
	}
	if v, ok := am[path]; ok {
		return v, true
	}
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return nil, false
	}
	child, ok := am[head]
	if !ok {
		return nil, false
	}
	switch m := child.(type) {
	case AttributeMap:
		return m.lookup(rest)
	case map[string]interface{}:
		return AttributeMap(m).lookup(rest)
	}
	return nil, false
}

// GetInt returns the int at path or def.
func (am AttributeMap) GetInt(path string, def int) int {
	v, ok := am.lookup(path)
	if !ok {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return i
}

// GetFloat returns the float at path or def.
func (am AttributeMap) GetFloat(path string, def float64) float64 {
	v, ok := am.lookup(path)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns the bool at path or def.
func (am AttributeMap) GetBool(path string, def bool) bool {
	v, ok := am.lookup(path)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// GetString returns the string at path or def.
func (am AttributeMap) GetString(path string, def string) string {
	v, ok := am.lookup(path)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// Sub returns the nested map at path, or an empty map.
func (am AttributeMap) Sub(path string) AttributeMap {
	v, ok := am.lookup(path)
	if !ok {
		return AttributeMap{}
	}
	switch m := v.(type) {
	case AttributeMap:
		return m
	case map[string]interface{}:
		return AttributeMap(m)
	}
	return AttributeMap{}
}
