package domain

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"strconv"
	"time"
)

// ParamType is the closed set of semantic input types. Anything richer is a
// free-form string the handler parses itself.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamBool   ParamType = "bool"
	ParamDate   ParamType = "date"
	ParamEnum   ParamType = "enum"
)

// Param describes one input parameter of a job.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	Default  string   // raw form, empty means no default
	Enum     []string // allowed values when Type is ParamEnum
}

// InputSchema is the ordered parameter set declared on a job definition.
type InputSchema []Param

// Validate rejects schemas with duplicate or empty parameter names and enum
// parameters without allowed values.
func (s InputSchema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, p := range s {
		if p.Name == "" {
			return fmt.Errorf("input schema: empty parameter name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("input schema: duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Type == ParamEnum && len(p.Enum) == 0 {
			return fmt.Errorf("input schema: enum parameter %q has no allowed values", p.Name)
		}
	}
	return nil
}

// Bind resolves provided raw values against the schema: defaults are applied
// for missing optional parameters, required parameters must be present, and
// every value must parse as its declared type. Unknown keys are rejected so
// typos surface before any side effect. Binding failures are classified
// KindInvalidInput and are never retried.
func (s InputSchema) Bind(values map[string]string) (InputValues, error) {
	declared := make(map[string]Param, len(s))
	for _, p := range s {
		declared[p.Name] = p
	}
	for name := range values {
		if _, ok := declared[name]; !ok {
			return nil, Classify(KindInvalidInput, fmt.Errorf("unknown parameter %q", name))
		}
	}

	bound := make(InputValues, len(s))
	for _, p := range s {
		raw, provided := values[p.Name]
		if !provided {
			if p.Default != "" {
				raw = p.Default
			} else if p.Required {
				return nil, Classify(KindInvalidInput, fmt.Errorf("missing required parameter %q", p.Name))
			} else {
				continue
			}
		}
		if err := p.check(raw); err != nil {
			return nil, Classify(KindInvalidInput, err)
		}
		bound[p.Name] = raw
	}
	return bound, nil
}

func (p Param) check(raw string) error {
	switch p.Type {
	case ParamString:
		return nil
	case ParamInt:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("parameter %q: %q is not an integer", p.Name, raw)
		}
	case ParamBool:
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("parameter %q: %q is not a boolean", p.Name, raw)
		}
	case ParamDate:
		if _, err := time.Parse(time.DateOnly, raw); err != nil {
			return fmt.Errorf("parameter %q: %q is not a date (want YYYY-MM-DD)", p.Name, raw)
		}
	case ParamEnum:
		if !slices.Contains(p.Enum, raw) {
			return fmt.Errorf("parameter %q: %q not in %v", p.Name, raw, p.Enum)
		}
	default:
		return fmt.Errorf("parameter %q: unsupported type %q", p.Name, p.Type)
	}
	return nil
}

// InputValues is the bound input snapshot persisted on a run record. Values
// stay in their raw string form so re-runs reproduce the original intent.
type InputValues map[string]string

// Int returns the named value parsed as an integer. The zero value is
// returned for absent parameters; type errors cannot occur after Bind.
func (v InputValues) Int(name string) int64 {
	n, _ := strconv.ParseInt(v[name], 10, 64)
	return n
}

// Bool returns the named value parsed as a boolean.
func (v InputValues) Bool(name string) bool {
	b, _ := strconv.ParseBool(v[name])
	return b
}

// Date returns the named value parsed as a UTC date.
func (v InputValues) Date(name string) time.Time {
	t, _ := time.Parse(time.DateOnly, v[name])
	return t
}

// String returns the named raw value.
func (v InputValues) String(name string) string { return v[name] }

// Hash produces a stable FNV-1a hash over the sorted key/value pairs. Each
// component is length-prefixed so distinct input maps cannot collide by
// embedding separators in their values. Used to derive
// per-job-and-input-hash singleton keys.
func (v InputValues) Hash() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	var n [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(s))
	}
	for _, k := range keys {
		write(k)
		write(v[k])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
