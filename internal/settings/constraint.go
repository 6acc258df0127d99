package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Constraint is either Any or Only(value). The zero value is Any.
type Constraint[T comparable] struct {
	value *T
}

// Any matches every value.
func Any[T comparable]() Constraint[T] { return Constraint[T]{} }

// Only matches v.
func Only[T comparable](v T) Constraint[T] { return Constraint[T]{value: &v} }

func (c Constraint[T]) IsAny() bool { return c.value == nil }

// Value returns the constrained value and whether there is one.
func (c Constraint[T]) Value() (T, bool) {
	if c.value == nil {
		var zero T
		return zero, false
	}
	return *c.value, true
}

// Matches reports whether v satisfies the constraint.
func (c Constraint[T]) Matches(v T) bool {
	return c.value == nil || *c.value == v
}

func (c Constraint[T]) Equal(o Constraint[T]) bool {
	if c.value == nil || o.value == nil {
		return c.value == o.value
	}
	return *c.value == *o.value
}

func (c Constraint[T]) String() string {
	if c.value == nil {
		return "any"
	}
	return fmt.Sprint(*c.value)
}

type onlyWire[T any] struct {
	Only T `json:"only" yaml:"only"`
}

// MarshalJSON encodes Any as "any" and Only(v) as {"only": v}.
func (c Constraint[T]) MarshalJSON() ([]byte, error) {
	if c.value == nil {
		return []byte(`"any"`), nil
	}
	return json.Marshal(onlyWire[T]{Only: *c.value})
}

func (c *Constraint[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "any" {
			return fmt.Errorf("invalid constraint %q", s)
		}
		*c = Constraint[T]{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid constraint: %w", err)
	}
	only, ok := raw["only"]
	if !ok || len(raw) != 1 {
		return errors.New(`constraint must be "any" or {"only": value}`)
	}
	var v T
	if err := json.Unmarshal(only, &v); err != nil {
		return err
	}
	*c = Only(v)
	return nil
}

func (c Constraint[T]) MarshalYAML() (any, error) {
	if c.value == nil {
		return "any", nil
	}
	return onlyWire[T]{Only: *c.value}, nil
}

func (c *Constraint[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value != "any" {
			return fmt.Errorf("line %d: invalid constraint %q", node.Line, node.Value)
		}
		*c = Constraint[T]{}
		return nil
	}
	var w onlyWire[T]
	if err := node.Decode(&w); err != nil {
		return err
	}
	*c = Only(w.Only)
	return nil
}
