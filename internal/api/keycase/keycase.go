// Package keycase translates object keys between the snake_case wire form
// of the RPC API and the camelCase form used by in-process consumers.
//
// Both directions walk decoded JSON values (map[string]any and []any)
// recursively and rewrite keys only. Values, including strings, are left
// untouched.
package keycase

import "strings"

// ToCamel rewrites every "_x" in a key, where x is a lowercase ASCII
// letter, to "X".
func ToCamel(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '_' && i+1 < len(key) && isLower(key[i+1]) {
			b.WriteByte(key[i+1] - 'a' + 'A')
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ToSnake rewrites every uppercase ASCII letter X in a key to "_x".
func ToSnake(key string) string {
	n := 0
	for i := 0; i < len(key); i++ {
		if isUpper(key[i]) {
			n++
		}
	}
	if n == 0 {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + n)
	for i := 0; i < len(key); i++ {
		c := key[i]
		if isUpper(c) {
			b.WriteByte('_')
			b.WriteByte(c - 'A' + 'a')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// CamelKeys returns v with all object keys converted by ToCamel.
func CamelKeys(v any) any { return walk(v, ToCamel) }

// SnakeKeys returns v with all object keys converted by ToSnake.
func SnakeKeys(v any) any { return walk(v, ToSnake) }

func walk(v any, conv func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[conv(k)] = walk(val, conv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val, conv)
		}
		return out
	}
	return v
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }
