package rpcclient

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"
)

// shape checks a decoded JSON value. Errors name the offending path.
type shape func(path string, v any) error

func str(path string, v any) error {
	if _, ok := v.(string); !ok {
		return fmt.Errorf("%s: want string, got %s", path, kindOf(v))
	}
	return nil
}

func boolean(path string, v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("%s: want bool, got %s", path, kindOf(v))
	}
	return nil
}

func uinteger(path string, v any) error {
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return fmt.Errorf("%s: want unsigned integer, got %v", path, v)
	}
	return nil
}

func timestamp(path string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("%s: want timestamp, got %s", path, kindOf(v))
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func oneOf(values ...string) shape {
	return func(path string, v any) error {
		s, ok := v.(string)
		if !ok || !slices.Contains(values, s) {
			return fmt.Errorf("%s: want one of %v, got %v", path, values, v)
		}
		return nil
	}
}

func array(inner shape) shape {
	return func(path string, v any) error {
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: want array, got %s", path, kindOf(v))
		}
		for i, item := range items {
			if err := inner(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	}
}

// field is one member of an object shape.
type field struct {
	shape    shape
	optional bool
}

func req(s shape) field { return field{shape: s} }
func opt(s shape) field { return field{shape: s, optional: true} }

// object requires the listed members. Unknown members are accepted so
// newer daemons can add fields.
func object(fields map[string]field) shape {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return func(path string, v any) error {
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: want object, got %s", path, kindOf(v))
		}
		for _, name := range names {
			f := fields[name]
			val, present := m[name]
			if !present || val == nil {
				if f.optional {
					continue
				}
				return fmt.Errorf("%s.%s: missing", path, name)
			}
			if err := f.shape(path+"."+name, val); err != nil {
				return err
			}
		}
		return nil
	}
}

// constraint accepts "any" or {"only": inner}.
func constraint(inner shape) shape {
	only := object(map[string]field{"only": req(inner)})
	return func(path string, v any) error {
		if s, ok := v.(string); ok && s == "any" {
			return nil
		}
		return only(path, v)
	}
}

// tagged picks the shape for an object by the value of its tag member.
func tagged(tag string, variants map[string]shape) shape {
	keys := make([]string, 0, len(variants))
	for k := range variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kind := oneOf(keys...)
	return func(path string, v any) error {
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: want object, got %s", path, kindOf(v))
		}
		if err := kind(path+"."+tag, m[tag]); err != nil {
			return err
		}
		return variants[m[tag].(string)](path, v)
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

var (
	blockReasonShape = object(map[string]field{
		"reason": req(oneOf("auth_failed", "ipv6_unavailable", "set_security_policy_error",
			"start_tunnel_error", "no_matching_relay")),
		"details": opt(str),
		"message": opt(str),
	})

	endpointShape = object(map[string]field{
		"address":  req(str),
		"protocol": req(oneOf("udp", "tcp")),
		"hostname": opt(str),
	})

	stateShape = tagged("state", map[string]shape{
		"disconnected": object(nil),
		"connecting": object(map[string]field{
			"details": req(object(map[string]field{"attempt": req(uinteger)})),
		}),
		"connected": object(map[string]field{
			"details": req(object(map[string]field{
				"interface": req(str),
				"endpoint":  req(endpointShape),
				"ipv4":      opt(str),
				"ipv6":      opt(str),
				"gateway":   opt(str),
			})),
		}),
		"disconnecting": object(map[string]field{
			"details": req(object(map[string]field{
				"after":  req(oneOf("nothing", "reconnect", "block")),
				"reason": opt(blockReasonShape),
			})),
		}),
		"blocked": object(map[string]field{
			"details": req(blockReasonShape),
		}),
	})

	locationShape = object(map[string]field{
		"country":  req(str),
		"city":     opt(str),
		"hostname": opt(str),
	})

	relaySettingsShape = object(map[string]field{
		"normal": opt(object(map[string]field{
			"location": req(constraint(locationShape)),
			"tunnel": req(object(map[string]field{
				"port":     req(constraint(uinteger)),
				"protocol": req(constraint(oneOf("udp", "tcp"))),
			})),
		})),
		"custom_tunnel_endpoint": opt(object(map[string]field{
			"host":     req(str),
			"port":     req(uinteger),
			"protocol": req(oneOf("udp", "tcp")),
		})),
	})

	settingsShape = object(map[string]field{
		"relay_settings": req(relaySettingsShape),
		"allow_lan":      req(boolean),
		"auto_connect":   req(boolean),
		"tunnel_options": req(object(map[string]field{
			"enable_ipv6":    req(boolean),
			"openvpn_mssfix": opt(uinteger),
		})),
	})

	relayShape = object(map[string]field{
		"hostname": req(str),
		"country":  req(str),
		"city":     req(str),
		"ipv4":     req(str),
		"ipv6":     opt(str),
		"active":   req(boolean),
		"load":     opt(uinteger),
		"openvpn": req(object(map[string]field{
			"udp": opt(array(uinteger)),
			"tcp": opt(array(uinteger)),
		})),
	})

	relayListShape = object(map[string]field{
		"countries": req(array(object(map[string]field{
			"code": req(str),
			"cities": req(array(object(map[string]field{
				"code":   req(str),
				"relays": req(array(relayShape)),
			}))),
		}))),
	})

	accountDataShape = object(map[string]field{
		"expiry": req(timestamp),
	})

	versionShape = object(map[string]field{
		"version":    req(str),
		"git_commit": opt(str),
		"build_time": opt(str),
		"go_version": opt(str),
		"platform":   opt(str),
	})

	frameShape = object(map[string]field{
		"type":     req(oneOf("state", "settings")),
		"sequence": req(uinteger),
		"data":     req(func(string, any) error { return nil }),
	})
)
