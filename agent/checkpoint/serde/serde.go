// Package serde converts checkpoint values to a type tag plus bytes and back.
//
// The default JSONPlus serializer writes a self-describing envelope for every
// value so that registered Go types, integers, timestamps and raw bytes come
// back as the same Go values instead of generic JSON maps.
package serde

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Type tags returned by DumpsTyped.
const (
	TypeNull  = "null"
	TypeBytes = "bytes"
	TypeJSON  = "json"
)

// Value kinds inside a JSON envelope.
const (
	kindNull    = "null"
	kindString  = "str"
	kindInt     = "int"
	kindInt64   = "int64"
	kindFloat   = "float"
	kindBool    = "bool"
	kindTime    = "time"
	kindBytes   = "bytes"
	kindMap     = "map"
	kindList    = "list"
	kindStrings = "strs"
	kindRaw     = "raw"
)

var reservedKinds = map[string]bool{
	kindNull: true, kindString: true, kindInt: true, kindInt64: true, kindFloat: true,
	kindBool: true, kindTime: true, kindBytes: true, kindMap: true, kindList: true,
	kindStrings: true, kindRaw: true,
}

var (
	// ErrUnknownType is returned when a payload names a type tag or kind that
	// is not known to the serializer.
	ErrUnknownType = errors.New("serde: unknown type")

	// ErrDuplicateName is returned when two Go types are registered under one name.
	ErrDuplicateName = errors.New("serde: duplicate registration")
)

// Serializer turns values into (type tag, bytes) pairs and back.
type Serializer interface {
	DumpsTyped(v any) (string, []byte, error)
	LoadsTyped(typ string, data []byte) (any, error)
}

// Registry maps stable names to Go types so they can be restored exactly.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds name to the dynamic type of sample.
func (r *Registry) Register(name string, sample any) error {
	if name == "" {
		return fmt.Errorf("serde: empty registration name")
	}
	if reservedKinds[name] {
		return fmt.Errorf("serde: %q is a reserved kind", name)
	}
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("serde: cannot register nil under %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("%w: %q already bound to %s", ErrDuplicateName, name, existing)
	}
	if existing, ok := r.byType[t]; ok {
		return fmt.Errorf("%w: %s already registered as %q", ErrDuplicateName, t, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

func (r *Registry) nameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byType[t]
	return n, ok
}

func (r *Registry) typeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

var defaultRegistry = NewRegistry()

// Register binds name to the type of sample in the process-wide registry used by
// Default. It panics on conflicting registrations, like encoding/gob.Register.
func Register(name string, sample any) {
	if err := defaultRegistry.Register(name, sample); err != nil {
		panic(err)
	}
}

// Default returns a JSONPlus serializer over the process-wide registry.
func Default() *JSONPlus {
	return NewJSONPlus(defaultRegistry)
}

// JSONPlus is the default Serializer.
type JSONPlus struct {
	registry *Registry
}

// NewJSONPlus creates a serializer backed by registry. A nil registry behaves
// like an empty one.
func NewJSONPlus(registry *Registry) *JSONPlus {
	if registry == nil {
		registry = NewRegistry()
	}
	return &JSONPlus{registry: registry}
}

var _ Serializer = (*JSONPlus)(nil)

type envelope struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
}

// DumpsTyped encodes v. nil becomes TypeNull, []byte is stored verbatim under
// TypeBytes, everything else is a TypeJSON envelope.
func (s *JSONPlus) DumpsTyped(v any) (string, []byte, error) {
	switch val := v.(type) {
	case nil:
		return TypeNull, nil, nil
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return TypeBytes, out, nil
	}
	env, err := s.encode(v)
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("serde: marshal envelope: %w", err)
	}
	return TypeJSON, data, nil
}

// LoadsTyped decodes a payload produced by DumpsTyped.
func (s *JSONPlus) LoadsTyped(typ string, data []byte) (any, error) {
	switch typ {
	case TypeNull:
		return nil, nil
	case TypeBytes:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case TypeJSON:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("serde: unmarshal envelope: %w", err)
		}
		return s.decode(env)
	default:
		return nil, fmt.Errorf("%w: tag %q", ErrUnknownType, typ)
	}
}

func (s *JSONPlus) encode(v any) (envelope, error) {
	if v == nil {
		return envelope{Kind: kindNull}, nil
	}
	if name, ok := s.registry.nameOf(reflect.TypeOf(v)); ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return envelope{}, fmt.Errorf("serde: marshal %s: %w", name, err)
		}
		return envelope{Kind: name, Value: raw}, nil
	}

	switch val := v.(type) {
	case string:
		return primitive(kindString, val)
	case bool:
		return primitive(kindBool, val)
	case int:
		return primitive(kindInt, val)
	case int64:
		return primitive(kindInt64, val)
	case float64:
		return primitive(kindFloat, val)
	case time.Time:
		return primitive(kindTime, val.UTC().Format(time.RFC3339Nano))
	case []byte:
		return primitive(kindBytes, base64.StdEncoding.EncodeToString(val))
	case []string:
		return primitive(kindStrings, val)
	case map[string]any:
		fields := make(map[string]envelope, len(val))
		for k, item := range val {
			env, err := s.encode(item)
			if err != nil {
				return envelope{}, fmt.Errorf("serde: field %q: %w", k, err)
			}
			fields[k] = env
		}
		return primitive(kindMap, fields)
	case []any:
		items := make([]envelope, 0, len(val))
		for i, item := range val {
			env, err := s.encode(item)
			if err != nil {
				return envelope{}, fmt.Errorf("serde: item %d: %w", i, err)
			}
			items = append(items, env)
		}
		return primitive(kindList, items)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return envelope{}, fmt.Errorf("serde: marshal %T: %w", v, err)
		}
		return envelope{Kind: kindRaw, Value: raw}, nil
	}
}

func primitive(kind string, v any) (envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return envelope{}, fmt.Errorf("serde: marshal %s: %w", kind, err)
	}
	return envelope{Kind: kind, Value: raw}, nil
}

func (s *JSONPlus) decode(env envelope) (any, error) {
	switch env.Kind {
	case kindNull:
		return nil, nil
	case kindString:
		return decodeAs[string](env)
	case kindBool:
		return decodeAs[bool](env)
	case kindInt:
		return decodeAs[int](env)
	case kindInt64:
		return decodeAs[int64](env)
	case kindFloat:
		return decodeAs[float64](env)
	case kindStrings:
		return decodeAs[[]string](env)
	case kindTime:
		var raw string
		if err := unmarshal(env, &raw); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("serde: parse time: %w", err)
		}
		return ts, nil
	case kindBytes:
		var raw string
		if err := unmarshal(env, &raw); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(raw)
	case kindMap:
		var fields map[string]envelope
		if err := unmarshal(env, &fields); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(fields))
		for k, f := range fields {
			v, err := s.decode(f)
			if err != nil {
				return nil, fmt.Errorf("serde: field %q: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	case kindList:
		var items []envelope
		if err := unmarshal(env, &items); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			v, err := s.decode(item)
			if err != nil {
				return nil, fmt.Errorf("serde: item %d: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	case kindRaw:
		return decodeAs[any](env)
	}

	t, ok := s.registry.typeOf(env.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownType, env.Kind)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(env.Value, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("serde: unmarshal %s: %w", env.Kind, err)
	}
	return ptr.Elem().Interface(), nil
}

func decodeAs[T any](env envelope) (any, error) {
	var v T
	if err := unmarshal(env, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func unmarshal(env envelope, dst any) error {
	if err := json.Unmarshal(env.Value, dst); err != nil {
		return fmt.Errorf("serde: unmarshal %s: %w", env.Kind, err)
	}
	return nil
}
