package serde

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newTestSerializer(t *testing.T) *JSONPlus {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("test.message", sampleMessage{}))
	require.NoError(t, reg.Register("test.messages", []sampleMessage{}))
	return NewJSONPlus(reg)
}

func TestJSONPlus_Null(t *testing.T) {
	s := newTestSerializer(t)

	typ, data, err := s.DumpsTyped(nil)
	require.NoError(t, err)
	assert.Equal(t, TypeNull, typ)
	assert.Nil(t, data)

	v, err := s.LoadsTyped(typ, data)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestJSONPlus_BytesAreVerbatim(t *testing.T) {
	s := newTestSerializer(t)

	typ, data, err := s.DumpsTyped([]byte{0x00, 0xff, 0x10})
	require.NoError(t, err)
	assert.Equal(t, TypeBytes, typ)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, data)

	v, err := s.LoadsTyped(typ, data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, v)
}

func TestJSONPlus_RegisteredTypesRestorePrecisely(t *testing.T) {
	s := newTestSerializer(t)

	ts := time.Date(2024, 5, 1, 10, 30, 0, 123, time.UTC)
	in := map[string]any{
		"messages": []sampleMessage{{Role: "user", Content: "what's my balance"}},
		"last":     sampleMessage{Role: "assistant", Content: "ok"},
		"step":     3,
		"big":      int64(1 << 40),
		"ratio":    0.5,
		"next":     "tools",
		"paused":   true,
		"at":       ts,
		"blob":     []byte("raw"),
		"ids":      []string{"call_1", "call_2"},
		"nested":   []any{"a", 1, nil},
	}

	typ, data, err := s.DumpsTyped(in)
	require.NoError(t, err)
	assert.Equal(t, TypeJSON, typ)

	out, err := s.LoadsTyped(typ, data)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []sampleMessage{{Role: "user", Content: "what's my balance"}}, m["messages"])
	assert.Equal(t, sampleMessage{Role: "assistant", Content: "ok"}, m["last"])
	assert.Equal(t, 3, m["step"])
	assert.Equal(t, int64(1<<40), m["big"])
	assert.Equal(t, 0.5, m["ratio"])
	assert.Equal(t, "tools", m["next"])
	assert.Equal(t, true, m["paused"])
	assert.True(t, ts.Equal(m["at"].(time.Time)))
	assert.Equal(t, []byte("raw"), m["blob"])
	assert.Equal(t, []string{"call_1", "call_2"}, m["ids"])
	assert.Equal(t, []any{"a", 1, nil}, m["nested"])
}

func TestJSONPlus_UnregisteredStructFallsBackToRaw(t *testing.T) {
	s := NewJSONPlus(nil)

	typ, data, err := s.DumpsTyped(struct {
		A int `json:"a"`
	}{A: 7})
	require.NoError(t, err)

	out, err := s.LoadsTyped(typ, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(7)}, out)
}

func TestJSONPlus_UnknownTag(t *testing.T) {
	s := NewJSONPlus(nil)

	_, err := s.LoadsTyped("pickle", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = s.LoadsTyped(TypeJSON, []byte(`{"k":"never.registered","v":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry_Conflicts(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", sampleMessage{}))
	require.NoError(t, reg.Register("a", sampleMessage{}), "re-registering the same pair is a no-op")

	assert.ErrorIs(t, reg.Register("a", 0), ErrDuplicateName)
	assert.ErrorIs(t, reg.Register("b", sampleMessage{}), ErrDuplicateName)
	assert.Error(t, reg.Register("str", sampleMessage{}))
	assert.Error(t, reg.Register("", sampleMessage{}))
	assert.Len(t, reg.byName, 1)
	assert.Contains(t, reg.byName, "a")
}

func TestProperty_PrimitiveRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	s := NewJSONPlus(nil)

	roundTrip := func(v any) (any, bool) {
		typ, data, err := s.DumpsTyped(v)
		if err != nil {
			t.Logf("dump failed: %v", err)
			return nil, false
		}
		out, err := s.LoadsTyped(typ, data)
		if err != nil {
			t.Logf("load failed: %v", err)
			return nil, false
		}
		return out, true
	}

	properties.Property("strings survive", prop.ForAll(
		func(v string) bool {
			out, ok := roundTrip(v)
			return ok && out == v
		},
		gen.AnyString(),
	))

	properties.Property("ints keep their Go type", prop.ForAll(
		func(v int) bool {
			out, ok := roundTrip(v)
			_, isInt := out.(int)
			return ok && isInt && out == v
		},
		gen.Int(),
	))

	properties.Property("int64 keeps full precision", prop.ForAll(
		func(v int64) bool {
			out, ok := roundTrip(v)
			return ok && out == v
		},
		gen.Int64(),
	))

	properties.Property("string maps survive", prop.ForAll(
		func(keys []string, value string) bool {
			in := make(map[string]any, len(keys))
			for _, k := range keys {
				in[k] = value
			}
			out, ok := roundTrip(in)
			if !ok {
				return false
			}
			m, isMap := out.(map[string]any)
			if !isMap || len(m) != len(in) {
				return false
			}
			for k, v := range in {
				if m[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
