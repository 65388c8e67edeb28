package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	t.Run("sorts object keys at every level", func(t *testing.T) {
		out, err := Canonicalize(json.RawMessage(`{"b":1,"a":{"z":true,"y":false},"c":[{"k2":1,"k1":2}]}`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":{"y":false,"z":true},"b":1,"c":[{"k1":2,"k2":1}]}`, string(out))
	})

	t.Run("strips insignificant whitespace", func(t *testing.T) {
		out, err := Canonicalize(json.RawMessage(" { \"a\" : [ 1 , 2 ] } "))
		require.NoError(t, err)
		assert.Equal(t, `{"a":[1,2]}`, string(out))
	})

	t.Run("accepts structs and maps", func(t *testing.T) {
		type payload struct {
			Voltage float64 `json:"voltage"`
			Mode    string  `json:"mode"`
		}
		out, err := Canonicalize(payload{Voltage: 3.3, Mode: "idle"})
		require.NoError(t, err)
		assert.Equal(t, `{"mode":"idle","voltage":3.3}`, string(out))
	})

	t.Run("number forms follow shortest round-trip decimal", func(t *testing.T) {
		cases := map[string]string{
			`10.0`:                  `10`,
			`1.50`:                  `1.5`,
			`-0`:                    `0`,
			`1e+21`:                 `1e+21`,
			`1e21`:                  `1e+21`,
			`100000000000000000000`: `100000000000000000000`,
			`0.000001`:              `0.000001`,
			`1e-7`:                  `1e-7`,
			`3.141592653589793`:     `3.141592653589793`,
			`9007199254740992`:      `9007199254740992`,
		}
		for in, want := range cases {
			out, err := Canonicalize(json.RawMessage(`[` + in + `]`))
			require.NoError(t, err, "input %s", in)
			assert.Equal(t, `[`+want+`]`, string(out), "input %s", in)
		}
	})

	t.Run("string escapes use the minimal set", func(t *testing.T) {
		out, err := Canonicalize(map[string]any{"s": "a\"b\\c\nd\x01"})
		require.NoError(t, err)
		assert.Equal(t, `{"s":"a\"b\\c\nd\u0001"}`, string(out))
	})

	t.Run("unicode is emitted literally", func(t *testing.T) {
		out, err := Canonicalize(map[string]any{"city": "Tromsø"})
		require.NoError(t, err)
		assert.Equal(t, `{"city":"Tromsø"}`, string(out))
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := Canonicalize(json.RawMessage(`{"x":`))
		assert.Error(t, err)
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		_, err := Canonicalize(json.RawMessage(`{"a":1}{"b":2}`))
		assert.Error(t, err)
	})

	t.Run("is stable across calls", func(t *testing.T) {
		in := json.RawMessage(`{"k3":3,"k1":1,"k2":{"n":[1,2,3]}}`)
		first, err := Canonicalize(in)
		require.NoError(t, err)
		second, err := Canonicalize(in)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestFormatESNumber(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{1, "1"},
		{-1, "-1"},
		{0.5, "0.5"},
		{1e21, "1e+21"},
		{1e20, "100000000000000000000"},
		{1e-6, "0.000001"},
		{1e-7, "1e-7"},
		{-2.5e-8, "-2.5e-8"},
		{123456789.123, "123456789.123"},
	}
	for _, tc := range cases {
		got, err := formatESNumber(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %v", tc.in)
	}
}
