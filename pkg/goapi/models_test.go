package goapi_test

import (
	"encoding/json"
	"testing"

	"github.com/illmade-knight/go-refdata/pkg/goapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumKey_UnmarshalJSON(t *testing.T) {
	testCases := []struct {
		name string
		json string
		want goapi.EnumKey
	}{
		{"number", `{"key":3,"value":"x"}`, "3"},
		{"string", `{"key":"open","value":"x"}`, "open"},
		{"null", `{"key":null,"value":"x"}`, ""},
		{"missing", `{"value":"x"}`, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var opt goapi.EnumOption
			require.NoError(t, json.Unmarshal([]byte(tc.json), &opt))
			assert.Equal(t, tc.want, opt.Key)
		})
	}
}
