package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decomposition struct {
	Complexity      string `json:"complexity"`
	ShouldDecompose bool   `json:"should_decompose"`
}

func TestDecodeLooseCleanJSON(t *testing.T) {
	var d decomposition
	require.NoError(t, DecodeLoose(`{"complexity":"low","should_decompose":false}`, &d))
	assert.Equal(t, "low", d.Complexity)
	assert.False(t, d.ShouldDecompose)
}

func TestDecodeLooseMarkdownFence(t *testing.T) {
	raw := "```json\n{\"complexity\": \"high\", \"should_decompose\": true}\n```"
	var d decomposition
	require.NoError(t, DecodeLoose(raw, &d))
	assert.Equal(t, "high", d.Complexity)
	assert.True(t, d.ShouldDecompose)
}

func TestDecodeLooseLeadingProse(t *testing.T) {
	raw := "Sure, here is the analysis:\n{\"complexity\":\"medium\",\"should_decompose\":true} hope that helps"
	var d decomposition
	require.NoError(t, DecodeLoose(raw, &d))
	assert.Equal(t, "medium", d.Complexity)
}

func TestDecodeLooseRepairsTrailingComma(t *testing.T) {
	raw := `{"complexity":"low","should_decompose":false,}`
	var d decomposition
	require.NoError(t, DecodeLoose(raw, &d))
	assert.Equal(t, "low", d.Complexity)
}

func TestDecodeLooseRejectsGarbage(t *testing.T) {
	var d decomposition
	assert.Error(t, DecodeLoose("no json here at all", &d))
	assert.Error(t, DecodeLoose("", &d))
}

func TestExtractObjectBalancesNestedBraces(t *testing.T) {
	raw := `prefix {"a": {"b": "}"}, "c": [1,2]} suffix`
	assert.Equal(t, `{"a": {"b": "}"}, "c": [1,2]}`, ExtractObject(raw))
}
