package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-core/pkg/jsonvalue"
)

func mustParse(t *testing.T, raw string) jsonvalue.Value {
	t.Helper()
	v, err := jsonvalue.ParseJSON([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestRequiredFieldMissing(t *testing.T) {
	s := &Schema{Type: TypeObject, Required: []string{"name"}}
	v := mustParse(t, `{}`)
	violations := Validate(s, v)
	require.Len(t, violations, 1)
	assert.Equal(t, "name", violations[0].Path)
}

func TestTypeMismatch(t *testing.T) {
	s := &Schema{Type: TypeString}
	v := mustParse(t, `42`)
	violations := Validate(s, v)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Message, "expected type string")
}

func TestMinMaxNumeric(t *testing.T) {
	min := 1.0
	max := 10.0
	s := &Schema{Type: TypeNumber, Minimum: &min, Maximum: &max}

	assert.Len(t, Validate(s, mustParse(t, `0`)), 1)
	assert.Len(t, Validate(s, mustParse(t, `11`)), 1)
	assert.Len(t, Validate(s, mustParse(t, `5`)), 0)
}

func TestStringLengthAndPattern(t *testing.T) {
	minLen := 2
	maxLen := 5
	s := &Schema{Type: TypeString, MinLength: &minLen, MaxLength: &maxLen, Pattern: `^[a-z]+$`}

	assert.Len(t, Validate(s, mustParse(t, `"a"`)), 1, "too short")
	assert.Len(t, Validate(s, mustParse(t, `"abcdefgh"`)), 1, "too long")
	assert.Len(t, Validate(s, mustParse(t, `"AB"`)), 1, "pattern mismatch")
	assert.Len(t, Validate(s, mustParse(t, `"abc"`)), 0)
}

func TestEnum(t *testing.T) {
	s := &Schema{Enum: []jsonvalue.Value{jsonvalue.String("a"), jsonvalue.String("b")}}
	assert.Len(t, Validate(s, mustParse(t, `"a"`)), 0)
	assert.Len(t, Validate(s, mustParse(t, `"c"`)), 1)
}

func TestNestedPropertiesAndItems(t *testing.T) {
	min := 0.0
	s := &Schema{
		Type: TypeObject,
		Properties: map[string]*Schema{
			"tags": {Type: TypeArray, Items: &Schema{Type: TypeString}},
			"age":  {Type: TypeNumber, Minimum: &min},
		},
	}
	v := mustParse(t, `{"tags":["a", 1], "age": -5}`)
	violations := Validate(s, v)
	require.Len(t, violations, 2)
}

func TestIntegerTypeRejectsFractional(t *testing.T) {
	s := &Schema{Type: TypeInteger}
	assert.Len(t, Validate(s, mustParse(t, `3`)), 0)
	assert.Len(t, Validate(s, mustParse(t, `3.5`)), 1)
}
