package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyMatchesAll(t *testing.T) {
	sel, err := Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, sel)
	assert.True(t, sel.Matches(nil))
}

func TestMatches(t *testing.T) {
	props := map[string]any{
		"color":    "red",
		"size":     int32(10),
		"weight":   2.5,
		"fragile":  true,
		"region":   "eu-west",
		"discount": "50%",
	}
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"string equal", "color = 'red'", true},
		{"string not equal", "color <> 'red'", false},
		{"int compare", "size > 5", true},
		{"int float compare", "size >= 10.0", true},
		{"arithmetic", "size * 2 - 1 = 19", true},
		{"float less", "weight < 2", false},
		{"boolean", "fragile = TRUE", true},
		{"bare boolean identifier", "fragile", true},
		{"and", "color = 'red' AND size = 10", true},
		{"or", "color = 'blue' OR size = 10", true},
		{"not", "NOT color = 'blue'", true},
		{"between", "size BETWEEN 5 AND 15", true},
		{"not between", "size NOT BETWEEN 5 AND 15", false},
		{"in", "color IN ('green', 'red')", true},
		{"not in", "color NOT IN ('green', 'red')", false},
		{"like percent", "region LIKE 'eu%'", true},
		{"like underscore", "region LIKE 'eu_west'", true},
		{"not like", "region NOT LIKE 'us%'", true},
		{"like escape", "discount LIKE '50!%' ESCAPE '!'", true},
		{"like escape literal mismatch", "region LIKE 'eu!%' ESCAPE '!'", false},
		{"is null", "missing IS NULL", true},
		{"is not null", "color IS NOT NULL", true},
		{"missing comparison is unknown", "missing = 'x'", false},
		{"not of unknown is unknown", "NOT missing = 'x'", false},
		{"unknown or true", "missing = 'x' OR color = 'red'", true},
		{"unknown and false is false", "NOT (missing = 'x' AND color = 'blue')", true},
		{"type mismatch is unknown", "color > 3", false},
		{"quoted quote", "color = 'r''ed'", false},
		{"parentheses", "(size = 1 OR size = 10) AND color = 'red'", true},
		{"unary minus", "-size = -10", true},
		{"division by zero is unknown", "size / 0 = 1", false},
		{"keywords case insensitive", "color = 'red' and size between 1 and 20", true},
		{"long suffix", "size = 10L", true},
		{"exponent", "weight = 25e-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := Parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Matches(MapLookup(props)))
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"color = ",
		"color = 'red",
		"(size = 1",
		"size BETWEEN 1",
		"color LIKE 5",
		"color IN (1, 2)",
		"color IN 'red'",
		"color NOT = 'red'",
		"color = 'red' extra",
		"size # 2",
		"x LIKE 'a' ESCAPE 'ab'",
		"AND",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			var se *SyntaxError
			assert.ErrorAs(t, err, &se)
			assert.Error(t, Validate(src))
		})
	}
}

func TestSelectorString(t *testing.T) {
	sel, err := Parse("a = 1")
	require.NoError(t, err)
	assert.Equal(t, "a = 1", sel.String())

	var empty *Selector
	assert.Equal(t, "", empty.String())
}
