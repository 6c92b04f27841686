package datalogging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelationalConditions(t *testing.T) {
	tests := []struct {
		cond Condition
		a, b float64
		want bool
	}{
		{Equal, 3, 3, true},
		{Equal, 3, 4, false},
		{NotEqual, 3, 4, true},
		{GreaterThan, 11, 10, true},
		{GreaterThan, 10, 10, false},
		{GreaterOrEqualThan, 10, 10, true},
		{LessThan, -1, 0, true},
		{LessThan, 0, 0, false},
		{LessOrEqualThan, 0, 0, true},
		{LessOrEqualThan, 0.5, 0.25, false},
	}
	for _, tt := range tests {
		t.Run(tt.cond.String(), func(t *testing.T) {
			var st conditionState
			assert.Equal(t, tt.want, evaluate(tt.cond, &st, []float64{tt.a, tt.b}))
		})
	}
}

func TestChangeMoreThan(t *testing.T) {
	var st conditionState

	// first evaluation only records the value
	assert.False(t, evaluate(ChangeMoreThan, &st, []float64{100, 5}))
	assert.False(t, evaluate(ChangeMoreThan, &st, []float64{104, 5}))
	assert.True(t, evaluate(ChangeMoreThan, &st, []float64{110, 5}))
	assert.False(t, evaluate(ChangeMoreThan, &st, []float64{111, 5}))

	st.reset()
	assert.False(t, evaluate(ChangeMoreThan, &st, []float64{0, -2}))
	assert.False(t, evaluate(ChangeMoreThan, &st, []float64{-1, -2}))
	assert.True(t, evaluate(ChangeMoreThan, &st, []float64{-4, -2}))
}

func TestIsWithin(t *testing.T) {
	var st conditionState
	assert.True(t, evaluate(IsWithin, &st, []float64{10, 12, 2}))
	assert.True(t, evaluate(IsWithin, &st, []float64{10, 12, -2}))
	assert.False(t, evaluate(IsWithin, &st, []float64{10, 12.5, 2}))
}

func TestParseCondition(t *testing.T) {
	for c := range conditionNames {
		got, err := ParseCondition(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCondition("bogus")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Decimation:    1,
		ProbeLocation: 0.5,
		Condition:     GreaterThan,
		Operands:      []Operand{RPV(0x1000), Literal(10)},
		Items:         []uint16{0x1000},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no items", func(c *Config) { c.Items = nil }},
		{"negative decimation", func(c *Config) { c.Decimation = -1 }},
		{"position above one", func(c *Config) { c.ProbeLocation = 1.01 }},
		{"position below zero", func(c *Config) { c.ProbeLocation = -0.1 }},
		{"negative hold", func(c *Config) { c.HoldTime = -1 }},
		{"operand count", func(c *Config) { c.Condition = IsWithin }},
		{"unknown condition", func(c *Config) { c.Condition = Condition(99) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			c.Operands = append([]Operand(nil), valid.Operands...)
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}
