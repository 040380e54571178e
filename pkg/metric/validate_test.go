package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfold/pulse/core/pkg/predicate"
)

func TestValidatorAcceptsWellFormedSpec(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(sampleSpec()))

	empty := sampleSpec()
	empty.FilterJSON = ""
	assert.NoError(t, v.Validate(empty), "empty filter means match-all")
}

func TestValidatorRejections(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"empty name", func(s *Spec) { s.Name = "" }},
		{"empty category", func(s *Spec) { s.EventCategory = "" }},
		{"zero threshold", func(s *Spec) { s.Threshold = 0 }},
		{"negative threshold", func(s *Spec) { s.Threshold = -3 }},
		{"zero window", func(s *Spec) { s.WindowSeconds = 0 }},
		{"unknown severity", func(s *Spec) { s.Severity = "urgent" }},
		{"malformed filter", func(s *Spec) { s.FilterJSON = `{"status":` }},
		{"bad filter operand", func(s *Spec) { s.FilterJSON = `{"amount_gt": "lots"}` }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := sampleSpec()
			tc.mutate(&spec)
			err := v.Validate(spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestValidatorSurfacesFilterErrors(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	spec := sampleSpec()
	spec.FilterJSON = `{"country_in": "RU"}`
	err = v.Validate(spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, predicate.ErrMalformed)
}

func TestSeverityValid(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		assert.True(t, s.Valid(), "severity %s", s)
	}
	assert.False(t, Severity("urgent").Valid())
	assert.False(t, Severity("").Valid())
}
