package ecotask

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValuation(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		line      string
		rationale string
		amount    float64
		points    int
	}{
		{
			name:      "canonical",
			in:        "Estimated value: €12.50\nDescription: rationale",
			line:      "Estimated value: €12.50",
			rationale: "Description: rationale",
			amount:    12.5,
			points:    12,
		},
		{
			name:      "crlf and blank lines",
			in:        "\r\nEstimated value: € 7.99\r\n\r\nDescription: saves energy\r\nextra",
			line:      "Estimated value: € 7.99",
			rationale: "Description: saves energy",
			amount:    7.99,
			points:    7,
		},
		{
			name:      "whole number",
			in:        "Estimated value: €20\nDescription: big impact",
			line:      "Estimated value: €20",
			rationale: "Description: big impact",
			amount:    20,
			points:    20,
		},
		{
			name:      "at cap",
			in:        "Estimated value: €2147483647.00\nDescription: huge",
			line:      "Estimated value: €2147483647.00",
			rationale: "Description: huge",
			amount:    2147483647,
			points:    2147483647,
		},
		{
			name:      "below one",
			in:        "  Estimated value: €0.99  \nDescription: tiny",
			line:      "  Estimated value: €0.99  ",
			rationale: "Description: tiny",
			amount:    0.99,
			points:    0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ParseValuation(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.line, v.Line)
			assert.Equal(t, tc.rationale, v.Rationale)
			assert.InDelta(t, tc.amount, v.Amount, 1e-9)
			assert.Equal(t, tc.points, v.Points)
		})
	}
}

func TestParseValuationMalformed(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		field string
	}{
		{"empty", "", "valuation"},
		{"whitespace only", " \n\t\n", "valuation"},
		{"missing prefix", "Value: €12.50\nDescription: x", "valuation"},
		{"missing euro sign", "Estimated value: 12.50\nDescription: x", "valuation"},
		{"dollar sign", "Estimated value: $12.50\nDescription: x", "valuation"},
		{"not a number", "Estimated value: €twelve\nDescription: x", "valuation"},
		{"trailing text", "Estimated value: €12.50 per week\nDescription: x", "valuation"},
		{"comma decimal", "Estimated value: €12,50\nDescription: x", "valuation"},
		{"nan", "Estimated value: €NaN\nDescription: x", "valuation"},
		{"infinite", "Estimated value: €Inf\nDescription: x", "valuation"},
		{"negative", "Estimated value: €-3.00\nDescription: x", "valuation"},
		{"exponent", "Estimated value: €1e300\nDescription: x", "valuation"},
		{"hex float", "Estimated value: €0x1p4\nDescription: x", "valuation"},
		{"leading plus", "Estimated value: €+5\nDescription: x", "valuation"},
		{"trailing dot", "Estimated value: €5.\nDescription: x", "valuation"},
		{"above cap", "Estimated value: €3000000000\nDescription: x", "valuation"},
		{"missing rationale", "Estimated value: €12.50", "rationale"},
		{"missing rationale after blank", "Estimated value: €12.50\n\n", "rationale"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseValuation(tc.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedModelOutput)

			var me *MalformedOutputError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tc.field, me.Field)
			assert.Equal(t, tc.in, me.Output)
		})
	}
}

func TestParseVerdict(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		in   string
		want *bool
	}{
		{"Task completed. The photo shows planted saplings.", &yes},
		{"task COMPLETED - good job", &yes},
		{"Task not completed. No evidence of the clean up.", &no},
		{"'Task not completed' because the photo is unrelated", &no},
		{"I cannot tell from the evidence.", nil},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseVerdict(tc.in), tc.in)
	}
}

func TestMergeProof(t *testing.T) {
	assert.Equal(t, "I recycled\n\nExtracted Media Description:\nA bin full of bottles",
		MergeProof("I recycled", "A bin full of bottles"))
	assert.Equal(t, "\n\nExtracted Media Description:\n", MergeProof("", ""))
}
