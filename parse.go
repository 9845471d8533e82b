package ecotask

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	valuationPrefix = "Estimated value:"
	currencySign    = "€"

	// Points must fit an int32.
	maxAmount = math.MaxInt32
)

// Digits with an optional fractional part, no sign, exponent or hex.
var amountRE = regexp.MustCompile(`^\d+(\.\d+)?$`)

// Valuation is the parsed reply of the task rater.
type Valuation struct {
	Line      string // the valuation line as written by the model
	Rationale string // the line after it, verbatim
	Amount    float64
	Points    int
}

// ParseValuation parses rater output of the form
//
//	Estimated value: €12.50
//	Description: <short rationale>
//
// Blank lines are skipped and a trailing \r on each line is dropped. Anything
// after the rationale line is ignored. Points is the amount truncated to an
// integer.
func ParseValuation(text string) (Valuation, error) {
	var lines []string
	for l := range strings.SplitSeq(text, "\n") {
		l = strings.TrimSuffix(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}

	malformed := func(field, format string, args ...any) (Valuation, error) {
		return Valuation{}, &MalformedOutputError{Field: field, Output: text, Reason: fmt.Sprintf(format, args...)}
	}

	if len(lines) == 0 {
		return malformed("valuation", "empty reply")
	}

	rest, ok := strings.CutPrefix(strings.TrimSpace(lines[0]), valuationPrefix)
	if !ok {
		return malformed("valuation", "line %q lacks %q prefix", lines[0], valuationPrefix)
	}
	rest, ok = strings.CutPrefix(strings.TrimSpace(rest), currencySign)
	if !ok {
		return malformed("valuation", "line %q lacks %s sign", lines[0], currencySign)
	}
	num := strings.TrimSpace(rest)
	if !amountRE.MatchString(num) {
		return malformed("valuation", "%q is not a plain decimal amount", num)
	}
	amount, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return malformed("valuation", "%q is not a number", num)
	}
	if amount > maxAmount {
		return malformed("valuation", "amount %v exceeds %d", amount, maxAmount)
	}

	if len(lines) < 2 {
		return malformed("rationale", "missing rationale line")
	}

	return Valuation{
		Line:      lines[0],
		Rationale: lines[1],
		Amount:    amount,
		Points:    int(math.Trunc(amount)),
	}, nil
}

// ParseVerdict reports whether a validator reply says the task was completed.
// It returns nil when the reply states neither outcome.
func ParseVerdict(text string) *bool {
	lower := strings.ToLower(text)
	var completed bool
	switch {
	case strings.Contains(lower, "task not completed"):
		completed = false
	case strings.Contains(lower, "task completed"):
		completed = true
	default:
		return nil
	}
	return &completed
}

// MergeProof appends the photo description to the written proof.
func MergeProof(proof, mediaDescription string) string {
	return proof + "\n\nExtracted Media Description:\n" + mediaDescription
}
