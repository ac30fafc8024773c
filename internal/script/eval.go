package script

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	affirmative = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "sure": true, "ok": true,
		"okay": true, "correct": true, "1": true, "affirmative": true,
	}
	negative = map[string]bool{
		"no": true, "n": true, "nope": true, "nah": true, "2": true, "negative": true,
	}
)

// Normalize folds case and whitespace and maps yes/no synonyms to "yes"/"no".
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!")
	switch {
	case affirmative[s]:
		return "yes"
	case negative[s]:
		return "no"
	}
	return s
}

// Evaluate reports whether response satisfies c. Numeric comparisons on
// non-numeric input are false.
func Evaluate(c Condition, response string) bool {
	got, want := Normalize(response), Normalize(c.Value)
	switch c.Operator {
	case OpEquals:
		return got == want
	case OpNotEquals:
		return got != want
	case OpContains:
		return strings.Contains(got, want)
	case OpGreaterThan, OpLessThan:
		a, err := strconv.ParseFloat(strings.TrimSpace(response), 64)
		if err != nil {
			return false
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Render replaces {{name}} with bound variables. Unbound names render empty.
func Render(content string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(content, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return vars[name]
	})
}
