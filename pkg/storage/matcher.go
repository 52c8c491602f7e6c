package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// condition is one "column = value" equality from a parsed where clause.
type condition struct {
	col string
	val string
}

var clausePattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*\?\s*$`)

// parseWhere parses the equality-only clause subset shared by the document
// backends: zero or more "col = ?" terms joined by AND, with one bound
// parameter per term. An empty clause matches everything.
func parseWhere(where string, params []any) ([]condition, error) {
	where = strings.TrimSpace(where)
	if where == "" {
		if len(params) > 0 {
			return nil, fmt.Errorf("%w: %d parameters without a clause", ErrUnsupportedWhere, len(params))
		}
		return nil, nil
	}

	terms := splitAnd(where)
	if len(terms) != len(params) {
		return nil, fmt.Errorf("%w: %d terms but %d parameters", ErrUnsupportedWhere, len(terms), len(params))
	}

	conds := make([]condition, 0, len(terms))
	for i, term := range terms {
		m := clausePattern.FindStringSubmatch(term)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedWhere, strings.TrimSpace(term))
		}
		val, err := textValue(params[i])
		if err != nil {
			return nil, err
		}
		conds = append(conds, condition{col: sanitize(m[1]), val: val})
	}
	return conds, nil
}

// splitAnd splits on the AND keyword case-insensitively.
func splitAnd(where string) []string {
	var terms []string
	rest := where
	for {
		idx := indexWordAnd(rest)
		if idx < 0 {
			terms = append(terms, rest)
			return terms
		}
		terms = append(terms, rest[:idx])
		rest = rest[idx+len("and"):]
	}
}

func indexWordAnd(s string) int {
	lower := strings.ToLower(s)
	from := 0
	for {
		idx := strings.Index(lower[from:], "and")
		if idx < 0 {
			return -1
		}
		idx += from
		before := idx == 0 || isSpace(lower[idx-1])
		after := idx+3 >= len(lower) || isSpace(lower[idx+3])
		if before && after {
			return idx
		}
		from = idx + 3
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// matches reports whether a stored record satisfies every condition.
func matches(record map[string]string, conds []condition) bool {
	for _, c := range conds {
		got, ok := record[c.col]
		if !ok || got != c.val {
			return false
		}
	}
	return true
}
