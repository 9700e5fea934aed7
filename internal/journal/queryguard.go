package journal

import (
	"context"
	"fmt"
	"strings"
)

// GuardReadOnlyQuery rejects any SQL that is not a pure SELECT or WITH
// statement. It protects the agent-facing db_query tool: the agent may
// explore the journal but never mutate it.
func GuardReadOnlyQuery(query string) error {
	stripped := stripSQLComments(query)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	if i := strings.IndexByte(trimmed, ';'); i >= 0 && strings.TrimSpace(trimmed[i+1:]) != "" {
		return fmt.Errorf("multiple statements are not allowed")
	}

	first := strings.ToUpper(firstWord(trimmed))
	if first != "SELECT" && first != "WITH" {
		return fmt.Errorf("only SELECT and WITH queries are allowed, got %s", first)
	}
	// A WITH prefix alone proves nothing: the CTE list can feed a DELETE,
	// UPDATE or INSERT. Check the verb of the statement body itself.
	if verb := statementVerb(trimmed); verb != "SELECT" {
		if verb == "" {
			verb = first
		}
		return fmt.Errorf("only SELECT statement bodies are allowed, got %s", verb)
	}
	return nil
}

// statementVerb returns the first statement keyword found at parenthesis
// depth zero, skipping string literals and quoted identifiers. For a WITH
// query the CTE bodies sit inside parentheses, so this is the verb of the
// statement the CTE list feeds.
func statementVerb(s string) string {
	depth := 0
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '\'' || c == '"' || c == '`':
			i++
			for i < len(s) && s[i] != c {
				i++
			}
			i++
		case c == '[':
			for i < len(s) && s[i] != ']' {
				i++
			}
			i++
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			i++
		case isWordByte(c):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			if depth == 0 {
				switch w := strings.ToUpper(s[i:j]); w {
				case "SELECT", "VALUES", "INSERT", "UPDATE", "DELETE", "REPLACE":
					return w
				}
			}
			i = j
		default:
			i++
		}
	}
	return ""
}

func isWordByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '(' {
			return s[:i]
		}
	}
	return s
}

func stripSQLComments(s string) string {
	var b strings.Builder
	for {
		line := s
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			line, s = s[:i+1], s[i+1:]
		} else {
			s = ""
		}
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i] + "\n"
		}
		b.WriteString(line)
		if s == "" {
			break
		}
	}
	out := b.String()
	for {
		start := strings.Index(out, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "*/")
		if end < 0 {
			out = out[:start]
			break
		}
		out = out[:start] + out[start+end+2:]
	}
	return out
}

// Query runs a guarded read-only query and returns rows as maps, the shape
// the agent tool serializes to JSON.
func (s *Store) Query(ctx context.Context, query string) ([]map[string]any, error) {
	if err := GuardReadOnlyQuery(query); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
