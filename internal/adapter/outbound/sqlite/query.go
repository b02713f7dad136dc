package sqlite

import (
	"fmt"
	"strings"

	"github.com/mcplens/mcplens/internal/domain/capture"
)

// buildWhere renders the filter grammar into a WHERE clause. Values
// within one filter OR together; distinct filters AND together.
func buildWhere(q capture.LogQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)

	addString := func(column string, f capture.StringFilter) {
		if f.IsZero() {
			return
		}
		switch f.Operator {
		case capture.OperatorContains:
			parts := make([]string, len(f.Values))
			for i, v := range f.Values {
				parts[i] = fmt.Sprintf("instr(lower(%s), lower(?)) > 0", column)
				args = append(args, v)
			}
			conds = append(conds, "("+strings.Join(parts, " OR ")+")")
		default: // exact, case-sensitive
			placeholders := make([]string, len(f.Values))
			for i, v := range f.Values {
				placeholders[i] = "?"
				args = append(args, v)
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
		}
	}

	addNumber := func(column string, f capture.NumberFilter) {
		if f.IsZero() {
			return
		}
		if len(f.Eq) > 0 {
			placeholders := make([]string, len(f.Eq))
			for i, v := range f.Eq {
				placeholders[i] = "?"
				args = append(args, v)
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
		}
		if f.Gt != nil {
			conds = append(conds, column+" > ?")
			args = append(args, *f.Gt)
		}
		if f.Lt != nil {
			conds = append(conds, column+" < ?")
			args = append(args, *f.Lt)
		}
		if f.Gte != nil {
			conds = append(conds, column+" >= ?")
			args = append(args, *f.Gte)
		}
		if f.Lte != nil {
			conds = append(conds, column+" <= ?")
			args = append(args, *f.Lte)
		}
	}

	addString("serverName", q.Server)
	addString("sessionId", q.Session)
	addString("clientName", q.Client)
	addString("method", q.Method)

	addNumber("durationMs", q.Duration)
	addNumber("tokens", q.Tokens)

	for _, term := range q.Search {
		if term == "" {
			continue
		}
		conds = append(conds,
			"(instr(lower(coalesce(requestJson, '')), lower(?)) > 0 OR instr(lower(coalesce(responseJson, '')), lower(?)) > 0)")
		args = append(args, term, term)
	}

	if q.After != nil {
		conds = append(conds, "timestamp > ?")
		args = append(args, formatTime(*q.After))
	}
	if q.Before != nil {
		conds = append(conds, "timestamp < ?")
		args = append(args, formatTime(*q.Before))
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
