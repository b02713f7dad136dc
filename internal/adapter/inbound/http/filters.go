package http

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mcplens/mcplens/internal/domain/capture"
)

// parseLogQuery translates /api/logs query parameters into a LogQuery.
//
// String fields take repeated keys (?server=a&server=b selects either)
// and an optional operator prefix on each value (is: or contains:).
// server, session, and client default to exact match; method defaults to
// substring. Numeric fields use suffixed keys (durationEq, durationGt,
// tokensLte, ...). Each search key adds one AND-ed free-text term.
func parseLogQuery(values url.Values) (capture.LogQuery, error) {
	var q capture.LogQuery
	var err error

	if q.Server, err = parseStringFilter("server", values["server"], capture.OperatorIs); err != nil {
		return q, err
	}
	if q.Session, err = parseStringFilter("session", values["session"], capture.OperatorIs); err != nil {
		return q, err
	}
	if q.Client, err = parseStringFilter("client", values["client"], capture.OperatorIs); err != nil {
		return q, err
	}
	if q.Method, err = parseStringFilter("method", values["method"], capture.OperatorContains); err != nil {
		return q, err
	}

	if q.Duration, err = parseNumberFilter(values, "duration"); err != nil {
		return q, err
	}
	if q.Tokens, err = parseNumberFilter(values, "tokens"); err != nil {
		return q, err
	}

	for _, term := range values["search"] {
		if term != "" {
			q.Search = append(q.Search, term)
		}
	}

	if q.After, err = parseTimeParam(values.Get("after"), "after"); err != nil {
		return q, err
	}
	if q.Before, err = parseTimeParam(values.Get("before"), "before"); err != nil {
		return q, err
	}

	if raw := values.Get("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil {
			return q, fmt.Errorf("limit must be an integer, got %q", raw)
		}
		q.Limit = n
	}

	switch order := values.Get("order"); order {
	case "":
	case string(capture.OrderAsc), string(capture.OrderDesc):
		q.Order = capture.Order(order)
	default:
		return q, fmt.Errorf("order must be asc or desc, got %q", order)
	}

	return q, nil
}

// parseStringFilter builds one multi-select filter. A prefix on any
// value switches the whole field's operator; the prefix is stripped.
// A field has one operator, so conflicting prefixes are rejected.
func parseStringFilter(name string, raw []string, def capture.StringOperator) (capture.StringFilter, error) {
	f := capture.StringFilter{Operator: def}
	var explicit capture.StringOperator
	for _, v := range raw {
		var op capture.StringOperator
		switch {
		case strings.HasPrefix(v, "is:"):
			op = capture.OperatorIs
			v = strings.TrimPrefix(v, "is:")
		case strings.HasPrefix(v, "contains:"):
			op = capture.OperatorContains
			v = strings.TrimPrefix(v, "contains:")
		}
		if op != "" {
			if explicit != "" && explicit != op {
				return f, fmt.Errorf("%s mixes is: and contains: prefixes", name)
			}
			explicit = op
			f.Operator = op
		}
		if v == "" {
			continue
		}
		f.Values = append(f.Values, v)
	}
	return f, nil
}

// parseNumberFilter reads the suffixed keys for one numeric field:
// <name>Eq is repeatable (OR), the comparison suffixes are single-valued.
func parseNumberFilter(values url.Values, name string) (capture.NumberFilter, error) {
	var f capture.NumberFilter

	for _, raw := range values[name+"Eq"] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%sEq must be an integer, got %q", name, raw)
		}
		f.Eq = append(f.Eq, n)
	}

	for suffix, dst := range map[string]**int64{
		"Gt":  &f.Gt,
		"Lt":  &f.Lt,
		"Gte": &f.Gte,
		"Lte": &f.Lte,
	} {
		raw := values.Get(name + suffix)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%s%s must be an integer, got %q", name, suffix, raw)
		}
		*dst = &n
	}

	return f, nil
}

// parseTimeParam accepts RFC 3339 timestamps, including the storage
// layer's fixed-width millisecond form.
func parseTimeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp, got %q", name, raw)
	}
	t = t.UTC()
	return &t, nil
}
