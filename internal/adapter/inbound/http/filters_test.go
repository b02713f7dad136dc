package http

import (
	"net/url"
	"testing"
	"time"

	"github.com/mcplens/mcplens/internal/domain/capture"
)

func TestParseLogQuery_Defaults(t *testing.T) {
	t.Parallel()

	q, err := parseLogQuery(url.Values{
		"server": {"a", "b"},
		"method": {"tools"},
	})
	if err != nil {
		t.Fatalf("parseLogQuery: %v", err)
	}
	if q.Server.Operator != capture.OperatorIs || len(q.Server.Values) != 2 {
		t.Errorf("server = %+v, want is [a b]", q.Server)
	}
	if q.Method.Operator != capture.OperatorContains || q.Method.Values[0] != "tools" {
		t.Errorf("method = %+v, want contains [tools]", q.Method)
	}
}

func TestParseLogQuery_OperatorPrefix(t *testing.T) {
	t.Parallel()

	q, err := parseLogQuery(url.Values{
		"method":  {"is:initialize"},
		"session": {"contains:sess"},
	})
	if err != nil {
		t.Fatalf("parseLogQuery: %v", err)
	}
	if q.Method.Operator != capture.OperatorIs || q.Method.Values[0] != "initialize" {
		t.Errorf("method = %+v, want is [initialize] with prefix stripped", q.Method)
	}
	if q.Session.Operator != capture.OperatorContains || q.Session.Values[0] != "sess" {
		t.Errorf("session = %+v, want contains [sess]", q.Session)
	}
}

func TestParseLogQuery_MixedPrefixesRejected(t *testing.T) {
	t.Parallel()

	if _, err := parseLogQuery(url.Values{
		"server": {"is:a", "contains:b"},
	}); err == nil {
		t.Error("conflicting operator prefixes on one field accepted")
	}

	// Repeating the same prefix is fine.
	q, err := parseLogQuery(url.Values{
		"server": {"contains:a", "contains:b"},
	})
	if err != nil {
		t.Fatalf("parseLogQuery: %v", err)
	}
	if q.Server.Operator != capture.OperatorContains || len(q.Server.Values) != 2 {
		t.Errorf("server = %+v, want contains [a b]", q.Server)
	}
}

func TestParseLogQuery_EmptyValuesSkipped(t *testing.T) {
	t.Parallel()

	q, err := parseLogQuery(url.Values{
		"server": {"", "is:"},
		"search": {"", "needle"},
	})
	if err != nil {
		t.Fatalf("parseLogQuery: %v", err)
	}
	if len(q.Server.Values) != 0 {
		t.Errorf("server values = %v, want none", q.Server.Values)
	}
	if len(q.Search) != 1 || q.Search[0] != "needle" {
		t.Errorf("search = %v, want [needle]", q.Search)
	}
}

func TestParseLogQuery_NumberKeys(t *testing.T) {
	t.Parallel()

	q, err := parseLogQuery(url.Values{
		"durationEq": {"5", "10"},
		"durationGt": {"100"},
		"tokensLte":  {"2000"},
	})
	if err != nil {
		t.Fatalf("parseLogQuery: %v", err)
	}
	if len(q.Duration.Eq) != 2 || q.Duration.Eq[1] != 10 {
		t.Errorf("durationEq = %v", q.Duration.Eq)
	}
	if q.Duration.Gt == nil || *q.Duration.Gt != 100 {
		t.Errorf("durationGt = %v", q.Duration.Gt)
	}
	if q.Tokens.Lte == nil || *q.Tokens.Lte != 2000 {
		t.Errorf("tokensLte = %v", q.Tokens.Lte)
	}

	if _, err := parseLogQuery(url.Values{"durationGt": {"fast"}}); err == nil {
		t.Error("non-integer durationGt accepted")
	}
}

func TestParseLogQuery_TimeWindow(t *testing.T) {
	t.Parallel()

	q, err := parseLogQuery(url.Values{
		"after":  {"2026-08-24T10:00:00.000Z"},
		"before": {"2026-08-24T11:00:00+01:00"},
	})
	if err != nil {
		t.Fatalf("parseLogQuery: %v", err)
	}
	if q.After == nil || !q.After.Equal(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("after = %v", q.After)
	}
	// Offsets normalize to UTC.
	if q.Before == nil || !q.Before.Equal(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("before = %v", q.Before)
	}

	if _, err := parseLogQuery(url.Values{"after": {"yesterday"}}); err == nil {
		t.Error("non-timestamp after accepted")
	}
}

func TestParseLogQuery_LimitAndOrder(t *testing.T) {
	t.Parallel()

	q, err := parseLogQuery(url.Values{"limit": {"25"}, "order": {"asc"}})
	if err != nil {
		t.Fatalf("parseLogQuery: %v", err)
	}
	if q.Limit != 25 || q.Order != capture.OrderAsc {
		t.Errorf("limit = %d order = %q", q.Limit, q.Order)
	}

	if _, err := parseLogQuery(url.Values{"limit": {"many"}}); err == nil {
		t.Error("non-integer limit accepted")
	}
	if _, err := parseLogQuery(url.Values{"order": {"sideways"}}); err == nil {
		t.Error("invalid order accepted")
	}
}
