package storage

import (
	"strings"
	"testing"
)

func TestParseTable(t *testing.T) {
	tests := []struct {
		raw       string
		want      string
		sanitized string
		wantErr   bool
	}{
		{raw: "events_current", want: "events_current", sanitized: `"events_current"`},
		{raw: " analytics.clicks ", want: "analytics.clicks", sanitized: `"analytics"."clicks"`},
		{raw: "", wantErr: true},
		{raw: "a.b.c", wantErr: true},
		{raw: "clicks; DROP TABLE x", wantErr: true},
		{raw: "1clicks", wantErr: true},
		{raw: ".clicks", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			table, err := ParseTable(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseTable(%q) expected error, got %v", tc.raw, table)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTable(%q): %v", tc.raw, err)
			}
			if table.String() != tc.want {
				t.Fatalf("String() = %q, want %q", table.String(), tc.want)
			}
			if table.Sanitize() != tc.sanitized {
				t.Fatalf("Sanitize() = %q, want %q", table.Sanitize(), tc.sanitized)
			}
		})
	}
}

func TestProvisionStatementsAreIdempotent(t *testing.T) {
	current, _ := ParseTable("analytics.clicks")
	exceptions, _ := ParseTable("click_exceptions")

	stmts := provisionStatements(current, exceptions)
	if len(stmts) != 6 {
		t.Fatalf("statement count = %d, want 6", len(stmts))
	}
	for _, stmt := range stmts {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Fatalf("statement is not idempotent: %s", stmt)
		}
	}
	if !strings.Contains(stmts[0], `CREATE SCHEMA IF NOT EXISTS "analytics"`) {
		t.Fatalf("expected schema creation first, got %s", stmts[0])
	}
	if !strings.Contains(stmts[1], "event_id TEXT PRIMARY KEY") {
		t.Fatalf("current state table must be keyed by event_id: %s", stmts[1])
	}
	if strings.Contains(stmts[3], "event_id TEXT PRIMARY KEY") {
		t.Fatalf("exception table must not be unique on event_id: %s", stmts[3])
	}
	if !strings.Contains(stmts[2], `"clicks_event_timestamp_idx" ON "analytics"."clicks" (event_timestamp)`) {
		t.Fatalf("missing event_timestamp index: %s", stmts[2])
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{-1: DefaultQueryLimit, 0: DefaultQueryLimit, 10: 10, MaxQueryLimit: MaxQueryLimit, 10000: MaxQueryLimit}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
