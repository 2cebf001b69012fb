package db

import (
	"net/url"
	"strings"
	"testing"
)

func TestNormalizeDatabaseURLSchemes(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "prisma", raw: "prisma+postgres://u:p@localhost:5432/app", expected: "postgres"},
		{name: "psycopg", raw: "postgresql+psycopg://u:p@localhost:5432/app", expected: "postgres"},
		{name: "postgresql", raw: "postgresql://u:p@localhost:5432/app", expected: "postgres"},
		{name: "already postgres", raw: "postgres://u:p@localhost:5432/app", expected: "postgres"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := url.Parse(normalizeDatabaseURL(tc.raw))
			if err != nil {
				t.Fatalf("parse normalized url: %v", err)
			}
			if parsed.Scheme != tc.expected {
				t.Fatalf("scheme = %q, expected %q", parsed.Scheme, tc.expected)
			}
		})
	}
}

func TestNormalizeDatabaseURLLeavesOtherSchemesAlone(t *testing.T) {
	raw := "mysql://u:p@localhost:3306/app?schema=public"
	if got := normalizeDatabaseURL(raw); got != raw {
		t.Fatalf("non-postgres urls must pass through untouched, got %q", got)
	}
}

func TestNormalizeDatabaseURLFiltersQueryParams(t *testing.T) {
	raw := "postgresql://u:p@localhost:5432/app" +
		"?host=%2Fcloudsql%2Fproj%3Aregion%3Ainstance&sslmode=disable&schema=public&connection_limit=5"
	parsed, err := url.Parse(normalizeDatabaseURL(raw))
	if err != nil {
		t.Fatalf("parse normalized url: %v", err)
	}
	query := parsed.Query()

	// host is how Cloud SQL unix-socket URLs point pgx at the socket dir.
	if query.Get("host") != "/cloudsql/proj:region:instance" {
		t.Fatalf("host query must survive, got %q", query.Get("host"))
	}
	if query.Get("sslmode") != "disable" {
		t.Fatalf("sslmode must survive, got %q", query.Get("sslmode"))
	}
	for _, key := range []string{"schema", "connection_limit"} {
		if query.Get(key) != "" {
			t.Fatalf("unsupported key %q must be dropped, got %q", key, query.Get(key))
		}
	}
}

func TestSupportedPGQueryKeysIncludeHost(t *testing.T) {
	for _, key := range []string{"host", "sslmode", "connect_timeout"} {
		if _, ok := supportedPGQueryKeys[key]; !ok {
			t.Fatalf("expected %q in the supported key set", key)
		}
	}
	if _, ok := supportedPGQueryKeys["schema"]; ok {
		t.Fatalf("prisma-only keys must not be in the supported set")
	}
}

func TestNormalizeDatabaseURLTrimsWhitespace(t *testing.T) {
	got := normalizeDatabaseURL("  postgres://u:p@localhost:5432/app  ")
	if strings.TrimSpace(got) != got || !strings.HasPrefix(got, "postgres://") {
		t.Fatalf("surrounding whitespace must be trimmed, got %q", got)
	}
}
