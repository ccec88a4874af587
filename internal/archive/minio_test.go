package archive

import (
	"context"
	"testing"

	"circadgo/internal/config"
)

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"exports/CIRCAD_Report.pdf": "application/pdf",
		"exports/report.CSV":        "text/csv",
		"state.json":                "application/json",
		"trace.bin":                 "application/octet-stream",
	}
	for path, want := range cases {
		if got := contentType(path); got != want {
			t.Fatalf("%s: expected %s, got %s", path, want, got)
		}
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(context.Background(), config.ArchiveConfig{}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
	if _, err := New(context.Background(), config.ArchiveConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
