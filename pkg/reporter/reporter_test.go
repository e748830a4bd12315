package reporter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tembocs/entidb/pkg/reporter"
)

func TestNoDSNReportsWithoutError(t *testing.T) {
	r, err := reporter.New(reporter.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Must not panic or block: no Sentry client was initialized.
	r.Report(context.Background(), "/tmp/db", "wal", errors.New("durability failure"))
	r.Close()
}

func TestNilReporterIsANoOp(t *testing.T) {
	var r *reporter.Reporter
	r.Report(context.Background(), "/tmp/db", "segment", errors.New("boom"))
	r.Close()
}
