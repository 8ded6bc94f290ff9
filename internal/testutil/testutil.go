// Package testutil provides fixtures shared by loopguard tests.
package testutil

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/plan"
)

// Epoch is the instant returned by FixedClock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// FixedClock returns a clock that always reports Epoch.
func FixedClock() func() time.Time {
	return func() time.Time { return Epoch }
}

// SequentialIDs returns an ID generator producing prefix-1, prefix-2, ...
// It is safe for concurrent use.
func SequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

// SQLiteLedger opens a sqlite ledger in a temporary directory. The store is
// closed when the test completes.
func SQLiteLedger(t *testing.T) *ledger.SQLiteStore {
	t.Helper()
	return ReopenSQLiteLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
}

// ReopenSQLiteLedger opens the sqlite ledger at path, as a second process
// sharing the same file would.
func ReopenSQLiteLedger(t *testing.T, path string) *ledger.SQLiteStore {
	t.Helper()
	s, err := ledger.OpenSQLite(path)
	if err != nil {
		t.Fatalf("failed to open sqlite ledger: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close sqlite ledger: %v", err)
		}
	})
	return s
}

// LoginFixPlan is a two-step plan used across coordinator tests.
func LoginFixPlan() plan.Plan {
	return plan.New(
		"ash", "Fix the flaky login test in auth service",
		"critic", "Review the patch for the login fix",
	)
}

// ReleaseNotesPlan shares no vocabulary with LoginFixPlan.
func ReleaseNotesPlan() plan.Plan {
	return plan.New(
		"nova", "Write release notes for version two",
		"hal", "Publish the changelog to docs site",
	)
}
