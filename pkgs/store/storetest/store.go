// Package storetest provides stores for tests.
package storetest

import (
	"testing"

	"github.com/emx-mail/msgserver/pkgs/store"
)

// New creates an in-memory SQLiteStore with all migrations applied. It is
// closed when the test completes.
func New(t testing.TB) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
