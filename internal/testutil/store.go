// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"

	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T, opts ...repository.Option) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestFeed returns an in-memory store wired to a fresh hub.
func NewTestFeed(t *testing.T) (*repository.SQLiteStore, *feed.Hub) {
	t.Helper()

	hub := feed.NewHub(nil)
	t.Cleanup(hub.Close)
	return NewTestSQLiteStore(t, repository.WithPublisher(hub)), hub
}
