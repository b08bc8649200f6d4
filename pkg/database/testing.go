package database

import (
	"context"
	"path/filepath"
	"testing"
)

// NewTestClient opens a fresh migrated database in a per-test temp directory.
func NewTestClient(t *testing.T) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	client, err := NewClient(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
