package aggregator_test

import (
	"path/filepath"
	"testing"

	"github.com/arc-archive/arc-datastore/aggregator"
	"github.com/arc-archive/arc-datastore/aggregator/backendtest"
)

func TestMemoryStoreConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) aggregator.Backend {
		return aggregator.NewMemoryStore()
	})
}

func TestSQLiteStoreConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) aggregator.Backend {
		store, err := aggregator.NewStore(filepath.Join(t.TempDir(), "conformance.db"))
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}
