package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"clickstream/src/lib"
	"clickstream/src/storage"
	"clickstream/src/storage/sqlite"
)

func testConfig(t *testing.T) lib.Config {
	t.Helper()
	cfg := lib.DefaultConfig()
	cfg.StoreDriver = lib.StoreDriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ingest.db")
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Workers = 2
	cfg.MergeRetryInitial = time.Millisecond
	cfg.MergeRetryMax = 2 * time.Millisecond
	cfg.GeneratorAPIKey = "secret"
	return cfg
}

func openTestStore(t *testing.T, cfg lib.Config) storage.Store {
	t.Helper()
	store, err := sqlite.Open(cfg.SQLitePath, cfg.CurrentStateTable, cfg.ExceptionTable)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	if err := store.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	return store
}

// seedEvents runs payloads through the real handler.
func seedEvents(t *testing.T, cfg lib.Config, store storage.Store, payloads ...string) {
	t.Helper()
	handler := NewMessageHandler(cfg, store, nil, nil, nil)
	for _, payload := range payloads {
		if _, err := handler.Handle(context.Background(), []byte(payload)); err != nil {
			t.Fatalf("seed %s: %v", payload, err)
		}
	}
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}
