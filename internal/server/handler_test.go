package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pruvlabs/xychain/internal/server"
	"github.com/pruvlabs/xychain/internal/storage"
	"github.com/pruvlabs/xychain/pkg/xychain"
)

func newTestRouter(t *testing.T, store storage.Store, signer xychain.Signer, verifier xychain.Verifier, cfg server.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := server.New(store, signer, verifier, cfg, zap.NewNop())
	router := gin.New()
	srv.Register(router.Group("/api/v1"), nil)
	return router
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return serve(router, newJSONRequest(t, method, path, body))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func createChain(t *testing.T, router *gin.Engine, name string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/chains", map[string]any{"name": name})
	if w.Code != http.StatusCreated {
		t.Fatalf("create chain: status %d, body %s", w.Code, w.Body.String())
	}
	id, _ := decode(t, w)["id"].(string)
	if id == "" {
		t.Fatal("create chain returned no id")
	}
	return id
}

func TestCreateChain(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/chains", map[string]any{"name": "deploys"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	resp := decode(t, w)
	if resp["name"] != "deploys" {
		t.Errorf("name = %v", resp["name"])
	}
	if resp["length"] != float64(0) {
		t.Errorf("length = %v, want 0", resp["length"])
	}
	if resp["head"] != xychain.GenesisProof {
		t.Errorf("head of empty chain = %v, want genesis", resp["head"])
	}
}

func TestCreateChain_missingName(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	w := doJSON(t, router, http.MethodPost, "/api/v1/chains", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestCreateChain_signedWithoutKey(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	w := doJSON(t, router, http.MethodPost, "/api/v1/chains", map[string]any{"name": "x", "signed": true})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestAppendAndVerifyFlow(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	id := createChain(t, router, "flow")

	for i := 0; i < 3; i++ {
		w := doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", map[string]any{
			"action":  fmt.Sprintf("step-%d", i),
			"x_state": map[string]any{"n": i},
			"y_state": map[string]any{"n": i + 1},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("append %d: status %d, body %s", i, w.Code, w.Body.String())
		}
		entry := decode(t, w)
		if entry["index"] != float64(i) {
			t.Errorf("entry index = %v, want %d", entry["index"], i)
		}
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: status %d", w.Code)
	}
	resp := decode(t, w)
	if resp["valid"] != true {
		t.Errorf("verify response = %v", resp)
	}
	if _, present := resp["break_index"]; present {
		t.Error("valid chain should not report a break index")
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id, nil)
	if got := decode(t, w)["length"]; got != float64(3) {
		t.Errorf("chain length = %v, want 3", got)
	}
}

func TestAppendEntry_badRequests(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	id := createChain(t, router, "bad")

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing action", map[string]any{"x_state": map[string]any{}}},
		{"empty action", map[string]any{"action": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400", w.Code)
			}
		})
	}
}

func TestAppendEntry_unknownChain(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	w := doJSON(t, router, http.MethodPost, "/api/v1/chains/nope/entries", map[string]any{"action": "op"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestGetEntry(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	id := createChain(t, router, "entries")
	doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", map[string]any{"action": "op"})

	w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/entries/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if decode(t, w)["action"] != "op" {
		t.Error("entry action mismatch")
	}

	if w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/entries/5", nil); w.Code != http.StatusNotFound {
		t.Errorf("out-of-range entry: status %d, want 404", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/entries/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric index: status %d, want 400", w.Code)
	}
}

func TestExport_roundTripsThroughEngine(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	id := createChain(t, router, "export")
	doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", map[string]any{
		"action":  "op",
		"y_state": map[string]any{"done": true},
	})

	w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	loaded, err := xychain.Load(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID() != id || loaded.Len() != 1 {
		t.Errorf("loaded %s/%d", loaded.ID(), loaded.Len())
	}
	if valid, breakIdx := loaded.Verify(); !valid {
		t.Errorf("exported chain failed verification at %d", breakIdx)
	}
}

func TestVerifyAllQuery(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	id := createChain(t, router, "audit")
	doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", map[string]any{"action": "op"})

	w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/verify?all=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	resp := decode(t, w)
	if resp["valid"] != true {
		t.Errorf("verify all = %v", resp)
	}
	breaks, ok := resp["breaks"].([]any)
	if !ok || len(breaks) != 0 {
		t.Errorf("breaks = %v, want empty list", resp["breaks"])
	}
}

func TestChainReceipt(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{})
	id := createChain(t, router, "receipts")
	doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", map[string]any{"action": "op"})

	w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/receipt?task=nightly", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	var receipt xychain.Receipt
	if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.Task != "nightly" || receipt.ChainID != id || !receipt.Valid {
		t.Errorf("receipt = %+v", receipt)
	}
	if !receipt.VerifyHash() {
		t.Error("served receipt failed its hash check")
	}
}

func TestDeleteChain(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	router := newTestRouter(t, store, nil, nil, server.Config{})
	id := createChain(t, router, "doomed")

	if w := doJSON(t, router, http.MethodDelete, "/api/v1/chains/"+id, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", w.Code)
	}
	if w := doJSON(t, router, http.MethodDelete, "/api/v1/chains/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", w.Code)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	router := newTestRouter(t, store, nil, nil, server.Config{})
	id := createChain(t, router, "durable")
	doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", map[string]any{"action": "op"})

	// Fresh server over the same directory.
	store2, err := storage.NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	gin.SetMode(gin.TestMode)
	srv2 := server.New(store2, nil, nil, server.Config{}, zap.NewNop())
	if err := srv2.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	router2 := gin.New()
	srv2.Register(router2.Group("/api/v1"), nil)

	w := doJSON(t, router2, http.MethodGet, "/api/v1/chains/"+id+"/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify after restart: status %d", w.Code)
	}
	if decode(t, w)["valid"] != true {
		t.Error("restored chain failed verification")
	}
}

// failingStore wraps a Store so saves can be made to fail on demand.
type failingStore struct {
	storage.Store
	failSaves bool
}

func (f *failingStore) Save(ctx context.Context, c *xychain.Chain) error {
	if f.failSaves {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, c)
}

func TestAppendEntry_persistFailureRollsBack(t *testing.T) {
	inner, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := &failingStore{Store: inner}
	router := newTestRouter(t, store, nil, nil, server.Config{})
	id := createChain(t, router, "flaky")

	body := map[string]any{
		"action":  "op",
		"y_state": map[string]any{"n": 1},
	}
	if w := doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", body); w.Code != http.StatusCreated {
		t.Fatalf("first append: status %d", w.Code)
	}

	store.failSaves = true
	if w := doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", body); w.Code != http.StatusInternalServerError {
		t.Fatalf("append with failing store: status %d, want 500", w.Code)
	}

	// The failed entry must not linger in memory.
	w := doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id, nil)
	if got := decode(t, w)["length"]; got != float64(1) {
		t.Errorf("length after failed append = %v, want 1", got)
	}

	// A retry after the store recovers gets the same index the failed
	// attempt reported, not a duplicate transition.
	store.failSaves = false
	w = doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("retry append: status %d", w.Code)
	}
	if got := decode(t, w)["index"]; got != float64(1) {
		t.Errorf("retry index = %v, want 1", got)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/chains/"+id+"/verify", nil)
	if decode(t, w)["valid"] != true {
		t.Error("chain invalid after rollback and retry")
	}
}

func TestRedactingServer(t *testing.T) {
	router := newTestRouter(t, nil, nil, nil, server.Config{Redact: true})
	id := createChain(t, router, "secrets")

	w := doJSON(t, router, http.MethodPost, "/api/v1/chains/"+id+"/entries", map[string]any{
		"action":  "configure",
		"y_state": map[string]any{"password": "hunter2", "host": "db1"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	entry := decode(t, w)
	yState, _ := entry["y_state"].(map[string]any)
	if yState["password"] != "[REDACTED]" {
		t.Errorf("password survived redaction: %v", yState["password"])
	}
	if yState["host"] != "db1" {
		t.Errorf("safe value changed: %v", yState["host"])
	}
}
