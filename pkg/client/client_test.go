package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pruvlabs/xychain/internal/server"
	"github.com/pruvlabs/xychain/pkg/client"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := server.New(nil, nil, nil, server.Config{}, zap.NewNop())
	router := gin.New()
	srv.Register(router.Group("/api/v1"), nil)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_chainLifecycle(t *testing.T) {
	ts := newTestServer(t)
	c := client.New(ts.URL, client.WithHTTPClient(ts.Client()))
	ctx := context.Background()

	created, err := c.CreateChain(ctx, "deploys", false)
	if err != nil {
		t.Fatal(err)
	}
	if created.Name != "deploys" || created.Length != 0 {
		t.Errorf("created = %+v", created)
	}

	entry, err := c.Append(ctx, created.ID, "deploy",
		map[string]any{"version": "1.0"},
		map[string]any{"version": "1.1"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Index != 0 || entry.Action != "deploy" {
		t.Errorf("entry = %+v", entry)
	}

	got, err := c.GetEntry(ctx, created.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Proof != entry.Proof {
		t.Error("fetched entry proof differs from appended")
	}

	result, err := c.Verify(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.BreakIndex != -1 {
		t.Errorf("verify = %+v", result)
	}

	chains, err := c.ListChains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 1 || chains[0].ID != created.ID {
		t.Errorf("list = %+v", chains)
	}

	if err := c.DeleteChain(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
}

func TestClient_exportAllowsLocalReverification(t *testing.T) {
	ts := newTestServer(t)
	c := client.New(ts.URL, client.WithHTTPClient(ts.Client()))
	ctx := context.Background()

	created, err := c.CreateChain(ctx, "audit", false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Append(ctx, created.ID, "op",
			map[string]any{"n": i}, map[string]any{"n": i + 1}); err != nil {
			t.Fatal(err)
		}
	}

	chain, err := c.Export(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if chain.Len() != 3 {
		t.Errorf("exported chain length = %d, want 3", chain.Len())
	}
	// Local verification trusts only the document, not the server.
	if valid, breakIdx := chain.Verify(); !valid {
		t.Errorf("exported chain failed local verification at %d", breakIdx)
	}
}

func TestClient_receipt(t *testing.T) {
	ts := newTestServer(t)
	c := client.New(ts.URL, client.WithHTTPClient(ts.Client()))
	ctx := context.Background()

	created, err := c.CreateChain(ctx, "job", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Append(ctx, created.ID, "run", nil, nil); err != nil {
		t.Fatal(err)
	}

	r, err := c.Receipt(ctx, created.ID, "nightly")
	if err != nil {
		t.Fatal(err)
	}
	if r.Task != "nightly" || !r.Valid || !r.VerifyHash() {
		t.Errorf("receipt = %+v", r)
	}
}

// newProtectedTestServer mounts the token endpoint and protected
// chain routes exactly as the server binary does.
func newProtectedTestServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := server.NewTokenService(string(hash), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	srv := server.New(nil, nil, nil, server.Config{}, zap.NewNop())
	router := gin.New()
	router.POST("/auth/token", tokens.IssueToken)
	srv.Register(router.Group("/api/v1"), tokens.RequireToken())

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_adminSecretAuthFlow(t *testing.T) {
	ts := newProtectedTestServer(t, "letmein")
	ctx := context.Background()

	c := client.New(ts.URL,
		client.WithHTTPClient(ts.Client()),
		client.WithAdminSecret("letmein"),
	)

	// The token is fetched transparently on the first mutating call.
	created, err := c.CreateChain(ctx, "secured", false)
	if err != nil {
		t.Fatalf("create with admin secret: %v", err)
	}
	if _, err := c.Append(ctx, created.ID, "op", nil, nil); err != nil {
		t.Fatalf("append with admin secret: %v", err)
	}

	// Reads stay open without credentials.
	anon := client.New(ts.URL, client.WithHTTPClient(ts.Client()))
	chains, err := anon.ListChains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 1 {
		t.Errorf("list = %+v, want one chain", chains)
	}

	// Writes without credentials are refused.
	if _, err := anon.CreateChain(ctx, "nope", false); err == nil {
		t.Error("unauthenticated create should fail")
	}
}

func TestClient_wrongAdminSecretRejected(t *testing.T) {
	ts := newProtectedTestServer(t, "letmein")

	c := client.New(ts.URL,
		client.WithHTTPClient(ts.Client()),
		client.WithAdminSecret("wrong"),
	)
	if _, err := c.CreateChain(context.Background(), "nope", false); err == nil {
		t.Error("create with a wrong secret should fail")
	}
}

func TestClient_notFound(t *testing.T) {
	ts := newTestServer(t)
	c := client.New(ts.URL, client.WithHTTPClient(ts.Client()))

	if _, err := c.GetChain(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing chain")
	}
}
