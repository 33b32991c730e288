package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lemmego/gcap"
	"github.com/lemmego/gcap/gcapjwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopModel = "testdata/shop.hcl"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckText(t *testing.T) {
	out, err := run(t, "check", "--model", shopModel)
	require.NoError(t, err)

	assert.Contains(t, out, "Loaded 1 file(s)")
	assert.Contains(t, out, "Products [ID] ID name price")
	assert.Contains(t, out, "ShopService at /shop")
	assert.Contains(t, out, "NoHandler: ShopService.discount")
	assert.NotContains(t, out, "ShopService.total")
}

func TestCheckJSON(t *testing.T) {
	out, err := run(t, "check", "--model", shopModel, "--json")
	require.NoError(t, err)

	var report checkReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Entities, 1)
	assert.Equal(t, []string{"ID"}, report.Entities[0].Keys)

	require.Len(t, report.Services, 1)
	assert.Equal(t, []memberReport{
		{Name: "Products", Kind: "entity"},
		{Name: "Catalog", Kind: "entity"},
		{Name: "discount", Kind: "action"},
		{Name: "total", Kind: "function"},
	}, report.Services[0].Members)

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, gcap.WarningNoHandler, report.Warnings[0].Kind)
	assert.Equal(t, "discount", report.Warnings[0].Target)
}

func TestCheckErrors(t *testing.T) {
	_, err := run(t, "check")
	assert.Error(t, err, "--model is required")

	_, err = run(t, "check", "--model", "testdata/missing")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cr3t", "--subject", "alice", "--role", "admin", "--role", "ops")
	require.NoError(t, err)

	p, err := gcapjwt.NewVerifier("s3cr3t", "").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, []string{"admin", "ops"}, p.Roles)

	_, err = run(t, "token", "--subject", "alice")
	assert.Error(t, err)
}

func serverConfig() gcap.Config {
	cfg := gcap.DefaultConfig()
	cfg.Model.Paths = []string{shopModel}
	cfg.Server.LogLevel = "off"
	return cfg
}

func call(t *testing.T, h http.Handler, method, target, body, token string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestBuildServer(t *testing.T) {
	logger := gcap.NewLogger("error", "text", io.Discard)
	e, rt, err := buildServer(context.Background(), serverConfig(), logger, true)
	require.NoError(t, err)
	defer rt.Close()

	code, body := call(t, e, http.MethodPost, "/shop/Products", `{"ID":1,"name":"lamp","price":12.5}`, "")
	require.Equal(t, http.StatusCreated, code, body)
	assert.Contains(t, body, `"name":"LAMP"`)

	code, body = call(t, e, http.MethodGet, "/shop/total", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "3", strings.TrimSpace(body))

	code, _ = call(t, e, http.MethodPost, "/shop/discount", `{"percent":10}`, "")
	assert.Equal(t, http.StatusNotImplemented, code)

	code, _ = call(t, e, http.MethodGet, "/shop/Catalog", "", "")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestBuildServerWithAuth(t *testing.T) {
	cfg := serverConfig()
	cfg.Auth = gcap.AuthConfig{Secret: "s3cr3t", Issuer: "gcap"}

	logger := gcap.NewLogger("error", "text", io.Discard)
	e, rt, err := buildServer(context.Background(), cfg, logger, true)
	require.NoError(t, err)
	defer rt.Close()

	admin, err := gcapjwt.NewVerifier("s3cr3t", "gcap").Issue("root", []string{"admin"}, 0)
	require.NoError(t, err)

	code, body := call(t, e, http.MethodGet, "/shop/Catalog", "", admin)
	assert.Equal(t, http.StatusOK, code, body)

	code, _ = call(t, e, http.MethodGet, "/shop/Catalog", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestBuildServerErrors(t *testing.T) {
	logger := gcap.NewLogger("error", "text", io.Discard)

	cfg := serverConfig()
	cfg.Model.Paths = nil
	_, _, err := buildServer(context.Background(), cfg, logger, true)
	assert.True(t, gcap.IsErrorType(err, gcap.ErrorTypeValidation))

	cfg = serverConfig()
	cfg.Store.Driver = "nosuchdriver"
	_, _, err = buildServer(context.Background(), cfg, logger, true)
	assert.True(t, gcap.IsErrorType(err, gcap.ErrorTypeUnsupported))
}
