package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sshKeyRouterFor(h *SSHKeyHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/settings/ssh-key", h.Get)
	r.Post("/settings/ssh-key/generate", h.Generate)
	return r
}

func TestSSHKeyGenerateAndGet(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	h := NewSSHKeyHandler(keyPath, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := sshKeyRouterFor(h)

	req := httptest.NewRequest(http.MethodGet, "/settings/ssh-key", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no key yet")

	req = httptest.NewRequest(http.MethodPost, "/settings/ssh-key/generate", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Data sshKeyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Data.PublicKey, "ssh-ed25519 "))
	assert.Contains(t, created.Data.PublicKey, "sanoid-manager")

	req = httptest.NewRequest(http.MethodGet, "/settings/ssh-key", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Data sshKeyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.Data.PublicKey, got.Data.PublicKey)
}

func TestSSHKeyGenerateRefusesOverwrite(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	h := NewSSHKeyHandler(keyPath, &auditor{repo: &fakeAudit{}}, zap.NewNop())
	router := sshKeyRouterFor(h)

	req := httptest.NewRequest(http.MethodPost, "/settings/ssh-key/generate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/settings/ssh-key/generate", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/settings/ssh-key/generate",
		strings.NewReader(`{"force":true}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}
