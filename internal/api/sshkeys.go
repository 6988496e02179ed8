package api

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/sshexec"
)

// SSHKeyHandler exposes the manager's own SSH key material. Operators copy
// the public key into each node's authorized_keys; the manager never pushes
// it to nodes itself.
type SSHKeyHandler struct {
	keyPath string
	audit   *auditor
	logger  *zap.Logger
}

func NewSSHKeyHandler(keyPath string, audit *auditor, logger *zap.Logger) *SSHKeyHandler {
	return &SSHKeyHandler{
		keyPath: keyPath,
		audit:   audit,
		logger:  logger.Named("sshkey_handler"),
	}
}

type sshKeyResponse struct {
	PublicKey string `json:"public_key"`
	KeyPath   string `json:"key_path"`
}

// Get returns the public half of the manager's SSH key.
func (h *SSHKeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	pub, err := sshexec.PublicKey(h.keyPath)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, sshKeyResponse{PublicKey: pub, KeyPath: h.keyPath})
}

type generateKeyRequest struct {
	Force bool `json:"force"`
}

// Generate creates a new ed25519 keypair at the configured path. An existing
// key is only replaced when force is set; replacing it invalidates access to
// every node until the new public key is distributed.
func (h *SSHKeyHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	if _, err := os.Stat(h.keyPath); err == nil && !req.Force {
		ErrConflict(w, "an ssh key already exists, pass force to replace it")
		return
	}

	pub, err := sshexec.GenerateKeypair(h.keyPath, "sanoid-manager")
	if err != nil {
		h.logger.Error("ssh key generation failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "generate", "ssh_key", h.keyPath, "new ed25519 keypair")
	Created(w, sshKeyResponse{PublicKey: pub, KeyPath: h.keyPath})
}
