package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// PublicKey returns the authorized_keys line for the key at keyPath. It
// prefers the sibling .pub file and falls back to deriving the public half
// from the private key.
func PublicKey(keyPath string) (string, error) {
	if data, err := os.ReadFile(keyPath + ".pub"); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return "", fmt.Errorf("sshexec: read key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return "", fmt.Errorf("sshexec: parse key %s: %w", keyPath, err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// GenerateKeypair creates a new ed25519 keypair at keyPath, writing the
// private key in OpenSSH PEM format and the public key as an authorized_keys
// line next to it. It returns the public key line. Distributing the key to
// the nodes' authorized_keys stays an operator task.
func GenerateKeypair(keyPath, comment string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("sshexec: generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("sshexec: marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return "", fmt.Errorf("sshexec: create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("sshexec: write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("sshexec: convert public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line += " " + comment
	}
	if err := os.WriteFile(keyPath+".pub", []byte(line+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("sshexec: write public key: %w", err)
	}
	return line, nil
}
