// Package testutil provides fixtures shared by package tests: a stack
// over temporary directories, a fake MTA and a moderator password file.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/infodancer/listd/internal/config"
)

// Pre-computed argon2id hash for "testpass" with salt "saltsaltsaltsalt".
// This avoids adding argon2 as a dependency to the test helper.
// Generated with: m=65536, t=3, p=4
const testpassHash = "$argon2id$v=19$m=65536,t=3,p=4$c2FsdHNhbHRzYWx0c2FsdA$qqSCqQPLbO7RKU/qFwvGng"

// TestPassword is the moderator password of every list in SetupApproval.
const TestPassword = "testpass"

// SetupApproval writes a passwd file holding one entry per list posting
// address, all with TestPassword, and returns the approval config for it.
//
//	<dir>/
//	├── passwd
//	└── keys/
func SetupApproval(t *testing.T, lists ...string) config.ApprovalConfig {
	t.Helper()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "keys"), 0755); err != nil {
		t.Fatalf("failed to create keys dir: %v", err)
	}

	// Format: username:argon2id_hash:mailbox
	content := "# moderator passwords, one per list\n"
	for _, l := range lists {
		content += l + ":" + testpassHash + ":" + l + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "passwd"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write passwd: %v", err)
	}

	return config.ApprovalConfig{
		Type:              "passwd",
		CredentialBackend: filepath.Join(dir, "passwd"),
		KeyBackend:        filepath.Join(dir, "keys"),
	}
}
