package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	_ "modernc.org/sqlite"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// testSSHKey generates a throwaway ed25519 private key in OpenSSH PEM form.
func testSSHKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(block))
}

// recordingNotifier captures published status events in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []StatusEvent
	err    error
}

func (n *recordingNotifier) PublishStatus(ctx context.Context, ev StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) SubscribeUser(
	ctx context.Context, userID int64,
) (<-chan StatusEvent, func(), error) {
	return nil, nil, errors.New("not implemented")
}

func (n *recordingNotifier) SubscribeConfig(
	ctx context.Context, configID int64,
) (<-chan StatusEvent, func(), error) {
	return nil, nil, errors.New("not implemented")
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = string(ev.Status)
	}
	return out
}
