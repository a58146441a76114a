//go:build !windows

package exthost

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

func (b *Broker) setupSocket() error {
	// Remove stale socket file
	os.Remove(b.socketPath)

	dir := filepath.Dir(b.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.socketPath, err)
	}

	// Owner-only: the peer credential check rejects other users anyway,
	// this just keeps them from connecting at all.
	if err := os.Chmod(b.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", b.socketPath, err)
	}

	b.listener = listener
	return nil
}
