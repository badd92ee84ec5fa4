package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths computes the on-disk layout under a gateway data directory:
//
//	<dataDir>/wagate.db            gateway store (connections, device keys)
//	<dataDir>/logs/                daemon logs
//	<dataDir>/connections/<id>/    per-connection provider state
type Paths struct {
	DataDir string
}

// StoreDBPath returns the gateway-owned database path.
func (p Paths) StoreDBPath() string {
	return filepath.Join(p.DataDir, "wagate.db")
}

// ConnectionDir returns the directory holding one connection's provider
// state (whatsmeow session database, media scratch).
func (p Paths) ConnectionDir(id int64) string {
	return filepath.Join(p.DataDir, "connections", fmt.Sprintf("%d", id))
}

// EnsureConnectionDir creates the directory tree for a connection.
func (p Paths) EnsureConnectionDir(id int64) error {
	return os.MkdirAll(p.ConnectionDir(id), 0700)
}

// EnsureDataDir creates the base data directory.
func (p Paths) EnsureDataDir() error {
	return os.MkdirAll(p.DataDir, 0700)
}
