// Package identity persists the agent's stable fingerprint and its
// per-boot instance id. Grounded on the teacher's agentState
// load/save pair in connection/manager.go: atomic write via temp file
// + rename, and a clean "file absent" path that mints a fresh record
// rather than erroring — but a present, unreadable/malformed file is a
// storage error, never silently overwritten (spec.md §4.2).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

// Identity is the persisted record described in spec.md §3.
type Identity struct {
	BotKey     string `json:"bot_key"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
}

func filePath(stateDir string) string {
	return filepath.Join(stateDir, "identity.json")
}

// Load returns the persisted Identity, creating and persisting a fresh
// one if none exists yet. A present-but-corrupt file is a storage error.
func Load(stateDir string) (Identity, error) {
	path := filePath(stateDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mint(stateDir)
		}
		return Identity{}, fmt.Errorf("identity: storage error reading %s: %w", path, err)
	}

	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return Identity{}, fmt.Errorf("identity: storage error, corrupt identity file %s: %w", path, err)
	}
	return ident, nil
}

// Rotate loads the existing Identity and replaces InstanceID with a
// fresh UUIDv4, persisting the result.
func Rotate(stateDir string) (Identity, error) {
	ident, err := Load(stateDir)
	if err != nil {
		return Identity{}, err
	}
	ident.InstanceID = uuid.NewString()
	if err := save(stateDir, ident); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// mint computes a fresh Identity for this machine's first boot and
// persists it.
func mint(stateDir string) (Identity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	osName := runtime.GOOS

	ident := Identity{
		BotKey:     fingerprint(hostname, osName),
		InstanceID: uuid.NewString(),
		Hostname:   hostname,
		OS:         osName,
	}
	if err := save(stateDir, ident); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// fingerprint computes the stable 64-hex bot_key: SHA-256(hostname|os).
func fingerprint(hostname, osName string) string {
	sum := sha256.Sum256([]byte(hostname + "|" + osName))
	return hex.EncodeToString(sum[:])
}

// save writes ident to disk atomically via temp file + rename, matching
// the teacher's saveState in connection/manager.go.
func save(stateDir string, ident Identity) error {
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: failed to marshal: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("identity: failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(stateDir, "identity.*.tmp")
	if err != nil {
		return fmt.Errorf("identity: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: failed to write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath(stateDir)); err != nil {
		return fmt.Errorf("identity: failed to rename temp file: %w", err)
	}
	ok = true
	return nil
}
