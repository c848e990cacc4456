// Package identity persists the anonymous per-room identity. Knowing a room
// token is the only credential; the identity just distinguishes the two
// parties, so it is a short random handle generated on first join and kept
// stable across restarts.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/duoroom/duoroom/internal/util"
)

const identityLen = 8

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// LoadOrCreate returns the identity used in roomBase, generating and saving
// a new one on first join. Identities are stored per data directory, one
// file for all rooms.
func LoadOrCreate(dir, roomBase string) (string, error) {
	file := filepath.Join(dir, "identity.json")
	ids := map[string]string{}

	data, err := os.ReadFile(file)
	if err == nil {
		if err := json.Unmarshal(data, &ids); err != nil {
			return "", fmt.Errorf("corrupt identity file %s: %w", file, err)
		}
		if id, ok := ids[roomBase]; ok && id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read identity file: %w", err)
	}

	id, err := generate()
	if err != nil {
		return "", err
	}
	ids[roomBase] = id
	if err := util.WriteJSONFile(file, ids); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

func generate() (string, error) {
	buf := make([]byte, identityLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}
	out := make([]byte, identityLen)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
