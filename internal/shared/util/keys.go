// Package util builds storage keys for receipt artifacts.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"strings"

	"github.com/google/uuid"
)

const maxFileNameLen = 100

var ErrInvalidFileName = errors.New("invalid file name")

// ReceiptKey returns a fresh slash-separated key for a session's artifact:
// <shard>/<session hash>/<uuid>_<file name>. Session ids never appear in keys.
func ReceiptKey(sessionID, fileName string) (string, error) {
	name, err := SafeFileName(fileName)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(sessionID))
	hash := hex.EncodeToString(sum[:])
	return path.Join(hash[:2], hash[:32], uuid.NewString()+"_"+name), nil
}

// SafeFileName keeps letters, digits, dot, dash and underscore and replaces
// everything else with an underscore. Long names are cut from the front of
// the stem so the extension survives.
func SafeFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "..") {
		return "", ErrInvalidFileName
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	safe := strings.TrimLeft(b.String(), ".")
	if safe == "" {
		return "", ErrInvalidFileName
	}
	if len(safe) > maxFileNameLen {
		ext := path.Ext(safe)
		if len(ext) >= maxFileNameLen {
			ext = ""
		}
		safe = safe[:maxFileNameLen-len(ext)] + ext
	}
	return safe, nil
}
