package fs

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile returns the blake3 hash of a single file's contents.
func HashFile(filename string) ([]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// HashFileHex is like HashFile but returns the hash as a hex-encoded string.
func HashFileHex(filename string) (string, error) {
	b, err := HashFile(filename)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
