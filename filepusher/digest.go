package filepusher

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// digestKey separates upload digests from any other BLAKE3 use.
var digestKey = [32]byte{
	't', 'r', 'a', 'c', 'k', 'd', '.', 'f', 'i', 'l', 'e', 'p', 'u', 's', 'h', 'e', 'r',
}

// fileDigest hashes the file at path and returns the hex digest and size.
func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("filepusher: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
