package upload

import (
	"crypto/md5"  //nolint:gosec // integrity fingerprint, not a security boundary
	"crypto/sha1" //nolint:gosec // integrity fingerprint, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Hashes are the integrity fingerprints recorded for every stored file
type Hashes struct {
	MD5    string `json:"md5"`
	SHA1   string `json:"sha1"`
	SHA256 string `json:"sha256"`
}

// ComputeHashes streams path once through md5, sha1 and sha256
func ComputeHashes(path string) (Hashes, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hashes{}, fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	m, s1, s256 := md5.New(), sha1.New(), sha256.New() //nolint:gosec // see imports
	if _, err := io.Copy(io.MultiWriter(m, s1, s256), f); err != nil {
		return Hashes{}, fmt.Errorf("failed to hash file: %w", err)
	}

	return Hashes{
		MD5:    hex.EncodeToString(m.Sum(nil)),
		SHA1:   hex.EncodeToString(s1.Sum(nil)),
		SHA256: hex.EncodeToString(s256.Sum(nil)),
	}, nil
}

// Verify checks an expected "algorithm:hex" digest (or bare sha256 hex)
// against the computed hashes
func (h Hashes) Verify(expected string) error {
	algorithm, want, err := ParseDigest(expected)
	if err != nil {
		return err
	}

	var got string
	switch algorithm {
	case "sha256":
		got = h.SHA256
	case "sha1":
		got = h.SHA1
	case "md5":
		got = h.MD5
	}
	if got != want {
		return fmt.Errorf("digest mismatch: expected %s:%s, got %s:%s", algorithm, want, algorithm, got)
	}
	return nil
}

// ParseDigest parses "algorithm:hexvalue"; a bare hex value is sha256
func ParseDigest(digest string) (algorithm, hexValue string, err error) {
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return "", "", fmt.Errorf("digest cannot be empty")
	}

	algorithm, hexValue, found := strings.Cut(digest, ":")
	if !found {
		algorithm, hexValue = "sha256", digest
	}
	algorithm = strings.ToLower(algorithm)
	hexValue = strings.ToLower(hexValue)

	if algorithm == "" || hexValue == "" {
		return "", "", fmt.Errorf("invalid digest format, algorithm and hex cannot be empty")
	}

	for _, char := range hexValue {
		if !((char >= '0' && char <= '9') || (char >= 'a' && char <= 'f')) {
			return "", "", fmt.Errorf("invalid digest format, hex contains non-hexadecimal character %q", char)
		}
	}

	want := map[string]int{"sha256": 64, "sha1": 40, "md5": 32}
	n, ok := want[algorithm]
	if !ok {
		return "", "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	if len(hexValue) != n {
		return "", "", fmt.Errorf("invalid %s digest length: expected %d hex chars, got %d", algorithm, n, len(hexValue))
	}

	return algorithm, hexValue, nil
}
