// Package auth manages the server bearer token: sourced from the environment
// when set, otherwise from a token file created on first run.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvToken overrides the token file when set.
	EnvToken = "AMPLIFIER_WEB_TOKEN"

	tokenFileName = "auth.json"
)

type tokenFile struct {
	Token string `json:"token"`
}

// GetOrCreateToken returns the server token: the environment variable wins,
// then the token file under homeDir, else a fresh token is generated and
// written there with 0600 permissions.
func GetOrCreateToken(homeDir string) (string, error) {
	if token := os.Getenv(EnvToken); token != "" {
		return token, nil
	}

	path := filepath.Join(homeDir, tokenFileName)
	if data, err := os.ReadFile(path); err == nil {
		var tf tokenFile
		if err := json.Unmarshal(data, &tf); err != nil {
			return "", fmt.Errorf("parse token file %s: %w", path, err)
		}
		if tf.Token != "" {
			return tf.Token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := writeTokenFile(path, token); err != nil {
		return "", err
	}
	return token, nil
}

// Verify compares a presented token against the expected one in constant
// time.
func Verify(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// writeTokenFile writes atomically: temp file in the same directory, then
// rename.
func writeTokenFile(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tokenFile{Token: token}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".auth-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}
