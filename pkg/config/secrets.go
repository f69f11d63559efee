package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// DefaultSecretsFile is the encrypted secrets file name.
const DefaultSecretsFile = "secrets.json.enc"

const (
	saltSize  = 16
	nonceSize = 12
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keySize   = 32 // AES-256
	gcmTag    = 16
)

//nolint:gochecknoglobals // in-memory secrets shared by the process
var (
	decryptedSecrets    map[string]string
	decryptedSecretsMux sync.RWMutex
)

// SetDecryptedSecrets stores decrypted secrets in memory.
func SetDecryptedSecrets(secrets map[string]string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()
	decryptedSecrets = secrets
}

// GetSecret returns a secret from the decrypted secrets file, falling back to the
// environment variable of the same name.
func GetSecret(name string) (string, error) {
	decryptedSecretsMux.RLock()
	value, ok := decryptedSecrets[name]
	decryptedSecretsMux.RUnlock()
	if ok && value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// SecretsFileExists reports whether path exists.
func SecretsFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EncryptSecretsFile writes secrets to path as [salt][nonce][AES-GCM ciphertext], keyed
// by scrypt over password. The file is created with mode 0600.
func EncryptSecretsFile(path, password string, secrets map[string]string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, wipe, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	defer wipe()

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	data := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcmTag)
	data = append(data, salt...)
	data = append(data, nonce...)
	data = gcm.Seal(data, nonce, plaintext, nil)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create secrets directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets at path. Loose permissions are
// tightened to 0600 first.
func DecryptSecretsFile(path, password string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0600 {
		getLogger().Warn("⚠️  Secrets file has permissions %04o, fixing to 0600", info.Mode().Perm())
		if err := os.Chmod(path, 0600); err != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+gcmTag {
		return nil, errors.New("secrets file is corrupted or invalid format (too small)")
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, wipe, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	defer wipe()

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed (wrong password or corrupted file)")
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

// newGCM derives the key for salt and returns the AEAD plus a func zeroing the key.
func newGCM(password string, salt []byte) (cipher.AEAD, func(), error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	wipe := func() {
		for i := range key {
			key[i] = 0
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, wipe, nil
}
