package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrNoPublicKey is returned when neither inline key material nor a key file was configured.
var ErrNoPublicKey = errors.New("no public key configured")

// KeyPair represents an SSH key pair on disk
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PublicKey      string
}

// LoadPublicKey returns a validated authorized_keys line from inline material
// or, when that is empty, from the file at path.
func LoadPublicKey(inline, path string) (string, error) {
	material := strings.TrimSpace(inline)
	if material == "" && path != "" {
		data, err := os.ReadFile(expandHome(path))
		if err != nil {
			return "", fmt.Errorf("failed to read public key: %w", err)
		}
		material = strings.TrimSpace(string(data))
	}
	if material == "" {
		return "", ErrNoPublicKey
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(material)); err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return material, nil
}

// Fingerprint returns the colon separated MD5 fingerprint providers like
// DigitalOcean use to identify registered keys.
func Fingerprint(publicKey string) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return ssh.FingerprintLegacyMD5(key), nil
}

// PublicKeyFromPrivate derives the authorized_keys line for an existing private key file.
func PublicKeyFromPrivate(privateKeyPath string) (string, error) {
	data, err := os.ReadFile(expandHome(privateKeyPath))
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// GetOrGenerateKeyPair reuses droplift_key in keyDir or generates a new RSA pair there.
func GetOrGenerateKeyPair(keyDir string) (*KeyPair, error) {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	kp := &KeyPair{
		PrivateKeyPath: filepath.Join(keyDir, "droplift_key"),
		PublicKeyPath:  filepath.Join(keyDir, "droplift_key.pub"),
	}

	if _, err := os.Stat(kp.PrivateKeyPath); err == nil {
		publicKey, err := PublicKeyFromPrivate(kp.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(kp.PublicKeyPath, []byte(publicKey+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("failed to write public key: %w", err)
		}
		kp.PublicKey = publicKey
		return kp, nil
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := os.WriteFile(kp.PrivateKeyPath, privatePEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}
	kp.PublicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(publicKey)))
	if err := os.WriteFile(kp.PublicKeyPath, []byte(kp.PublicKey+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	return kp, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
