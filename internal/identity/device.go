// Package identity manages the device keypair and cached device tokens
// under the daemon state directory. Every daemon instance has a stable
// device id derived from its public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const deviceFileName = "device.json"

type deviceFile struct {
	PublicKeyPEM  string `json:"publicKeyPem"`
	PrivateKeyPEM string `json:"privateKeyPem"`
}

// Device is this daemon's identity.
type Device struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// LoadOrCreate reads the device keypair from stateDir, generating and
// persisting a fresh one on first run. The key file is written 0600.
func LoadOrCreate(stateDir string) (*Device, error) {
	path := filepath.Join(stateDir, deviceFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		return parseDeviceFile(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read device file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	file := deviceFile{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device file: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write device file: %w", err)
	}

	return &Device{ID: DeviceID(pub), PublicKey: pub, PrivateKey: priv}, nil
}

func parseDeviceFile(raw []byte) (*Device, error) {
	var file deviceFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse device file: %w", err)
	}

	block, _ := pem.Decode([]byte(file.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("device file has no private key PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("device key is %T, expected ed25519", parsed)
	}

	pub := priv.Public().(ed25519.PublicKey)
	if file.PublicKeyPEM != "" {
		pubBlock, _ := pem.Decode([]byte(file.PublicKeyPEM))
		if pubBlock == nil {
			return nil, fmt.Errorf("device file has no public key PEM block")
		}
		parsedPub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		stored, ok := parsedPub.(ed25519.PublicKey)
		if !ok || !pub.Equal(stored) {
			return nil, fmt.Errorf("device public key does not match private key")
		}
	}

	return &Device{ID: DeviceID(pub), PublicKey: pub, PrivateKey: priv}, nil
}

// DeviceID derives the stable device id: the hex sha256 of the raw public
// key bytes.
func DeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Sign signs a message with the device key.
func (d *Device) Sign(message []byte) []byte {
	return ed25519.Sign(d.PrivateKey, message)
}
