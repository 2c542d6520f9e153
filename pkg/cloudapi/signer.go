package cloudapi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// signingAlgorithm is the algorithm name advertised in the authorization
// header. The control plane verifies the signature against the account's
// registered public key.
const signingAlgorithm = "rsa-sha256"

// Signer produces per-request signatures for the cloud control-plane API.
// The provider validates clock-skew bounds on the signed timestamp, so a
// signature is computed fresh for every request and never reused.
type Signer struct {
	login string
	keyID string
	key   *rsa.PrivateKey
}

// NewSigner creates a signer from an in-memory RSA private key.
func NewSigner(login, keyID string, key *rsa.PrivateKey) (*Signer, error) {
	if login == "" {
		return nil, fmt.Errorf("login is required")
	}
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	return &Signer{login: login, keyID: keyID, key: key}, nil
}

// LoadSigner reads an RSA private key from keyPath and creates a signer.
// Both PEM (PKCS#1/PKCS#8) and OpenSSH key formats are accepted.
func LoadSigner(login, keyID, keyPath string) (*Signer, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	raw, err := ssh.ParseRawPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	rsaKey, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T: the control plane requires an RSA key", raw)
	}

	return NewSigner(login, keyID, rsaKey)
}

// Sign signs the given timestamp string and returns the base64-encoded
// signature.
func (s *Signer) Sign(timestamp string) (string, error) {
	digest := sha256.Sum256([]byte(timestamp))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign timestamp: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// AuthorizationHeader builds the authorization header for a request whose
// Date header carries the given timestamp.
func (s *Signer) AuthorizationHeader(timestamp string) (string, error) {
	sig, err := s.Sign(timestamp)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Signature keyId=%q,algorithm=%q,signature=%q",
		fmt.Sprintf("/%s/keys/%s", s.login, s.keyID), signingAlgorithm, sig), nil
}

// Login returns the account login the signer was built for.
func (s *Signer) Login() string {
	return s.login
}
