package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceTokenTTL bounds how long an anonymous device token stays valid
// before the client has to re-authenticate.
const DeviceTokenTTL = 30 * 24 * time.Hour

// Signer holds an Ed25519 keypair for issuing device identity tokens.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
	Issuer  string
}

// NewFromBase64 creates a signer from base64-encoded ed25519 private key bytes.
// If privB64 is empty, it generates an ephemeral key (good for local dev).
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, priv, _ = ed25519.GenerateKey(rand.Reader)
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{private: priv, public: pub, KeyID: kid, Issuer: iss}, nil
}

// SignDevice issues a token whose subject is the device uid.
func (s *Signer) SignDevice(uid string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.Issuer,
		"sub": uid,
		"iat": now.Unix(),
		"exp": now.Add(DeviceTokenTTL).Unix(),
		"typ": "device",
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.KeyID
	return t.SignedString(s.private)
}

// PublicJWK renders the public part as JWK for the JWKS endpoint.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}

// JWKSDocument is the full JWKS payload served at /v1/jwks.
func (s *Signer) JWKSDocument() map[string]any {
	return map[string]any{"keys": []map[string]any{s.PublicJWK()}}
}
