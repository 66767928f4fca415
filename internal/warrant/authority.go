// Package warrant implements the credential authority: two
// independently generated RSA keypairs, one per data plane, and the
// signed warrants that bind a routing decision to a call.
package warrant

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chimera/internal/types"
	"chimera/internal/util"
)

const (
	issuer   = "chimera"
	audience = "backend"
)

// Errors returned by verification. Callers must not forward these
// messages to the agent.
var (
	ErrUnknownKid = errors.New("warrant: unknown key id")
	ErrInvalid    = errors.New("warrant: verification failed")
	ErrExpired    = errors.New("warrant: expired")
)

// Claims is the warrant payload. The risk score is deliberately
// absent: the backend learns the route from the signing key and
// nothing else.
type Claims struct {
	jwt.RegisteredClaims
	Tool string `json:"tool"`
}

type keypair struct {
	kid  string
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// Authority signs warrants with one of two private keys selected by
// route. It lives only in the gateway process; the planes hold
// single-key Verifiers.
type Authority struct {
	prime  keypair
	shadow keypair
	ttl    time.Duration
}

// LoadAuthority reads both keypairs from dir. It reads prime.pem and
// shadow.pem and takes each public key from its private key; the
// .pub.pem files are read by the planes through LoadVerifier. The two keys
// are generated and stored independently; this loader never derives
// one from the other.
func LoadAuthority(dir string, ttl time.Duration) (*Authority, error) {
	prime, err := loadKeypair(dir, "prime")
	if err != nil {
		return nil, err
	}
	shadow, err := loadKeypair(dir, "shadow")
	if err != nil {
		return nil, err
	}
	if prime.kid == shadow.kid {
		return nil, fmt.Errorf("prime and shadow keys must differ")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authority{prime: prime, shadow: shadow, ttl: ttl}, nil
}

// NewAuthority builds an authority from in-memory keys. Used by tests
// and embedded setups.
func NewAuthority(prime, shadow *rsa.PrivateKey, ttl time.Duration) (*Authority, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	pk, err := newKeypair(prime)
	if err != nil {
		return nil, err
	}
	sk, err := newKeypair(shadow)
	if err != nil {
		return nil, err
	}
	if pk.kid == sk.kid {
		return nil, fmt.Errorf("prime and shadow keys must differ")
	}
	return &Authority{prime: pk, shadow: sk, ttl: ttl}, nil
}

func newKeypair(priv *rsa.PrivateKey) (keypair, error) {
	kid, err := keyID(&priv.PublicKey)
	if err != nil {
		return keypair{}, err
	}
	return keypair{kid: kid, priv: priv, pub: &priv.PublicKey}, nil
}

func loadKeypair(dir, name string) (keypair, error) {
	privData, err := os.ReadFile(filepath.Join(dir, name+".pem"))
	if err != nil {
		return keypair{}, fmt.Errorf("read %s private key: %w", name, err)
	}
	priv, err := parsePrivateKey(privData)
	if err != nil {
		return keypair{}, fmt.Errorf("parse %s private key: %w", name, err)
	}
	return newKeypair(priv)
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return rsaKey, nil
}

// keyID derives an opaque kid from the public key: the first 16 hex
// characters of the SHA-256 of its DER encoding. It names a keyring
// slot and carries no semantic label.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return util.HashBytes(der)[:16], nil
}

// PrimeKid returns the key id of the production-plane key.
func (a *Authority) PrimeKid() string { return a.prime.kid }

// ShadowKid returns the key id of the shadow-plane key.
func (a *Authority) ShadowKid() string { return a.shadow.kid }

// PrimePublicKey returns the production-plane public key.
func (a *Authority) PrimePublicKey() *rsa.PublicKey { return a.prime.pub }

// ShadowPublicKey returns the shadow-plane public key.
func (a *Authority) ShadowPublicKey() *rsa.PublicKey { return a.shadow.pub }

// Issue signs a warrant binding (session, tool) to route. The claim
// set is schema-identical for both routes; only the signing key and
// its kid differ.
func (a *Authority) Issue(sessionID, tool string, route types.Route) (string, error) {
	var kp keypair
	switch route {
	case types.RouteProduction:
		kp = a.prime
	case types.RouteShadow:
		kp = a.shadow
	default:
		return "", fmt.Errorf("invalid route %q", route)
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.New().String(),
		},
		Tool: tool,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kp.kid

	signed, err := token.SignedString(kp.priv)
	if err != nil {
		return "", fmt.Errorf("sign warrant: %w", err)
	}
	return signed, nil
}

// Verify checks a warrant against both keys, selected by kid, and
// returns the route it encodes. Unknown kids are rejected without
// revealing which keys exist.
func (a *Authority) Verify(token string) (types.Route, error) {
	_, kid, err := verifyToken(token, func(kid string) (*rsa.PublicKey, bool) {
		switch kid {
		case a.prime.kid:
			return a.prime.pub, true
		case a.shadow.kid:
			return a.shadow.pub, true
		default:
			return nil, false
		}
	})
	if err != nil {
		return "", err
	}

	if kid == a.prime.kid {
		return types.RouteProduction, nil
	}
	return types.RouteShadow, nil
}

// PeekKid reads the unverified kid header of a warrant so a holder of
// multiple verifiers can pick the right one before verification. The
// value is untrusted until a Verifier accepts the token.
func PeekKid(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrInvalid
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalid
	}
	var header struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil || header.Kid == "" {
		return "", ErrInvalid
	}
	return header.Kid, nil
}

// Verifier validates warrants under exactly one public key. Each data
// plane holds one; the production plane never sees the shadow key and
// vice versa.
type Verifier struct {
	kid string
	pub *rsa.PublicKey
}

// NewVerifier wraps a single plane key.
func NewVerifier(pub *rsa.PublicKey) (*Verifier, error) {
	kid, err := keyID(pub)
	if err != nil {
		return nil, err
	}
	return &Verifier{kid: kid, pub: pub}, nil
}

// LoadVerifier reads one public key PEM file.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return NewVerifier(pub)
}

// Kid returns the verifier's key id.
func (v *Verifier) Kid() string { return v.kid }

// Verify accepts a warrant only if it was signed by this plane's key
// and has not expired. Failures map to ErrUnknownKid, ErrExpired or
// ErrInvalid; the underlying library error is not returned.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims, _, err := verifyToken(token, func(kid string) (*rsa.PublicKey, bool) {
		if kid == v.kid {
			return v.pub, true
		}
		return nil, false
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// verifyToken runs the shared parse/verify path. Expiry is half-open
// [iat, exp): a warrant presented exactly at exp is rejected.
func verifyToken(token string, lookup func(kid string) (*rsa.PublicKey, bool)) (*Claims, string, error) {
	var kid string
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalid
		}
		raw, ok := t.Header["kid"].(string)
		if !ok {
			return nil, ErrUnknownKid
		}
		pub, ok := lookup(raw)
		if !ok {
			return nil, ErrUnknownKid
		}
		kid = raw
		return pub, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, ErrUnknownKid) {
			return nil, "", ErrUnknownKid
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, "", ErrExpired
		}
		return nil, "", ErrInvalid
	}
	if !parsed.Valid {
		return nil, "", ErrInvalid
	}

	// Explicit boundary guard: exp is excluded regardless of library
	// leeway behavior.
	if claims.ExpiresAt == nil || !time.Now().Before(claims.ExpiresAt.Time) {
		return nil, "", ErrExpired
	}

	return claims, kid, nil
}
