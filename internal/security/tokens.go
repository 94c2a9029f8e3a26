package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 signing secret length in bytes.
const MinSecretLength = 32

var (
	// ErrInvalidToken is returned when a token is malformed, tampered with, or expired.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakSecret is returned when the HS256 secret is shorter than MinSecretLength.
	ErrWeakSecret = errors.New("signing secret too short")
)

// SessionClaims are the claims carried by a session token. Subject is the user id.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// TokenProvider issues and validates session JWTs. It signs with HS256 from a
// server secret, or RS256/ES256 when constructed from a key pair. The signing
// material is fixed at construction and never leaves the provider.
type TokenProvider struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	issuer    string
	audience  string
	now       func() time.Time
}

// NewHMACTokenProvider returns an HS256 TokenProvider. secret must be at least
// MinSecretLength bytes.
func NewHMACTokenProvider(secret []byte, issuer, audience string) (*TokenProvider, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &TokenProvider{
		method:    jwt.SigningMethodHS256,
		signKey:   key,
		verifyKey: key,
		issuer:    issuer,
		audience:  audience,
		now:       time.Now,
	}, nil
}

// NewTokenProvider returns a TokenProvider that signs with privateKey (RSA → RS256,
// ECDSA → ES256) and verifies with publicKey.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string) (*TokenProvider, error) {
	var method jwt.SigningMethod
	switch privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		method:    method,
		signKey:   privateKey,
		verifyKey: publicKey,
		issuer:    issuer,
		audience:  audience,
		now:       time.Now,
	}, nil
}

// WithClock returns a copy of p that reads the current time from now.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	cp := *p
	cp.now = now
	return &cp
}

// Alg returns the JWT alg header value used for signing.
func (p *TokenProvider) Alg() string {
	return p.method.Alg()
}

// Issue signs a token for userID valid for ttl. The token carries sub, iat, exp
// and a random jti, so two tokens issued in the same second still differ.
func (p *TokenProvider) Issue(userID string, ttl time.Duration) (token string, expiresAt time.Time, err error) {
	if userID == "" || ttl <= 0 {
		return "", time.Time{}, ErrInvalidToken
	}
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now().UTC()
	expiresAt = now.Add(ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(p.method, claims).SignedString(p.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	// NumericDate truncates to seconds; report the value actually embedded.
	return token, claims.ExpiresAt.Time, nil
}

// Validate checks signature, algorithm, issuer, audience and expiry without any
// I/O. Every failure is reported as ErrInvalidToken.
func (p *TokenProvider) Validate(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(p.now),
	)
	claims := &SessionClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.verifyKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
