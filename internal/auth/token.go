package auth

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "crashwatch"

// Claims identify the operator a token was issued to
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// signer issues and checks HS256 tokens
type signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func newSigner(secret string, ttl time.Duration) *signer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &signer{key: key, ttl: ttl, now: time.Now}
}

func (s *signer) sign(operator string) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, err
	}
	return &Token{Value: value, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

func (s *signer) verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrTokenInvalid
	case claims.Operator == "":
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
