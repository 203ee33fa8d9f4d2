// Package auth guards the crashwatch HTTP API. One operator account logs in
// with a password and receives a signed bearer token, which the REST routes,
// the MJPEG previews and the live alert feed all accept.
package auth

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAuthDisabled       = errors.New("operator login is disabled")
	ErrInvalidCredentials = errors.New("unknown operator or wrong password")
	ErrMissingPassword    = errors.New("AUTH_PASSWORD must be set when AUTH_ENABLED is true")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
)

const (
	DefaultOperator = "admin"
	DefaultTokenTTL = 24 * time.Hour
)

// Options configures the operator account and token signing
type Options struct {
	Enabled  bool
	Operator string        // login name, DefaultOperator when empty
	Password string        // plaintext or a bcrypt hash
	Secret   string        // HMAC key; a random key per process when empty
	TokenTTL time.Duration // DefaultTokenTTL when zero
}

// Token is handed to an operator after a successful login
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticator checks operator credentials and bearer tokens
type Authenticator struct {
	enabled  bool
	operator string
	hash     []byte
	signer   *signer
}

// NewAuthenticator builds the authenticator. A password that already is a
// bcrypt hash is used as is.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	a := &Authenticator{
		enabled:  opts.Enabled,
		operator: opts.Operator,
		signer:   newSigner(opts.Secret, opts.TokenTTL),
	}
	if a.operator == "" {
		a.operator = DefaultOperator
	}
	if !a.enabled {
		return a, nil
	}

	if opts.Password == "" {
		return nil, ErrMissingPassword
	}
	if _, err := bcrypt.Cost([]byte(opts.Password)); err == nil {
		a.hash = []byte(opts.Password)
		return a, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.hash = hash
	return a, nil
}

// Enabled reports whether the API requires a token
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Login checks the operator's credentials and issues a token
func (a *Authenticator) Login(operator, password string) (*Token, error) {
	if !a.enabled {
		return nil, ErrAuthDisabled
	}

	// compare the password even for an unknown name so both paths cost the same
	pwErr := bcrypt.CompareHashAndPassword(a.hash, []byte(password))
	if operator != a.operator || pwErr != nil {
		return nil, ErrInvalidCredentials
	}
	return a.signer.sign(operator)
}

// Verify checks a bearer token and returns its claims
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	return a.signer.verify(raw)
}

// HashPassword returns the bcrypt hash to put in AUTH_PASSWORD
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
