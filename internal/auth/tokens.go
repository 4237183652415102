// Package auth issues and checks the session tokens handed out after a
// successful OTP verification. The token subject is the verified mobile
// number.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/hospital-opd/internal/apperr"
)

const (
	defaultTokenTTL  = 30 * 24 * time.Hour
	codeUnauthorized = "UNAUTHORIZED"
)

// Config configures Tokens.
type Config struct {
	Secret    string
	TTL       time.Duration
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Tokens signs and parses HS256 session tokens.
type Tokens struct {
	secret    []byte
	ttl       time.Duration
	issuer    string
	audience  string
	clockSkew time.Duration
	signer    jwa.SignatureAlgorithm
	validator TokenValidator
	now       func() time.Time
}

// NewTokens constructs Tokens with defaults for empty fields.
func NewTokens(cfg Config) (*Tokens, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "hospital-opd"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "patient-app"
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Tokens{
		secret:    []byte(secret),
		ttl:       ttl,
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		signer:    jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		now: time.Now,
	}, nil
}

// WithNow allows tests to override the time provider.
func (t *Tokens) WithNow(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// Issue signs a token for a verified mobile number.
func (t *Tokens) Issue(mobile string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)
	token, err := jwt.NewBuilder().
		Subject(mobile).
		Issuer(t.issuer).
		Audience([]string{t.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-t.clockSkew)).
		Expiration(expiresAt).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(t.signer, t.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

// Parse validates token and returns the mobile number it was issued for.
func (t *Tokens) Parse(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", unauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", unauthorized("invalid token", err)
	}
	if t.validator.Algorithm != "" && algorithm != t.validator.Algorithm {
		return "", unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, t.secret))
	if err != nil {
		return "", unauthorized("invalid token", err)
	}
	if err := t.validator.Validate(parsed, algorithm, t.now()); err != nil {
		return "", unauthorized("invalid token", err)
	}
	if parsed.Subject() == "" {
		return "", unauthorized("invalid token", errors.New("auth: token has no subject"))
	}
	return parsed.Subject(), nil
}

func unauthorized(message string, err error) *apperr.AppError {
	return apperr.New(codeUnauthorized, message, http.StatusUnauthorized, err)
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		switch {
		case alg == "":
			return "", errors.New("auth: token missing algorithm")
		case alg == jwa.NoSignature:
			return "", errors.New("auth: token uses none algorithm")
		case algorithm == "":
			algorithm = alg
		case algorithm != alg:
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

// TokenValidator checks issuer, audience, expiry and algorithm of a parsed token.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
}

// Validate reports the first failed check.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	if algorithm == "" {
		return errors.New("auth: token missing algorithm")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	}
	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	}
	if v.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	return jwt.Validate(tok, options...)
}
