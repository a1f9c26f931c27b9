package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultIssuer   = "bastion"
	defaultAudience = "bastion-api"
)

type accessJWT struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// AccessCodec signs and verifies short-lived access tokens with HS256. It
// holds no state beyond its configuration.
type AccessCodec struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// CodecOption configures AccessCodec.
type CodecOption func(*AccessCodec)

// WithIssuer fixes the iss claim written and required on verify.
func WithIssuer(issuer string) CodecOption {
	return func(c *AccessCodec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithAudience fixes the aud claim written and required on verify.
func WithAudience(audience string) CodecOption {
	return func(c *AccessCodec) {
		if audience = strings.TrimSpace(audience); audience != "" {
			c.audience = audience
		}
	}
}

// WithCodecClock overrides the time source.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *AccessCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewAccessCodec returns a codec keyed by secret.
func NewAccessCodec(secret string, opts ...CodecOption) (*AccessCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, &ValidationError{Field: "access secret", Msg: "required"}
	}
	c := &AccessCodec{
		secret:   []byte(secret),
		issuer:   defaultIssuer,
		audience: defaultAudience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issuer returns the configured issuer.
func (c *AccessCodec) Issuer() string { return c.issuer }

// Audience returns the configured audience.
func (c *AccessCodec) Audience() string { return c.audience }

func (c *AccessCodec) sharesSecret(other []byte) bool {
	return string(c.secret) == string(other)
}

// Issue signs claims for ttl and returns the token and its expiry.
func (c *AccessCodec) Issue(claims AccessClaims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, &ValidationError{Field: "ttl", Msg: "must be positive"}
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return "", time.Time{}, &ValidationError{Field: "subject", Msg: "required"}
	}
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	body := accessJWT{
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		Type:      tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   claims.UserID,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, body).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, audience, type and expiry. Failures are
// AuthError with reason expired or invalid.
func (c *AccessCodec) Verify(token string) (AccessClaims, error) {
	var body accessJWT
	if err := parseHS256(token, c.secret, c.issuer, c.audience, c.now, &body); err != nil {
		return AccessClaims{}, err
	}
	if body.Type != tokenTypeAccess {
		return AccessClaims{}, authErr(ReasonInvalid)
	}
	out := AccessClaims{
		UserID:    body.Subject,
		Email:     body.Email,
		Role:      body.Role,
		SessionID: body.SessionID,
		ID:        body.ID,
		Issuer:    body.Issuer,
		Audience:  c.audience,
		IssuedAt:  body.IssuedAt.Time,
		ExpiresAt: body.ExpiresAt.Time,
	}
	return out, nil
}

// parseHS256 parses token into claims, enforcing HS256, iss, aud and exp.
func parseHS256(token string, secret []byte, issuer, audience string, now func() time.Time, claims jwt.Claims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return authErr(ReasonInvalid)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return authErr(ReasonExpired)
		}
		return authErr(ReasonInvalid)
	}
	if !parsed.Valid {
		return authErr(ReasonInvalid)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return authErr(ReasonInvalid)
	}
	return nil
}
