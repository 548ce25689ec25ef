package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

type IssuerConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

// Issuer mints the HS256 tokens Verifier accepts.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, ErrSecretRequired
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}, nil
}

// Issue signs a token valid from now until now+TTL.
func (i *Issuer) Issue(c Claims) (string, error) {
	now := i.now()
	registered := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	if i.audience != "" {
		registered.Audience = jwt.ClaimStrings{i.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email:            c.Email,
		UserID:           c.ID,
		RegisteredClaims: registered,
	})
	return token.SignedString(i.secret)
}
