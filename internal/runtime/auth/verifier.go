package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSecretRequired = errors.New("auth: signing secret is required")
	errMissingClaims  = errors.New("auth: token lacks Email or Id claim")
)

const bearerScheme = "Bearer "

// VerifierConfig configures a Verifier. Empty Issuer or Audience disable
// the matching check.
type VerifierConfig struct {
	Secret   string
	Issuer   string
	Audience string
	// Now overrides the clock used for exp and nbf checks.
	Now func() time.Time
}

// Verifier checks HS256 bearer tokens. It holds no mutable state, so Verify
// returns the same result for the same input and clock.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, ErrSecretRequired
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	return &Verifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

// StripBearer returns the token following the exact "Bearer " scheme.
func StripBearer(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, bearerScheme)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// Verify validates the "Bearer <token>" value and maps it to Claims. Every
// failure is an *Error.
func (v *Verifier) Verify(bearer string) (Claims, error) {
	raw, ok := StripBearer(bearer)
	if !ok {
		return Claims{}, &Error{Kind: NoToken}
	}

	var claims tokenClaims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, &Error{Kind: kindOfJWTError(err), Err: err}
	}
	if claims.Email == "" || claims.UserID == "" {
		return Claims{}, &Error{Kind: Unknown, Err: errMissingClaims}
	}
	return Claims{ID: claims.UserID, Email: claims.Email}, nil
}

func kindOfJWTError(err error) ErrorKind {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Expired
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return MalformedOrInvalidSignature
	default:
		return Unknown
	}
}
