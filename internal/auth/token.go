package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultFlowTokenTTL is the fallback validity period for flow tokens. It is
// deliberately longer than the recovery window so a resumable flow always has
// a usable token.
const DefaultFlowTokenTTL = time.Hour

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Clock  func() time.Time
}

// FlowClaims are the claims embedded in a flow token. The token proves
// possession of a flow id; it carries no user identity.
type FlowClaims struct {
	FlowID string `json:"fid"`
	jwt.RegisteredClaims
}

// TokenService issues and validates the bearer tokens that tie a browser
// session to its enrollment flow.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService constructs a TokenService from the provided configuration.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token: secret must be provided")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultFlowTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// IssueFlowToken signs a token for the given flow id.
func (s *TokenService) IssueFlowToken(flowID string) (string, error) {
	if flowID == "" {
		return "", errors.New("token: flow id is required")
	}

	now := s.now()
	claims := &FlowClaims{
		FlowID: flowID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   flowID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// ValidateFlowToken parses and validates a signed token, returning the flow id.
func (s *TokenService) ValidateFlowToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("token: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims FlowClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("token: parse: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return "", errors.New("token: unexpected issuer")
	}
	if claims.FlowID == "" {
		return "", errors.New("token: missing flow id")
	}
	return claims.FlowID, nil
}
