package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultLinkTTL   = 15 * time.Minute
	linkTokenPurpose = "magic_link"
)

var (
	ErrMissingLinkSigningKey = errors.New("magic link: signing key required")
	ErrMissingLinkIssuer     = errors.New("magic link: issuer required")
	ErrInvalidEmail          = errors.New("magic link: invalid email address")
	ErrInvalidLinkToken      = errors.New("magic link: invalid token")
	ErrExpiredLinkToken      = errors.New("magic link: token expired")
)

// linkClaims is the payload carried by magic-link tokens. Purpose keeps link
// tokens from being replayed as session tokens.
type linkClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// LinkSender delivers a signed magic-link token to the address that requested
// it. Production wires an email provider; tests and local runs use LogSender.
type LinkSender interface {
	SendLink(email, token string) error
}

// LogSender writes the link token to the log instead of delivering it.
type LogSender struct {
	Logger *zap.Logger
}

// SendLink logs the token at info level.
func (s LogSender) SendLink(email, token string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("magic link issued", zap.String("email", email), zap.String("token", token))
	return nil
}

// MagicLinkConfig describes how link tokens are signed and delivered.
type MagicLinkConfig struct {
	SigningSecret []byte
	Issuer        string
	LinkTTL       time.Duration
	Clock         func() time.Time
	Sender        LinkSender
}

// MagicLink issues and verifies the short-lived sign-in tokens behind the
// magic-link flow.
type MagicLink struct {
	signingSecret []byte
	issuer        string
	linkTTL       time.Duration
	clock         func() time.Time
	sender        LinkSender
}

// NewMagicLink constructs the issuer/verifier pair with the provided configuration.
func NewMagicLink(cfg MagicLinkConfig) (*MagicLink, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingLinkSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingLinkIssuer
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sender := cfg.Sender
	if sender == nil {
		sender = LogSender{}
	}
	return &MagicLink{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		linkTTL:       ttl,
		clock:         clock,
		sender:        sender,
	}, nil
}

// RequestLink validates the email, issues a link token and hands it to the
// sender. The token is also returned for callers that deliver it themselves.
func (m *MagicLink) RequestLink(email string) (string, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}

	now := m.clock().UTC()
	claims := linkClaims{
		Purpose: linkTokenPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   normalized,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.linkTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", err
	}

	if err := m.sender.SendLink(normalized, signed); err != nil {
		return "", err
	}
	return signed, nil
}

// VerifyLink validates a link token and returns the email it was issued for.
func (m *MagicLink) VerifyLink(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrInvalidLinkToken
	}

	claims := &linkClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidLinkToken, t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredLinkToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidLinkToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidLinkToken
	}
	if claims.Purpose != linkTokenPurpose {
		return "", ErrInvalidLinkToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidLinkToken
	}
	return claims.Subject, nil
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", ErrInvalidEmail
	}
	address, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	return address.Address, nil
}
