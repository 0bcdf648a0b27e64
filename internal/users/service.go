package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// providerMagicLink is the only identity provider currently wired.
const providerMagicLink = "magic"

// ErrInvalidIdentity indicates the login did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// IDProvider issues canonical user identifiers for first-time logins.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service manages canonical user identifiers and their profile rows.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	cache      sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		cache:      sync.Map{},
	}, nil
}

// ResolveByEmail returns the canonical user id for a verified magic-link
// email. It mints a new canonical id and profile row when the email has not
// been seen before; the email itself never becomes the public identifier.
func (s *Service) ResolveByEmail(email string) (string, error) {
	subject := strings.ToLower(normalize(email))
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := providerMagicLink + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	var profile Profile
	err := s.db.
		Where("provider = ? AND subject = ?", providerMagicLink, subject).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return "", idErr
		}
		profile = Profile{
			Provider:   providerMagicLink,
			Subject:    subject,
			UserID:     userID,
			Email:      subject,
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			// A concurrent first login can win the insert; adopt its row.
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				return "", err
			}
			if err := s.db.
				Where("provider = ? AND subject = ?", providerMagicLink, subject).
				First(&profile).
				Error; err != nil {
				return "", err
			}
		}
	} else if err != nil {
		return "", err
	} else {
		_ = s.db.Model(&Profile{}).
			Where("provider = ? AND subject = ?", providerMagicLink, subject).
			Update("last_seen_at", s.now()).
			Error
	}

	s.cache.Store(cacheKey, profile.UserID)
	return profile.UserID, nil
}
