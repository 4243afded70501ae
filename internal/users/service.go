package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the login did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no identity matched the lookup.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Login describes the identity asserted by the external identity provider.
type Login struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// ResolveCanonicalUserID returns the canonical user id for the provided login,
// creating a new identity mapping when the provider+subject pair has not been
// seen before.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, login Login) (string, error) {
	provider := normalize(login.Provider)
	if provider == "" {
		provider = "local"
	}
	subject := normalize(login.Subject)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       strings.ToLower(normalize(login.Email)),
			DisplayName: normalize(login.DisplayName),
			LastSeenAt:  s.now(),
		}
		if identity.UserID == "" {
			return "", ErrInvalidIdentity
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// LookupByEmail resolves a collaborator email to a canonical user id. It
// implements the directory interface the notes sharing flow depends on.
func (s *Service) LookupByEmail(ctx context.Context, email string) (string, error) {
	needle := strings.ToLower(normalize(email))
	if needle == "" {
		return "", fmt.Errorf("%w: empty email", ErrUserNotFound)
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_email = ?", needle).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, needle)
	}
	if err != nil {
		return "", err
	}
	return identity.UserID, nil
}
