package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/repo"
)

// Profile is the display metadata carried by every inbound event.
type Profile struct {
	ID       int64
	Username string
	FullName string
}

// UserService keeps user rows in sync with inbound traffic.
type UserService struct {
	DB *gorm.DB
	// NewPublicID generates candidate public ids; nil uses NewPublicID.
	NewPublicID func() string
}

const publicIDAttempts = 8

// NewPublicID returns 8 upper-case hex characters taken from a random UUID.
func NewPublicID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Ensure creates the user on first contact and refreshes display metadata on
// later contacts. A public id is assigned exactly once.
func (s *UserService) Ensure(ctx context.Context, p Profile) (*domain.User, error) {
	u, err := repo.UpsertUser(ctx, s.DB, p.ID, p.Username, p.FullName)
	if err != nil {
		return nil, storageErr("upsert user", err)
	}
	if u.PublicID != nil {
		return u, nil
	}

	gen := s.NewPublicID
	if gen == nil {
		gen = NewPublicID
	}
	for attempt := 0; attempt < publicIDAttempts; attempt++ {
		candidate := gen()
		_, err := repo.SetUserPublicID(ctx, s.DB, p.ID, candidate)
		if errors.Is(err, repo.ErrDuplicate) {
			log.Debug().Int64("user_id", p.ID).Str("candidate", candidate).Msg("users: public id collision")
			continue
		}
		if err != nil {
			return nil, storageErr("assign public id", err)
		}
		// Either ours or a concurrent winner's; both are final.
		fresh, err := repo.GetUser(ctx, s.DB, p.ID)
		if err != nil {
			return nil, storageErr("reload user", err)
		}
		return fresh, nil
	}
	return nil, storageErr("assign public id", errors.New("too many collisions"))
}

// Get returns a user by platform id.
func (s *UserService) Get(ctx context.Context, id int64) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return u, nil
}
