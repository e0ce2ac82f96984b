package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Beam/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type devUser struct {
	id   domain.UserID
	hash []byte
}

// DevUsers is an in-memory credential store for development logins.
// The first login for a username creates the account.
type DevUsers struct {
	mu     sync.Mutex
	byName map[string]devUser
	cost   int
}

func NewDevUsers(cost int) *DevUsers {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &DevUsers{byName: make(map[string]devUser), cost: cost}
}

// Login checks the password of an existing user or creates a new one.
func (u *DevUsers) Login(username, password string) (domain.UserID, error) {
	if err := domain.ValidateUsername(username); err != nil {
		return "", err
	}
	if password == "" {
		return "", ErrInvalidCredentials
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if existing, ok := u.byName[username]; ok {
		if err := bcrypt.CompareHashAndPassword(existing.hash, []byte(password)); err != nil {
			log.Info().Str("module", "auth").Str("username", username).Msg("invalid password")
			return "", ErrInvalidCredentials
		}
		return existing.id, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	id := domain.UserID(uuid.NewString())
	u.byName[username] = devUser{id: id, hash: hash}
	log.Info().Str("module", "auth").Str("username", username).Str("user", string(id)).Int("users", len(u.byName)).Msg("user created")
	return id, nil
}
