// Package static provides an Authenticator over a fixed set of users whose
// passwords are stored as bcrypt hashes.
package static

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-server/providers"
)

// User is one configured user.
type User struct {
	ID           string `mapstructure:"id"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Scope        string `mapstructure:"scope"`
}

// Authenticator checks credentials against a fixed user table.
type Authenticator struct {
	users map[string]User

	// Compared against when the username is unknown so that the response
	// time does not reveal which usernames exist.
	dummyHash []byte
}

var _ providers.Authenticator = (*Authenticator)(nil)

// New builds an authenticator. Usernames are matched case-insensitively and
// must be unique; every user needs a bcrypt password hash.
func New(users []User) (*Authenticator, error) {
	a := &Authenticator{users: make(map[string]User, len(users))}
	for _, u := range users {
		key := strings.ToLower(u.Username)
		if key == "" {
			return nil, fmt.Errorf("user %q has no username", u.ID)
		}
		if _, dup := a.users[key]; dup {
			return nil, fmt.Errorf("duplicate username %q", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", u.Username, err)
		}
		if u.ID == "" {
			u.ID = u.Username
		}
		a.users[key] = u
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("unused"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dummy hash: %w", err)
	}
	a.dummyHash = hash
	return a, nil
}

// HashPassword returns the bcrypt hash to put in a User's PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate implements providers.Authenticator.
func (a *Authenticator) Authenticate(_ context.Context, username, password string) (*providers.UserInfo, error) {
	u, ok := a.users[strings.ToLower(username)]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(password))
		return nil, providers.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, providers.ErrInvalidCredentials
	}
	return &providers.UserInfo{ID: u.ID, Username: u.Username, Scope: u.Scope}, nil
}
