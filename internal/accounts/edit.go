package accounts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

var (
	// ErrExists is returned when adding a username that is already present.
	ErrExists = errors.New("account already exists")

	// ErrUnknown is returned when the username is not in the file.
	ErrUnknown = errors.New("account not found")
)

// Changes holds the fields to update. Nil fields are left unchanged; an
// empty APIKey clears the key.
type Changes struct {
	Password *string
	APIKey   *string
}

// Add appends a. Usernames must be unique.
func Add(accts []balance.Account, a balance.Account) ([]balance.Account, error) {
	a.Username = a.ID()
	a.APIKey = strings.TrimSpace(a.APIKey)
	if a.Username == "" || a.Password == "" {
		return nil, errors.New("username and password are required")
	}
	if indexOf(accts, a.Username) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrExists, a.Username)
	}
	return append(accts, a), nil
}

// Remove drops username.
func Remove(accts []balance.Account, username string) ([]balance.Account, error) {
	i := indexOf(accts, username)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, strings.TrimSpace(username))
	}
	return append(accts[:i:i], accts[i+1:]...), nil
}

// Update applies c to username.
func Update(accts []balance.Account, username string, c Changes) ([]balance.Account, error) {
	i := indexOf(accts, username)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, strings.TrimSpace(username))
	}
	if c.Password != nil && *c.Password == "" {
		return nil, errors.New("password must not be empty")
	}

	out := append([]balance.Account(nil), accts...)
	if c.Password != nil {
		out[i].Password = *c.Password
	}
	if c.APIKey != nil {
		out[i].APIKey = strings.TrimSpace(*c.APIKey)
	}
	return out, nil
}

// Edit loads the TOML file at path, applies fn and saves the result
// atomically. A missing file starts empty so the first Add creates it.
// Legacy files are read-only; convert them with Save first.
func Edit(path string, fn func([]balance.Account) ([]balance.Account, error)) error {
	if !IsTOML(path) {
		return fmt.Errorf("%s is not a .toml accounts file; migrate it first", path)
	}

	accts, err := Load(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	accts, err = fn(accts)
	if err != nil {
		return err
	}
	return Save(path, accts)
}

func indexOf(accts []balance.Account, username string) int {
	username = strings.TrimSpace(username)
	for i, a := range accts {
		if a.ID() == username {
			return i
		}
	}
	return -1
}
