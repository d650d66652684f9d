// Package staff holds the librarian accounts allowed to sign in.
package staff

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// RoleLibrarian is the role every built-in account carries.
const RoleLibrarian = "Bibliotecario"

// ErrInvalidCredentials is returned for an unknown email or a wrong password.
var ErrInvalidCredentials = errors.New("staff: invalid credentials")

// Account is a staff member. PasswordHash is a bcrypt hash.
type Account struct {
	Email        string `yaml:"email" json:"email"`
	Name         string `yaml:"name" json:"name"`
	Role         string `yaml:"role" json:"role"`
	PasswordHash string `yaml:"password_hash" json:"-"`
}

// Directory authenticates staff accounts by email.
type Directory struct {
	accounts map[string]Account
	// dummy is compared against when the email is unknown so lookups take
	// the same time either way.
	dummy []byte
}

// NewDirectory indexes accounts by lower-cased email.
func NewDirectory(accounts []Account) (*Directory, error) {
	d := &Directory{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" {
			return nil, errors.New("staff account without email")
		}
		if _, err := bcrypt.Cost([]byte(a.PasswordHash)); err != nil {
			return nil, fmt.Errorf("staff account %s: %w", email, err)
		}
		if _, dup := d.accounts[email]; dup {
			return nil, fmt.Errorf("duplicate staff account %s", email)
		}
		if a.Role == "" {
			a.Role = RoleLibrarian
		}
		a.Email = email
		d.accounts[email] = a
		if d.dummy == nil {
			d.dummy = []byte(a.PasswordHash)
		}
	}
	return d, nil
}

// Authenticate returns the account whose password matches.
func (d *Directory) Authenticate(email, password string) (Account, error) {
	account, ok := d.accounts[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		if d.dummy != nil {
			_ = bcrypt.CompareHashAndPassword(d.dummy, []byte(password))
		}
		return Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// Emails lists the known accounts in order.
func (d *Directory) Emails() []string {
	out := make([]string, 0, len(d.accounts))
	for email := range d.accounts {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

// LoadFile reads a YAML list of accounts.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("load staff file %q: %w", path, err)
	}
	var accounts []Account
	if err := yaml.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse staff file %q: %w", path, err)
	}
	return NewDirectory(accounts)
}

// Hash returns a bcrypt hash of password at the default cost.
func Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// DemoDirectory returns the two accounts the demo branch ships with.
func DemoDirectory() (*Directory, error) {
	demo := []struct{ email, name, password string }{
		{"admin@biblioteca.com", "Administrador", "admin123"},
		{"bibliotecario@biblioteca.com", "Juan Perez", "biblio123"},
	}
	accounts := make([]Account, 0, len(demo))
	for _, a := range demo {
		h, err := Hash(a.password)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, Account{Email: a.email, Name: a.name, Role: RoleLibrarian, PasswordHash: h})
	}
	return NewDirectory(accounts)
}
