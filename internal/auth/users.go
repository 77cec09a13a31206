package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// SeedUser is one account from the SEED_USERS setting.
type SeedUser struct {
	Username string
	Password string
	Name     string
	Role     string
}

// User is an account in the directory. The password hash never leaves the
// package.
type User struct {
	ID       int
	Username string
	Name     string
	Role     string
	hash     []byte
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// ParseSeedUsers parses "username:password:Display Name:role" entries
// separated by commas.
func ParseSeedUsers(s string) ([]SeedUser, error) {
	var out []SeedUser
	for i, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("seed user %d: want username:password:name:role", i+1)
		}
		u := SeedUser{
			Username: strings.TrimSpace(parts[0]),
			Password: parts[1],
			Name:     strings.TrimSpace(parts[2]),
			Role:     strings.ToLower(strings.TrimSpace(parts[3])),
		}
		if u.Username == "" || u.Password == "" {
			return nil, fmt.Errorf("seed user %d: username and password required", i+1)
		}
		if u.Role != RoleAdmin && u.Role != RoleUser {
			return nil, fmt.Errorf("seed user %q: unknown role %q", u.Username, u.Role)
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no seed users configured")
	}
	return out, nil
}

// Directory is a fixed, in-memory set of accounts. IDs are assigned from 1
// in seed order.
type Directory struct {
	byName map[string]*User
	byID   map[int]*User
}

// NewDirectory hashes every seed password with bcrypt at the given cost.
func NewDirectory(seeds []SeedUser, cost int) (*Directory, error) {
	d := &Directory{
		byName: make(map[string]*User, len(seeds)),
		byID:   make(map[int]*User, len(seeds)),
	}
	for i, s := range seeds {
		if _, dup := d.byName[s.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", s.Username)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(s.Password), cost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %q: %w", s.Username, err)
		}
		u := &User{ID: i + 1, Username: s.Username, Name: s.Name, Role: s.Role, hash: hash}
		d.byName[u.Username] = u
		d.byID[u.ID] = u
	}
	return d, nil
}

// Authenticate returns the user if password matches.
func (d *Directory) Authenticate(username, password string) (*User, bool) {
	u, ok := d.byName[username]
	if !ok {
		// Spend the same time as a real comparison.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, false
	}
	if bcrypt.CompareHashAndPassword(u.hash, []byte(password)) != nil {
		return nil, false
	}
	return u, true
}

// ByID looks up a user by id.
func (d *Directory) ByID(id int) (*User, bool) {
	u, ok := d.byID[id]
	return u, ok
}

// Count returns the number of accounts.
func (d *Directory) Count() int { return len(d.byID) }

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("ftprelay"), bcrypt.MinCost)
