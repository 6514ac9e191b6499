// Package auth checks HTTP Basic credentials against a user file.
//
// The user file has one "user:sha256hex" entry per line. Blank lines and
// lines starting with '#' are ignored:
//
//	# focus users
//	admin:8c6976e5b5410415bde908bd4dee15dfb167a9c873fc4bb8a81f6f2ab448a918
package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
)

// Users is a set of user names and password hashes. It is safe for
// concurrent use and can be reloaded in place.
type Users struct {
	mu     sync.RWMutex
	path   string
	hashes map[string]string // user -> sha256 hex
}

// NewUsers creates an empty user set. Nobody can authenticate against it.
func NewUsers() *Users {
	return &Users{hashes: make(map[string]string)}
}

// LoadUsers reads the user file at path.
func LoadUsers(path string) (*Users, error) {
	u := &Users{path: path}
	if err := u.Reload(); err != nil {
		return nil, err
	}
	return u, nil
}

// Path returns the file the users were loaded from, if any.
func (u *Users) Path() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.path
}

// Reload re-reads the user file. On error the current users are kept.
func (u *Users) Reload() error {
	u.mu.RLock()
	path := u.path
	u.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("user file path cannot be empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open user file %s: %w", path, err)
	}
	defer f.Close()

	hashes, err := Parse(f)
	if err != nil {
		return fmt.Errorf("parse user file %s: %w", path, err)
	}

	u.mu.Lock()
	u.hashes = hashes
	u.mu.Unlock()
	return nil
}

// Parse reads user entries from r.
func Parse(r io.Reader) (map[string]string, error) {
	hashes := make(map[string]string)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, hash, ok := strings.Cut(text, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("line %d: expected user:hash", line)
		}
		hash = strings.ToLower(strings.TrimSpace(hash))
		if _, err := hex.DecodeString(hash); err != nil || len(hash) != sha256.Size*2 {
			return nil, fmt.Errorf("line %d: invalid sha256 hash for %q", line, user)
		}
		hashes[strings.TrimSpace(user)] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Len returns the number of users.
func (u *Users) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.hashes)
}

// Set adds or replaces a user with a plain-text password.
func (u *Users) Set(user, password string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hashes[user] = HashPassword(password)
}

// Verify reports whether password matches the stored hash for user.
func (u *Users) Verify(user, password string) bool {
	u.mu.RLock()
	stored, ok := u.hashes[user]
	u.mu.RUnlock()

	// Compare against a fixed hash for unknown users so timing does not leak
	// which names exist.
	if !ok {
		stored = strings.Repeat("0", sha256.Size*2)
	}
	match := subtle.ConstantTimeCompare([]byte(HashPassword(password)), []byte(stored)) == 1
	return ok && match
}

// CheckRequest verifies the request's Basic credentials. When allowed is
// non-empty the user must also be one of the listed names. It returns the
// authenticated user name.
func (u *Users) CheckRequest(r *http.Request, allowed ...string) (string, bool) {
	user, password, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	if len(allowed) > 0 && !slices.Contains(allowed, user) {
		return "", false
	}
	if !u.Verify(user, password) {
		return "", false
	}
	return user, true
}

// HashPassword returns the hex SHA-256 of password, the format stored in the
// user file.
func HashPassword(password string) string {
	hash := sha256.Sum256([]byte(password))
	return hex.EncodeToString(hash[:])
}

// Line formats a user file entry.
func Line(user, password string) string {
	return user + ":" + HashPassword(password)
}
