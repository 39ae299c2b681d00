// Package session holds the process-wide credential. The application's auth
// flow writes it; everything else only reads it and reacts to changes.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned by Identity when nobody is logged in.
var ErrNoCredential = errors.New("no credential")

// Identity is what the channel handshake announces for the current user.
type Identity struct {
	UserID string
	Role   string
}

// Observer is called with the new credential after every login or logout.
// An empty credential means logged out.
type Observer func(credential string)

// Store holds the current bearer credential.
type Store struct {
	mu         sync.RWMutex
	credential string

	obsMu     sync.Mutex
	observers map[int]Observer
	nextID    int
}

// NewStore returns a store seeded with credential, which may be empty.
func NewStore(credential string) *Store {
	return &Store{
		credential: credential,
		observers:  make(map[int]Observer),
	}
}

// Credential returns the current bearer credential, or "" when logged out.
func (s *Store) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// Identity decodes the current credential locally. The token signature is
// not checked; the server does that.
func (s *Store) Identity() (Identity, error) {
	cred := s.Credential()
	if cred == "" {
		return Identity{}, ErrNoCredential
	}
	return ParseIdentity(cred)
}

// Login replaces the credential and notifies observers if it changed.
func (s *Store) Login(credential string) {
	s.set(credential)
}

// Logout clears the credential and notifies observers if one was held.
func (s *Store) Logout() {
	s.set("")
}

// Subscribe registers o and returns a function that removes it.
func (s *Store) Subscribe(o Observer) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) set(credential string) {
	s.mu.Lock()
	if s.credential == credential {
		s.mu.Unlock()
		return
	}
	s.credential = credential
	s.mu.Unlock()

	s.obsMu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, s.observers[id])
	}
	s.obsMu.Unlock()

	for _, o := range obs {
		o(credential)
	}
}

// ParseIdentity extracts the user id from a JWT without verifying it. The
// standard "sub" claim is preferred; "id", "userId" and "user_id" are
// accepted for tokens issued by older auth services.
func ParseIdentity(token string) (Identity, error) {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("decode credential: %w", err)
	}

	var ident Identity
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		ident.UserID = sub
	} else {
		for _, key := range []string{"id", "userId", "user_id"} {
			if v, ok := claims[key].(string); ok && v != "" {
				ident.UserID = v
				break
			}
		}
	}
	if ident.UserID == "" {
		return Identity{}, errors.New("decode credential: no subject claim")
	}
	if role, ok := claims["role"].(string); ok {
		ident.Role = role
	}
	return ident, nil
}
