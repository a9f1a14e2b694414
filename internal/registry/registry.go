// Package registry holds the authoritative in-memory user state: pending
// handshakes, authenticated users, the ban set, and the per-user flags that
// the avatar endpoints consult. All views live behind one mutex so the
// token and UUID lookups can never disagree.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPendingTTL is how long a stage-1 handshake may sit unverified
// before the sweeper drops it.
const DefaultPendingTTL = 30 * time.Second

var (
	// ErrPendingNotFound is returned when a stage-2 verify names a token
	// that was never issued or already consumed.
	ErrPendingNotFound = errors.New("no pending auth for token")

	// ErrTokenInUse is returned when an insert would collide on the token.
	ErrTokenInUse = errors.New("token already registered")

	// ErrUserInUse is returned when an insert would collide on the UUID.
	ErrUserInUse = errors.New("user already registered")
)

// UserInfo is the authoritative record for one authenticated user.
type UserInfo struct {
	Nickname     string
	UUID         uuid.UUID
	Token        string
	AuthProvider string
	Rank         string
	LastUsed     time.Time
	Version      string
	Banned       bool
}

type pendingAuth struct {
	nickname string
	created  time.Time
}

// Registry is the user/session registry. The zero value is not usable;
// construct with New.
type Registry struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]UserInfo   // authoritative record
	tokens     map[string]uuid.UUID     // token → UUID index
	pending    map[string]pendingAuth   // stage-1 tokens awaiting verify
	banned     map[uuid.UUID]struct{}
	upload     map[uuid.UUID]bool // per-user override of the global default
	tempAvatar map[uuid.UUID]bool // one-shot temp-avatar-request flag

	pendingTTL time.Duration
	log        zerolog.Logger
}

// New returns an empty registry. pendingTTL <= 0 selects DefaultPendingTTL.
func New(pendingTTL time.Duration, log zerolog.Logger) *Registry {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &Registry{
		users:      make(map[uuid.UUID]UserInfo),
		tokens:     make(map[string]uuid.UUID),
		pending:    make(map[string]pendingAuth),
		banned:     make(map[uuid.UUID]struct{}),
		upload:     make(map[uuid.UUID]bool),
		tempAvatar: make(map[uuid.UUID]bool),
		pendingTTL: pendingTTL,
		log:        log,
	}
}

// PendingInsert records a stage-1 handshake. Token collisions are treated
// as catastrophic and rejected: the token space is 160 bits and a repeat
// means the RNG is broken.
func (r *Registry) PendingInsert(token, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[token]; ok {
		return ErrTokenInUse
	}
	if _, ok := r.tokens[token]; ok {
		return ErrTokenInUse
	}
	r.pending[token] = pendingAuth{nickname: nickname, created: time.Now()}
	return nil
}

// PendingRemove consumes a stage-1 entry and returns its nickname.
func (r *Registry) PendingRemove(token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[token]
	if !ok {
		return "", ErrPendingNotFound
	}
	delete(r.pending, token)
	return p.nickname, nil
}

// PendingLen reports the number of unverified handshakes.
func (r *Registry) PendingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// SweepPending drops pending entries older than the TTL and returns how
// many were removed. Abandoned handshakes would otherwise accumulate
// forever.
func (r *Registry) SweepPending(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, p := range r.pending {
		if now.Sub(p.created) > r.pendingTTL {
			delete(r.pending, token)
			n++
		}
	}
	if n > 0 {
		r.log.Debug().Int("expired", n).Msg("swept pending auth entries")
	}
	return n
}

// Insert registers an authenticated user across both indices. It fails when
// either the token or the UUID is already present; the caller owns the
// second-session takeover flow.
func (r *Registry) Insert(id uuid.UUID, token string, info UserInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[token]; ok {
		return ErrTokenInUse
	}
	if _, ok := r.users[id]; ok {
		return ErrUserInUse
	}
	info.UUID = id
	info.Token = token
	r.users[id] = info
	r.tokens[token] = id
	return nil
}

// Remove evicts a user from every index, freeing the token.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.users[id]
	if !ok {
		return
	}
	delete(r.tokens, info.Token)
	delete(r.users, id)
}

// RemoveIf evicts id only while its record still carries token. A session
// tearing down after a takeover must not evict its successor's record.
func (r *Registry) RemoveIf(id uuid.UUID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.users[id]
	if !ok || info.Token != token {
		return
	}
	delete(r.tokens, info.Token)
	delete(r.users, id)
}

// Get looks up a user by session token.
func (r *Registry) Get(token string) (UserInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokens[token]
	if !ok {
		return UserInfo{}, false
	}
	info, ok := r.users[id]
	return info, ok
}

// GetByUUID looks up a user by UUID.
func (r *Registry) GetByUUID(id uuid.UUID) (UserInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.users[id]
	return info, ok
}

// IsBanned reports whether the UUID is in the ban set.
func (r *Registry) IsBanned(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.banned[id]
	return ok
}

// SetBanned adds or removes a UUID from the ban set.
func (r *Registry) SetBanned(id uuid.UUID, banned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if banned {
		r.banned[id] = struct{}{}
	} else {
		delete(r.banned, id)
	}
}

// UploadState returns the per-user upload flag, or def when no override is
// set.
func (r *Registry) UploadState(id uuid.UUID, def bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.upload[id]; ok {
		return v
	}
	return def
}

// PutUploadState sets the per-user upload override.
func (r *Registry) PutUploadState(id uuid.UUID, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upload[id] = allowed
}

// PutRequestTempState sets the one-shot temp-avatar-request flag.
func (r *Registry) PutRequestTempState(id uuid.UUID, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tempAvatar[id] = v
}

// RequestTempState reads the temp-avatar-request flag. With consume=true
// the flag is reset to false after reading.
func (r *Registry) RequestTempState(id uuid.UUID, consume bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.tempAvatar[id]
	if consume {
		r.tempAvatar[id] = false
	}
	return v
}
