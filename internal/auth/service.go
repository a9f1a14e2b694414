package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"avatarhub/internal/metrics"
	"avatarhub/internal/registry"
)

var (
	// ErrUnknownToken is returned when a verify names a token with no
	// pending handshake.
	ErrUnknownToken = errors.New("unknown or expired handshake token")

	// ErrVerifyFailed is returned when the identity servers do not confirm
	// the join.
	ErrVerifyFailed = errors.New("identity verification failed")

	// ErrBanned is returned for a verified identity that is banned.
	ErrBanned = errors.New("user is banned")

	// ErrSecondSession is returned when the takeover retry still collides.
	ErrSecondSession = errors.New("second session detected")
)

// DefaultRank is the rank assigned to users with no configured override.
const DefaultRank = "default"

// Service runs the handshake against the registry and the identity oracle.
type Service struct {
	// RankFor resolves a user's rank; nil means everyone gets DefaultRank.
	RankFor func(uuid.UUID) string

	registry *registry.Registry
	oracle   Oracle
	log      zerolog.Logger
}

// NewService builds the handshake service.
func NewService(reg *registry.Registry, oracle Oracle, log zerolog.Logger) *Service {
	return &Service{registry: reg, oracle: oracle, log: log}
}

// Begin mints a session token for nickname and parks the handshake until
// the client completes stage two.
func (s *Service) Begin(nickname string) (string, error) {
	token, err := MintToken()
	if err != nil {
		return "", err
	}
	if err := s.registry.PendingInsert(token, nickname); err != nil {
		// A 160-bit collision means the RNG is compromised; refuse rather
		// than hand two clients the same token.
		s.log.Error().Err(err).Msg("minted token collided")
		return "", fmt.Errorf("mint session token: %w", err)
	}
	s.log.Debug().Str("username", nickname).Msg("handshake started")
	return token, nil
}

// Complete consumes the pending handshake for token, verifies the join with
// the identity oracle, and registers the user. A verified user who already
// has a live registration takes over from it: the old record is evicted and
// the insert retried exactly once.
func (s *Service) Complete(ctx context.Context, token string) (registry.UserInfo, error) {
	nickname, err := s.registry.PendingRemove(token)
	if err != nil {
		metrics.AuthFailure.Inc()
		return registry.UserInfo{}, ErrUnknownToken
	}

	identity, err := s.oracle.HasJoined(ctx, token, nickname)
	if errors.Is(err, ErrNotJoined) {
		metrics.AuthFailure.Inc()
		s.log.Warn().Str("username", nickname).Msg("identity verification failed")
		return registry.UserInfo{}, ErrVerifyFailed
	}
	if err != nil {
		// Oracle infrastructure failure, distinct from a clean "not joined".
		metrics.AuthFailure.Inc()
		return registry.UserInfo{}, fmt.Errorf("query identity oracle: %w", err)
	}
	if identity == nil {
		metrics.AuthFailure.Inc()
		s.log.Warn().Str("username", nickname).Msg("oracle returned no identity")
		return registry.UserInfo{}, ErrVerifyFailed
	}

	if s.registry.IsBanned(identity.UUID) {
		metrics.AuthFailure.Inc()
		s.log.Warn().Str("username", nickname).Stringer("uuid", identity.UUID).Msg("banned user attempted login")
		return registry.UserInfo{}, ErrBanned
	}

	info := registry.UserInfo{
		Nickname:     nickname,
		AuthProvider: identity.Provider,
		Rank:         s.rank(identity.UUID),
		LastUsed:     time.Now().UTC(),
	}
	if err := s.registry.Insert(identity.UUID, token, info); err != nil {
		// The user logged in again without the old session noticing yet.
		// Evict the stale record and take its place.
		s.registry.Remove(identity.UUID)
		if err := s.registry.Insert(identity.UUID, token, info); err != nil {
			metrics.AuthFailure.Inc()
			s.log.Error().Err(err).Stringer("uuid", identity.UUID).Msg("takeover retry failed")
			return registry.UserInfo{}, ErrSecondSession
		}
		s.log.Info().Str("username", nickname).Stringer("uuid", identity.UUID).Msg("session takeover")
	}

	metrics.AuthSuccess.Inc()
	info, _ = s.registry.GetByUUID(identity.UUID)
	s.log.Info().Str("username", nickname).Stringer("uuid", identity.UUID).Str("provider", identity.Provider).Msg("authenticated")
	return info, nil
}

func (s *Service) rank(id uuid.UUID) string {
	if s.RankFor != nil {
		if r := s.RankFor(id); r != "" {
			return r
		}
	}
	return DefaultRank
}
