package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Identity is what the identity server vouches for: the player's canonical
// UUID and which provider confirmed the join.
type Identity struct {
	UUID     uuid.UUID
	Provider string
}

// Oracle answers whether a player has performed the join ritual for the
// given server id, and if so under which identity.
type Oracle interface {
	HasJoined(ctx context.Context, serverID, username string) (*Identity, error)
}

// ErrNotJoined is returned when no provider confirms the join.
var ErrNotJoined = errors.New("identity server did not confirm join")

// Provider is one identity endpoint. URL is the full hasJoined endpoint;
// username and serverId are appended as query parameters.
type Provider struct {
	Name string
	URL  string
}

// HTTPOracle queries a list of identity providers in order and accepts the
// first one that confirms the join.
type HTTPOracle struct {
	providers []Provider
	client    *http.Client
	log       zerolog.Logger
}

// NewHTTPOracle builds an oracle over the given providers.
func NewHTTPOracle(providers []Provider, log zerolog.Logger) *HTTPOracle {
	return &HTTPOracle{
		providers: providers,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

// HasJoined tries each provider until one returns a 200 with a parseable
// identity. A provider that answers but does not confirm the join counts
// as "not joined"; one that cannot be reached at all does not. When every
// provider errors out the transport error is returned, so callers can tell
// an identity outage apart from a clean rejection.
func (o *HTTPOracle) HasJoined(ctx context.Context, serverID, username string) (*Identity, error) {
	var (
		lastErr  error
		declined bool
	)
	for _, p := range o.providers {
		id, err := o.query(ctx, p, serverID, username)
		if err != nil {
			o.log.Warn().Err(err).Str("provider", p.Name).Str("username", username).Msg("identity provider unreachable")
			lastErr = err
			continue
		}
		if id == nil {
			o.log.Debug().Str("provider", p.Name).Str("username", username).Msg("identity provider did not confirm join")
			declined = true
			continue
		}
		return id, nil
	}
	if declined || lastErr == nil {
		return nil, ErrNotJoined
	}
	return nil, fmt.Errorf("all identity providers failed: %w", lastErr)
}

// query returns (nil, nil) when the provider answered but did not confirm
// the join.
func (o *HTTPOracle) query(ctx context.Context, p Provider, serverID, username string) (*Identity, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("serverId", serverID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode < http.StatusInternalServerError:
		// The provider answered and did not confirm the join.
		return nil, nil
	default:
		return nil, fmt.Errorf("%s answered %d", p.Name, resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", p.Name, err)
	}
	id, err := uuid.Parse(body.ID)
	if err != nil {
		return nil, fmt.Errorf("parse uuid from %s: %w", p.Name, err)
	}
	return &Identity{UUID: id, Provider: p.Name}, nil
}
