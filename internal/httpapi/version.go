package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Fallback client versions served when the upstream lookup fails.
const (
	fallbackRelease    = "0.1.5"
	fallbackPrerelease = "0.1.5"
)

const defaultVersionURL = "https://api.modrinth.com/v2/project/figura/version"

type versionResponse struct {
	Release    string `json:"release"`
	Prerelease string `json:"prerelease"`
}

// versionCache resolves the latest client versions once and serves the
// cached answer afterwards. Upstream failures fall back to the pinned
// versions without caching, so the next request retries.
type versionCache struct {
	// URL is the upstream version listing; overridable in tests.
	URL string

	mu     sync.Mutex
	cached *versionResponse
	client *http.Client
	log    zerolog.Logger
}

func newVersionCache(log zerolog.Logger) *versionCache {
	return &versionCache{
		URL:    defaultVersionURL,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (v *versionCache) get() versionResponse {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cached != nil {
		return *v.cached
	}

	resp, err := v.fetch()
	if err != nil {
		v.log.Warn().Err(err).Msg("version lookup failed, serving fallback")
		return versionResponse{Release: fallbackRelease, Prerelease: fallbackPrerelease}
	}
	v.cached = &resp
	return resp
}

func (v *versionCache) fetch() (versionResponse, error) {
	httpResp, err := v.client.Get(v.URL)
	if err != nil {
		return versionResponse{}, fmt.Errorf("fetch versions: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return versionResponse{}, fmt.Errorf("version endpoint answered %d", httpResp.StatusCode)
	}

	// Upstream lists versions newest first, split by release channel.
	var listing []struct {
		VersionNumber string `json:"version_number"`
		VersionType   string `json:"version_type"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&listing); err != nil {
		return versionResponse{}, fmt.Errorf("decode version listing: %w", err)
	}

	out := versionResponse{Release: fallbackRelease, Prerelease: fallbackPrerelease}
	release, prerelease := "", ""
	for _, entry := range listing {
		if entry.VersionType == "release" && release == "" {
			release = entry.VersionNumber
		}
		if prerelease == "" {
			prerelease = entry.VersionNumber
		}
	}
	if release != "" {
		out.Release = release
	}
	if prerelease != "" {
		out.Prerelease = prerelease
	}
	return out, nil
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, s.versions.get())
}
