// Package assets keeps the local asset bundle in sync with its upstream
// repository. Sync is best-effort: any failure leaves the previous bundle
// in place.
package assets

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"avatarhub/internal/config"
)

const shaFile = ".commit-sha"

// maxBundleSize bounds the downloaded archive.
const maxBundleSize = 256 << 20

// Updater syncs the asset directory against the configured upstream.
type Updater struct {
	dir    string
	cfg    config.Assets
	client *http.Client
	log    zerolog.Logger
}

// NewUpdater builds an updater unpacking into dir.
func NewUpdater(dir string, cfg config.Assets, log zerolog.Logger) *Updater {
	return &Updater{
		dir:    dir,
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

// Sync compares the upstream commit SHA to the locally recorded one and
// downloads the bundle on mismatch. Returns whether an update happened.
func (u *Updater) Sync(ctx context.Context) (bool, error) {
	if !u.cfg.Enabled {
		return false, nil
	}

	upstream, err := u.upstreamSHA(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch upstream commit: %w", err)
	}
	if upstream == u.localSHA() {
		u.log.Debug().Str("sha", upstream).Msg("assets up to date")
		return false, nil
	}

	u.log.Info().Str("sha", upstream).Msg("assets outdated, downloading bundle")
	if err := u.download(ctx); err != nil {
		return false, err
	}
	if err := os.WriteFile(filepath.Join(u.dir, shaFile), []byte(upstream), 0o644); err != nil {
		return false, fmt.Errorf("record commit sha: %w", err)
	}
	u.log.Info().Str("sha", upstream).Msg("assets updated")
	return true, nil
}

func (u *Updater) localSHA() string {
	raw, err := os.ReadFile(filepath.Join(u.dir, shaFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (u *Updater) upstreamSHA(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.CommitURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("commit endpoint answered %d", resp.StatusCode)
	}

	var body struct {
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode commit response: %w", err)
	}
	if body.SHA == "" {
		return "", errors.New("commit response carries no sha")
	}
	return body.SHA, nil
}

func (u *Updater) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.ArchiveURL, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("download bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive endpoint answered %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize))
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	return u.unpack(raw)
}

func (u *Updater) unpack(raw []byte) error {
	r, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("open bundle archive: %w", err)
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return fmt.Errorf("create assets directory: %w", err)
	}

	for _, f := range r.File {
		// Strip the archive's top-level directory so the contents land
		// directly in the assets directory.
		name := f.Name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		if name == "" {
			continue
		}

		dest := filepath.Join(u.dir, filepath.FromSlash(name))
		rel, err := filepath.Rel(u.dir, dest)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("bundle entry %q escapes assets directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create bundle directory: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create bundle directory: %w", err)
		}
		if err := extractFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open bundle entry %q: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %q: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %q: %w", dest, err)
	}
	return out.Close()
}
