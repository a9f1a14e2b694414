package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"avatarhub/internal/auth"
	"avatarhub/internal/avatar"
	"avatarhub/internal/registry"
)

const tokenHeader = "Token"

const userInfoKey = "avatarhub.user"

// requireToken resolves the Token header to a registered user and rejects
// the request otherwise.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get(tokenHeader)
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
		}
		info, ok := s.registry.Get(token)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set(userInfoKey, info)
		return next(c)
	}
}

func caller(c echo.Context) registry.UserInfo {
	info, _ := c.Get(userInfoKey).(registry.UserInfo)
	return info
}

// optionalCaller resolves the Token header when present, without failing
// the request.
func (s *Server) optionalCaller(c echo.Context) (registry.UserInfo, bool) {
	token := c.Request().Header.Get(tokenHeader)
	if token == "" {
		return registry.UserInfo{}, false
	}
	return s.registry.Get(token)
}

func pathUUID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "malformed uuid")
	}
	return id, nil
}

func (s *Server) handleAuthID(c echo.Context) error {
	username := c.QueryParam("username")
	if username == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username is required")
	}
	token, err := s.auth.Begin(username)
	if err != nil {
		s.log.Error().Err(err).Msg("stage-1 handshake failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.String(http.StatusOK, token)
}

func (s *Server) handleAuthVerify(c echo.Context) error {
	token := c.QueryParam("id")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}

	info, err := s.auth.Complete(c.Request().Context(), token)
	switch {
	case err == nil:
		return c.String(http.StatusOK, info.Token)
	case errors.Is(err, auth.ErrUnknownToken):
		return echo.NewHTTPError(http.StatusBadRequest, "unknown handshake id")
	case errors.Is(err, auth.ErrVerifyFailed):
		return echo.NewHTTPError(http.StatusBadRequest, "failed to verify")
	case errors.Is(err, auth.ErrBanned):
		return echo.NewHTTPError(http.StatusBadRequest, "You're banned!")
	case errors.Is(err, auth.ErrSecondSession):
		return echo.NewHTTPError(http.StatusBadRequest, "second session detected")
	default:
		s.log.Error().Err(err).Msg("stage-2 handshake failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
}

func (s *Server) handleMOTD(c echo.Context) error {
	return c.JSON(http.StatusOK, []string{s.cfg.Current().MOTD})
}

type rateLimits struct {
	PingSize int `json:"pingSize"`
	PingRate int `json:"pingRate"`
	Equip    int `json:"equip"`
	Download int `json:"download"`
	Upload   int `json:"upload"`
}

type allowedBadges struct {
	Special []uint8 `json:"special"`
	Pride   []uint8 `json:"pride"`
}

type limitValues struct {
	MaxAvatarSize int64         `json:"maxAvatarSize"`
	MaxAvatars    int           `json:"maxAvatars"`
	CanUpload     bool          `json:"canUpload"`
	AllowedBadges allowedBadges `json:"allowedBadges"`
}

type limitsResponse struct {
	Rate   rateLimits  `json:"rate"`
	Limits limitValues `json:"limits"`
}

// badgesFor builds the zero-filled badge arrays with any configured
// advanced-user overrides applied.
func (s *Server) badgesFor(id uuid.UUID) allowedBadges {
	badges := allowedBadges{Special: make([]uint8, 6), Pride: make([]uint8, 25)}
	if u, ok := s.cfg.Current().AdvancedUserByUUID(id); ok {
		copy(badges.Special, u.Special)
		copy(badges.Pride, u.Pride)
	}
	return badges
}

func (s *Server) handleLimits(c echo.Context) error {
	info := caller(c)
	cfg := s.cfg.Current()
	badges := s.badgesFor(info.UUID)

	return c.JSON(http.StatusOK, limitsResponse{
		Rate: rateLimits{PingSize: 1024, PingRate: 32, Equip: 1, Download: 50, Upload: 1},
		Limits: limitValues{
			MaxAvatarSize: cfg.Limitations.MaxAvatarSizeKB * 1000,
			MaxAvatars:    cfg.Limitations.MaxAvatars,
			CanUpload:     s.registry.UploadState(info.UUID, cfg.Limitations.CanUpload),
			AllowedBadges: badges,
		},
	})
}

type equippedAvatar struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Hash  string `json:"hash"`
}

type userInfoResponse struct {
	UUID           string           `json:"uuid"`
	Nickname       string           `json:"nickname"`
	Rank           string           `json:"rank"`
	AuthProvider   string           `json:"authProvider"`
	LastUsed       string           `json:"lastUsed"`
	Version        string           `json:"version"`
	Banned         bool             `json:"banned"`
	Equipped       []equippedAvatar `json:"equipped"`
	EquippedBadges allowedBadges    `json:"equippedBadges"`
}

func (s *Server) handleUserInfo(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	info, ok := s.registry.GetByUUID(id)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown user")
	}

	resp := userInfoResponse{
		UUID:           info.UUID.String(),
		Nickname:       info.Nickname,
		Rank:           info.Rank,
		AuthProvider:   info.AuthProvider,
		Version:        info.Version,
		Banned:         s.registry.IsBanned(id),
		Equipped:       []equippedAvatar{},
		EquippedBadges: s.badgesFor(id),
	}
	if !info.LastUsed.IsZero() {
		resp.LastUsed = info.LastUsed.UTC().Format(time.RFC3339)
	}

	// The owner sees a freshly uploaded temp avatar exactly once; after
	// that the equipped avatar is reported again.
	if self, ok := s.optionalCaller(c); ok && self.UUID == id &&
		s.avatars.HasTemp(id) && !s.registry.RequestTempState(id, false) {
		hash, err := s.avatars.TempHash(id)
		if err == nil {
			resp.Equipped = append(resp.Equipped, equippedAvatar{
				ID:    id.String(),
				Owner: id.String(),
				Hash:  hash,
			})
			s.registry.PutRequestTempState(id, true)
			return c.JSON(http.StatusOK, resp)
		}
	}

	if hash, err := s.avatars.Hash(id); err == nil {
		resp.Equipped = append(resp.Equipped, equippedAvatar{
			ID:    id.String(),
			Owner: id.String(),
			Hash:  hash,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAvatarDownload(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}

	// The owner downloading their own fresh temp avatar consumes it.
	if self, ok := s.optionalCaller(c); ok && self.UUID == id {
		if f, err := s.avatars.OpenTemp(id); err == nil {
			defer f.Close()
			err := c.Stream(http.StatusOK, "application/octet-stream", f)
			_ = s.avatars.DeleteTemp(id)
			s.registry.RequestTempState(id, true)
			return err
		}
	}

	f, err := s.avatars.Open(id)
	if errors.Is(err, avatar.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no avatar")
	}
	if err != nil {
		s.log.Error().Err(err).Stringer("uuid", id).Msg("open avatar failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	defer f.Close()
	return c.Stream(http.StatusOK, "application/octet-stream", f)
}

func (s *Server) handleAvatarUpload(c echo.Context) error {
	info := caller(c)
	cfg := s.cfg.Current()
	if !s.registry.UploadState(info.UUID, cfg.Limitations.CanUpload) {
		return echo.NewHTTPError(http.StatusForbidden, "uploads disabled")
	}

	maxSize := cfg.Limitations.MaxAvatarSizeKB * 1000
	body := io.LimitReader(c.Request().Body, maxSize+1)
	size, err := s.avatars.Put(info.UUID, body)
	if err != nil {
		s.log.Error().Err(err).Stringer("uuid", info.UUID).Msg("avatar upload failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if size > maxSize {
		_ = s.avatars.Delete(info.UUID)
		return echo.NewHTTPError(http.StatusBadRequest, "avatar too large")
	}

	s.notifier.SendEvent(info.UUID)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleAvatarDelete(c echo.Context) error {
	info := caller(c)
	if err := s.avatars.Delete(info.UUID); err != nil {
		s.log.Error().Err(err).Stringer("uuid", info.UUID).Msg("avatar delete failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	s.notifier.SendEvent(info.UUID)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleEquip(c echo.Context) error {
	info := caller(c)
	s.notifier.SendEvent(info.UUID)
	return c.NoContent(http.StatusOK)
}
