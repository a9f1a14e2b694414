package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// requireInternal applies the Admit predicate to the internal API.
func (s *Server) requireInternal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.Admit(c.Request()) {
			return echo.NewHTTPError(http.StatusForbidden, "not allowed")
		}
		return next(c)
	}
}

func (s *Server) handleInternalTempPut(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	if _, err := s.avatars.PutTemp(id, c.Request().Body); err != nil {
		s.log.Error().Err(err).Stringer("uuid", id).Msg("temp avatar store failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	// Fresh temp avatar, not yet reported to its owner.
	s.registry.PutRequestTempState(id, false)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleInternalTempDelete(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	if err := s.avatars.DeleteTemp(id); err != nil {
		s.log.Error().Err(err).Stringer("uuid", id).Msg("temp avatar delete failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleInternalAvatarPut(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	if _, err := s.avatars.Put(id, c.Request().Body); err != nil {
		s.log.Error().Err(err).Stringer("uuid", id).Msg("avatar store failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	s.notifier.SendEvent(id)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleInternalAvatarDelete(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	if err := s.avatars.Delete(id); err != nil {
		s.log.Error().Err(err).Stringer("uuid", id).Msg("avatar delete failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	s.notifier.SendEvent(id)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleInternalEvent(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	s.notifier.SendEventToOwner(id)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleInternalUploads(c echo.Context) error {
	id, err := pathUUID(c)
	if err != nil {
		return err
	}
	allowed, err := strconv.ParseBool(c.QueryParam("allowed"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "allowed must be a boolean")
	}

	s.registry.PutUploadState(id, allowed)
	if s.moderation != nil {
		if err := s.moderation.SetUploadOverride(c.Request().Context(), id, allowed); err != nil {
			s.log.Error().Err(err).Stringer("uuid", id).Msg("persist upload override failed")
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
	}
	return c.NoContent(http.StatusOK)
}
