package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chatkeeper/internal/api/auth"
	"github.com/chatkeeper/internal/retry"
	"github.com/chatkeeper/internal/session"
	"github.com/chatkeeper/internal/store"
)

// PromptRequest is the body of POST /prompts and POST /images
type PromptRequest struct {
	Text string `json:"text"`
}

func (s *Server) session(c echo.Context) (*session.Session, error) {
	sess, err := s.manager.Session(auth.AccountID(c))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return sess, nil
}

// getState returns the session view: conversations, active id, messages, loading flag
func (s *Server) getState(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (s *Server) listConversations(c echo.Context) error {
	convs, err := s.store.ListConversations(c.Request().Context(), auth.AccountID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, convs)
}

func (s *Server) createConversation(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	id, err := sess.CreateConversation(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) deleteConversation(c echo.Context) error {
	if err := s.ownConversation(c); err != nil {
		return err
	}
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if err := sess.DeleteConversation(c.Request().Context(), c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) selectConversation(c echo.Context) error {
	if err := s.ownConversation(c); err != nil {
		return err
	}
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if err := sess.SelectConversation(c.Request().Context(), c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (s *Server) listMessages(c echo.Context) error {
	if err := s.ownConversation(c); err != nil {
		return err
	}
	msgs, err := s.store.ListMessages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) submitPrompt(c echo.Context) error {
	return s.submit(c, (*session.Session).SubmitPrompt)
}

func (s *Server) submitImagePrompt(c echo.Context) error {
	return s.submit(c, (*session.Session).SubmitImagePrompt)
}

func (s *Server) submit(c echo.Context, fn func(*session.Session, context.Context, string) (*session.Submission, error)) error {
	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	sub, err := fn(sess, c.Request().Context(), req.Text)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

// ownConversation answers 404 unless the :id conversation belongs to the caller
func (s *Server) ownConversation(c echo.Context) error {
	conv, err := s.store.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	if conv.AccountID != auth.AccountID(c) {
		return echo.NewHTTPError(http.StatusNotFound, store.ErrConversationNotFound.Error())
	}
	return nil
}

// toHTTPError maps domain errors onto status codes
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrEmptyPrompt):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSubmissionInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, retry.ErrMaxRetriesExceeded), errors.Is(err, session.ErrSessionClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	log.Error().Err(err).Msg("Unhandled API error")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
