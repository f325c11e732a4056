package handlers

import (
	"context"
	"errors"

	"familyhub/internal/failure"
	"familyhub/internal/models"
	"familyhub/internal/store"
	"github.com/gofiber/fiber/v2"
)

// SessionService is the orchestrator surface the HTTP handlers use
type SessionService interface {
	CreateSession(ctx context.Context, user models.UserContext, kind models.SessionKind, initialAgent models.AgentType) (*models.Session, error)
	GetSession(sessionID string) (*models.Session, error)
	CleanupSession(ctx context.Context, sessionID string) bool
	ProcessInput(ctx context.Context, sessionID, text string, metadata map[string]interface{}) <-chan models.Event
	ProcessVoiceInput(ctx context.Context, sessionID string, audio []byte, metadata map[string]interface{}) <-chan models.Event
	SetPrivacyMode(ctx context.Context, sessionID, userID string, mode models.PrivacyMode) error
}

// UserLoader resolves the caller's user context
type UserLoader interface {
	LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error)
}

// SessionHandler opens and closes sessions. Authentication happens upstream;
// the caller's id arrives in the X-User-ID header.
type SessionHandler struct {
	sessions SessionService
	users    UserLoader
}

// NewSessionHandler creates a session handler
func NewSessionHandler(sessions SessionService, users UserLoader) *SessionHandler {
	return &SessionHandler{sessions: sessions, users: users}
}

// CreateSessionRequest is the body of POST /api/sessions
type CreateSessionRequest struct {
	Kind  models.SessionKind `json:"kind"`
	Agent models.AgentType   `json:"agent"`
}

// Create opens a session for the caller
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	userID := c.Get("X-User-ID")
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing user id")
	}
	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Kind == "" {
		req.Kind = models.SessionChat
	}
	if req.Agent == "" {
		req.Agent = models.AgentPersonal
	}

	user, err := h.users.LoadUserContext(c.UserContext(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "unknown user")
	}
	if err != nil {
		return errorResponse(c, err)
	}

	sess, err := h.sessions.CreateSession(c.UserContext(), *user, req.Kind, req.Agent)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

// Get returns a session owned by the caller
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	return c.JSON(sess)
}

// Delete closes a session owned by the caller
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	sess, err := h.owned(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"closed": h.sessions.CleanupSession(c.UserContext(), sess.ID)})
}

func (h *SessionHandler) owned(c *fiber.Ctx) (*models.Session, error) {
	sess, err := h.sessions.GetSession(c.Params("id"))
	if err != nil || sess.UserID != c.Get("X-User-ID") {
		return nil, fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return sess, nil
}

func errorResponse(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch failure.CategoryOf(err) {
	case failure.CategorySecurityValidation:
		code = fiber.StatusForbidden
	case failure.CategorySessionManagement:
		if failure.IsRecoverable(err) {
			code = fiber.StatusServiceUnavailable
		} else {
			code = fiber.StatusBadRequest
		}
	}
	return c.Status(code).JSON(fiber.Map{
		"error":    err.Error(),
		"category": failure.CategoryOf(err),
	})
}
