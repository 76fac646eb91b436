package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/duplex/domain/entities"
	"github.com/satriahrh/duplex/internal/auth"
	"github.com/satriahrh/duplex/internal/session"
	"github.com/satriahrh/duplex/internal/websocket"
)

const (
	guestUserID     = "guest"
	summaryMaxChars = 100
)

// Options carries the collaborators of the HTTP surface
type Options struct {
	Hub      *websocket.Hub
	Registry *session.Registry
	// Issuer is nil when no JWT secret is configured.
	Issuer       *auth.TokenIssuer
	AuthRequired bool
	APIKey       string
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

type handlers struct {
	Options
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, opts Options) {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{Options: opts}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":          "ok",
			"service":         "duplex",
			"active_sessions": h.Registry.Len(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/token", h.issueToken)

	// Admin dashboard routes
	admin := e.Group("/api/admin", h.requireRole(auth.RoleAdmin))
	admin.GET("/stats", h.stats)
	admin.GET("/sessions", h.listSessions)
	admin.GET("/session/:id/history", h.sessionHistory)
	admin.DELETE("/session/:id", h.deleteSession)
	admin.POST("/update-context", h.updateContext)

	// WebSocket endpoints with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		userID, err := h.authenticate(c)
		if err != nil {
			return err
		}
		return websocket.HandleWebSocket(h.Hub, c, userID)
	})
	e.GET("/ws/control", func(c echo.Context) error {
		userID, err := h.authenticate(c)
		if err != nil {
			return err
		}
		return websocket.HandleControlWebSocket(h.Hub, c, userID)
	})
}

func (h *handlers) issueToken(c echo.Context) error {
	if h.Issuer == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "auth_disabled",
			Message: "Token issuance requires JWT_SECRET",
		})
	}
	if h.APIKey != "" && c.Request().Header.Get("X-API-Key") != h.APIKey {
		h.Logger.Warn("Token request rejected: bad api key", zap.String("remote", c.RealIP()))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_api_key",
			Message: "A valid X-API-Key header is required",
		})
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		h.Logger.Error("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "user_id is required",
		})
	}

	var (
		token string
		err   error
	)
	switch req.Role {
	case "", auth.RoleUser:
		req.Role = auth.RoleUser
		token, err = h.Issuer.GenerateUserToken(req.UserID)
	case auth.RoleAdmin:
		token, err = h.Issuer.GenerateAdminToken(req.UserID)
	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_role",
			Message: "role must be user or admin",
		})
	}
	if err != nil {
		h.Logger.Error("Failed to generate token", zap.String("userID", req.UserID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	claims, _ := h.Issuer.ValidateToken(token)
	expiresAt := time.Now()
	if claims != nil && claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	h.Logger.Info("Token issued", zap.String("userID", req.UserID), zap.String("role", req.Role))
	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    req.UserID,
		Role:      req.Role,
	})
}

// bearerToken extracts the JWT from the Authorization header, falling back
// to the token query parameter for browser websocket clients.
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return c.QueryParam("token")
}

func unauthorized(code int, reason, message string) error {
	return echo.NewHTTPError(code, ErrorResponse{Error: reason, Message: message})
}

func (h *handlers) claims(c echo.Context) (*auth.JWTClaims, error) {
	token := bearerToken(c)
	if token == "" {
		h.Logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
		return nil, unauthorized(http.StatusUnauthorized, "missing_token",
			"JWT token is required in the Authorization header or token query parameter")
	}
	if h.Issuer == nil {
		return nil, unauthorized(http.StatusInternalServerError, "auth_misconfigured",
			"Authentication is required but no JWT secret is configured")
	}

	claims, err := h.Issuer.ValidateToken(token)
	if err != nil {
		h.Logger.Warn("Request rejected: invalid token", zap.Error(err))
		return nil, unauthorized(http.StatusUnauthorized, "invalid_token", "Invalid or expired JWT token")
	}
	return claims, nil
}

// authenticate resolves the user of a websocket upgrade
func (h *handlers) authenticate(c echo.Context) (string, error) {
	if !h.AuthRequired {
		if userID := c.QueryParam("user_id"); userID != "" {
			return userID, nil
		}
		return guestUserID, nil
	}

	claims, err := h.claims(c)
	if err != nil {
		return "", err
	}

	h.Logger.Info("WebSocket connection authenticated",
		zap.String("userID", claims.UserID),
		zap.String("role", claims.Role))
	return claims.UserID, nil
}

func (h *handlers) requireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !h.AuthRequired {
				return next(c)
			}
			claims, err := h.claims(c)
			if err != nil {
				return err
			}
			if claims.Role != role {
				h.Logger.Warn("Request rejected: invalid role", zap.String("role", claims.Role))
				return unauthorized(http.StatusForbidden, "invalid_role", "This endpoint requires the "+role+" role")
			}
			return next(c)
		}
	}
}

func (h *handlers) stats(c echo.Context) error {
	sessions := h.sortedSessions()
	resp := StatsResponse{
		Stats:    h.Registry.Stats(),
		Sessions: make([]SessionSummary, 0, len(sessions)),
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, summarize(s))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handlers) listSessions(c echo.Context) error {
	sessions := h.sortedSessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":    len(out),
		"sessions": out,
	})
}

func (h *handlers) sessionHistory(c echo.Context) error {
	s, err := h.Registry.Resolve(c.Param("id"))
	if err != nil {
		return sessionNotFound(c)
	}
	return c.JSON(http.StatusOK, HistoryResponse{
		SessionID:      s.ID,
		SystemPrompt:   s.SystemPrompt,
		DynamicContext: s.DynamicContext,
		Messages:       s.Messages,
		Metrics:        s.Metrics,
	})
}

func (h *handlers) deleteSession(c echo.Context) error {
	s, err := h.Registry.Resolve(c.Param("id"))
	if err != nil {
		return sessionNotFound(c)
	}

	h.Hub.Disconnect(s.ID, "session deleted")
	if err := h.Registry.Remove(c.Request().Context(), s.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		h.Logger.Error("Failed to delete session", zap.String("sessionID", s.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "delete_failed",
			Message: "Failed to delete session",
		})
	}

	h.Logger.Info("Session deleted via admin API", zap.String("sessionID", s.ID))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": s.ID,
	})
}

func (h *handlers) updateContext(c echo.Context) error {
	var req UpdateContextRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.SessionID == "" || strings.TrimSpace(req.Context) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "session_id and context are required",
		})
	}

	s, err := h.Registry.Resolve(req.SessionID)
	if err != nil {
		return sessionNotFound(c)
	}
	if err := h.Registry.SetSystemPrompt(s.ID, req.Context); err != nil {
		return sessionNotFound(c)
	}
	h.Registry.CancelActive(s.ID)

	h.Logger.Info("System prompt updated via admin API", zap.String("sessionID", s.ID))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": s.ID,
	})
}

func (h *handlers) sortedSessions() []*entities.Session {
	sessions := h.Registry.List()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

func summarize(s *entities.Session) SessionSummary {
	return SessionSummary{
		SessionID:      s.ID,
		ShortID:        s.ShortID(),
		UserID:         s.UserID,
		Status:         s.Status,
		IsPlaying:      s.IsPlaying,
		CreatedAt:      s.CreatedAt,
		LastActiveAt:   s.LastActiveAt,
		Messages:       len(s.Messages),
		LastTranscript: truncate(s.LastMessage(entities.MessageRoleUser), summaryMaxChars),
		LastResponse:   truncate(s.LastMessage(entities.MessageRoleAssistant), summaryMaxChars),
		Metrics:        s.Metrics,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func sessionNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "session_not_found",
		Message: "No session matches the given id",
	})
}
