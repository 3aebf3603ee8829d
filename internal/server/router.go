package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/auth"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/feedsync/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const viewerIDContextKey = "feedsync_viewer_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSessions       = errors.New("session registry dependency required")
)

// TokenValidator authenticates a request and returns the viewer claims.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.ViewerClaims, error)
}

// Sessions resolves the live session of a viewer.
type Sessions interface {
	Get(viewer feed.ViewerID) (*session.Session, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens   TokenValidator
	Sessions Sessions
	// Heartbeat paces keep-alive events on the stream; defaults to 20s.
	Heartbeat      time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		heartbeat: heartbeat,
		logger:    logger.Named("http"),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/feed", handler.handleMount)
	protected.GET("/feed/more", handler.handleLoadMore)
	protected.POST("/feed/refresh", handler.handleRefresh)
	protected.GET("/feed/stream", handler.handleStream)
	protected.POST("/items/:kind/:id/like", handler.handleLike)
	protected.POST("/items/:kind/:id/save", handler.handleSave)
	protected.DELETE("/items/:kind/:id", handler.handleDelete)
	protected.POST("/authors/:id/follow", handler.handleFollow)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	sessions  Sessions
	heartbeat time.Duration
	logger    *zap.Logger
}

type feedResponsePayload struct {
	Items          []feed.FeedItem `json:"items"`
	Cursor         string          `json:"cursor,omitempty"`
	HasMore        bool            `json:"hasMore"`
	Status         feed.PageStatus `json:"status,omitempty"`
	FailedKinds    []feed.Kind     `json:"failedKinds,omitempty"`
	Resumed        bool            `json:"resumed,omitempty"`
	FromCache      bool            `json:"fromCache,omitempty"`
	Stale          bool            `json:"stale,omitempty"`
	RefreshPending bool            `json:"refreshPending,omitempty"`
	AgeSeconds     int64           `json:"ageSeconds,omitempty"`
}

type likeResponsePayload struct {
	Kind  feed.Kind `json:"kind"`
	ID    string    `json:"id"`
	Count int64     `json:"likeCount"`
	Liked bool      `json:"viewerHasLiked"`
}

type saveResponsePayload struct {
	Kind  feed.Kind `json:"kind"`
	ID    string    `json:"id"`
	Saved bool      `json:"viewerHasSaved"`
}

type followResponsePayload struct {
	AuthorID string            `json:"authorId"`
	Status   feed.FollowStatus `json:"status"`
}

func (h *httpHandler) handleMount(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	result, err := s.Mount(c.Request.Context())
	if err != nil {
		h.writeError(c, "mount", err)
		return
	}
	payload := h.snapshotPayload(s)
	payload.Status = result.Status
	payload.FailedKinds = result.FailedKinds
	payload.Resumed = result.Resumed
	payload.FromCache = result.FromCache
	payload.Stale = result.Stale
	payload.RefreshPending = result.RefreshPending
	payload.AgeSeconds = int64(result.Age / time.Second)
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleLoadMore(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	result, err := s.LoadMore(c.Request.Context())
	if err != nil {
		h.writeError(c, "load_more", err)
		return
	}
	payload := pagePayload(s, result)
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	result, err := s.Refresh(c.Request.Context())
	if err != nil {
		h.writeError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, pagePayload(s, result))
}

func (h *httpHandler) handleLike(c *gin.Context) {
	key, ok := itemKeyParam(c)
	if !ok {
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	state, err := s.ToggleLike(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, "like", err)
		return
	}
	c.JSON(http.StatusOK, likeResponsePayload{Kind: key.Kind, ID: key.ID, Count: state.Count, Liked: state.Liked})
}

func (h *httpHandler) handleSave(c *gin.Context) {
	key, ok := itemKeyParam(c)
	if !ok {
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	saved, err := s.ToggleSave(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, "save", err)
		return
	}
	c.JSON(http.StatusOK, saveResponsePayload{Kind: key.Kind, ID: key.ID, Saved: saved})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	key, ok := itemKeyParam(c)
	if !ok {
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.DeleteItem(c.Request.Context(), key); err != nil {
		h.writeError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	authorID := strings.TrimSpace(c.Param("id"))
	if authorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_author_id"})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	status, err := s.ToggleFollow(c.Request.Context(), authorID)
	if err != nil {
		h.writeError(c, "follow", err)
		return
	}
	c.JSON(http.StatusOK, followResponsePayload{AuthorID: authorID, Status: status})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	viewer, err := feed.NewViewerID(claims.Subject)
	if err != nil {
		h.logger.Warn("token subject rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(viewerIDContextKey, viewer.String())
	c.Next()
}

func (h *httpHandler) session(c *gin.Context) (*session.Session, bool) {
	viewer := feed.ViewerID(c.GetString(viewerIDContextKey))
	if viewer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	s, err := h.sessions.Get(viewer)
	if err != nil {
		h.logger.Error("session unavailable", zap.String("viewer_id", viewer.String()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session_unavailable"})
		return nil, false
	}
	return s, true
}

func (h *httpHandler) snapshotPayload(s *session.Session) feedResponsePayload {
	position := s.Position()
	payload := feedResponsePayload{Items: s.Items(), HasMore: position.HasMore}
	if !position.Cursor.IsZero() {
		payload.Cursor = position.Cursor.Encode()
	}
	return payload
}

func pagePayload(s *session.Session, result session.PageResult) feedResponsePayload {
	position := s.Position()
	payload := feedResponsePayload{
		Items:       result.Items,
		HasMore:     result.HasMore,
		Status:      result.Status,
		FailedKinds: result.FailedKinds,
	}
	if payload.Items == nil {
		payload.Items = []feed.FeedItem{}
	}
	if !position.Cursor.IsZero() {
		payload.Cursor = position.Cursor.Encode()
	}
	return payload
}

func itemKeyParam(c *gin.Context) (feed.ItemKey, bool) {
	key, err := feed.NewItemKey(c.Param("kind"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item"})
		return feed.ItemKey{}, false
	}
	return key, true
}

// writeError maps a session failure onto a status code. Rolled-back writes
// surface as retryable errors.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status := http.StatusBadGateway
	code := "upstream_failed"
	switch {
	case errors.Is(err, optimistic.ErrTargetMissing), errors.Is(err, feed.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, feed.ErrForbidden), errors.Is(err, session.ErrSelfFollow):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrSuperseded):
		status, code = http.StatusConflict, "superseded"
	case errors.Is(err, session.ErrClosed):
		status, code = http.StatusServiceUnavailable, "session_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "canceled"
	}
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("viewer_id", c.GetString(viewerIDContextKey)),
		zap.String("code", feed.ErrorCode(err)),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	c.JSON(status, gin.H{"error": code, "code": feed.ErrorCode(err)})
}
