package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/quandr3/backend/internal/auth"
	"github.com/quandr3/backend/internal/feed"
	"github.com/quandr3/backend/internal/quandr3s"
	"github.com/quandr3/backend/internal/reports"
	"github.com/quandr3/backend/internal/votes"
	"go.uber.org/zap"
)

const userIDContextKey = "quandr3_user_id"

var (
	errMissingMagicLink      = errors.New("magic link dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingUserResolver   = errors.New("user resolver dependency required")
	errMissingQuandr3Service = errors.New("quandr3 service dependency required")
	errMissingVoteService    = errors.New("vote service dependency required")
	errMissingFeedComposer   = errors.New("feed composer dependency required")
	errMissingReportService  = errors.New("report service dependency required")
	errInvalidAuthorization  = errors.New("authorization missing or invalid")
)

// MagicLinkProvider issues and verifies magic-link tokens.
type MagicLinkProvider interface {
	RequestLink(email string) (string, error)
	VerifyLink(token string) (string, error)
}

// SessionTokenManager issues and validates backend session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID, email string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// UserResolver maps a verified email to the canonical user id.
type UserResolver interface {
	ResolveByEmail(email string) (string, error)
}

// Dependencies wires the HTTP surface to the service layer.
type Dependencies struct {
	MagicLink      MagicLinkProvider
	TokenManager   SessionTokenManager
	Users          UserResolver
	Quandr3Service *quandr3s.Service
	VoteService    *votes.Service
	FeedComposer   *feed.Composer
	ReportService  *reports.Service
	Logger         *zap.Logger
	CookieName     string
	Clock          func() time.Time
}

// NewHTTPHandler builds the gin router for the Quandr3 API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.MagicLink == nil {
		return nil, errMissingMagicLink
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Quandr3Service == nil {
		return nil, errMissingQuandr3Service
	}
	if deps.VoteService == nil {
		return nil, errMissingVoteService
	}
	if deps.FeedComposer == nil {
		return nil, errMissingFeedComposer
	}
	if deps.ReportService == nil {
		return nil, errMissingReportService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	cookieName := deps.CookieName
	if cookieName == "" {
		cookieName = "quandr3_session"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	handler := &httpHandler{
		magicLink:  deps.MagicLink,
		tokens:     deps.TokenManager,
		users:      deps.Users,
		quandr3s:   deps.Quandr3Service,
		votes:      deps.VoteService,
		feed:       deps.FeedComposer,
		reports:    deps.ReportService,
		logger:     logger,
		cookieName: cookieName,
		clock:      clock,
	}

	submitLimiter := newClientLimiter(1, 5)

	router.POST("/auth/magic-link", handler.handleMagicLinkRequest)
	router.POST("/auth/session", handler.handleSessionExchange)
	router.POST("/logout", handler.handleLogout)

	router.GET("/feed", handler.handleFeed)
	router.GET("/quandr3s/:id", handler.maybeAuthorize, handler.handleGetQuandr3)
	router.GET("/quandr3s/:id/results", handler.maybeAuthorize, handler.handleResults)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/quandr3s", handler.handleCreateQuandr3)
	protected.POST("/quandr3s/:id/votes", submitLimiter.middleware(), handler.handleCastVote)
	protected.POST("/quandr3s/:id/resolve", handler.handleResolveQuandr3)
	protected.POST("/quandr3s/:id/reports", submitLimiter.middleware(), handler.handleFileReport)

	return router, nil
}

type httpHandler struct {
	magicLink  MagicLinkProvider
	tokens     SessionTokenManager
	users      UserResolver
	quandr3s   *quandr3s.Service
	votes      *votes.Service
	feed       *feed.Composer
	reports    *reports.Service
	logger     *zap.Logger
	cookieName string
	clock      func() time.Time
}

type magicLinkRequestPayload struct {
	Email string `json:"email" binding:"required"`
}

func (h *httpHandler) handleMagicLinkRequest(c *gin.Context) {
	var request magicLinkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, err := h.magicLink.RequestLink(request.Email); err != nil {
		if errors.Is(err, auth.ErrInvalidEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
			return
		}
		// Delivery failures respond 202 anyway so the endpoint cannot be
		// used to probe which addresses exist.
		h.logger.Error("magic link issue failed", zap.Error(err))
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "link_sent"})
}

type sessionRequestPayload struct {
	LinkToken string `json:"link_token" binding:"required"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSessionExchange(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.LinkToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	email, err := h.magicLink.VerifyLink(request.LinkToken)
	if err != nil {
		h.logger.Warn("magic link verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.users.ResolveByEmail(email)
	if err != nil {
		h.logger.Error("user resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID, email)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetCookie(h.cookieName, token, int(expiresIn), "/", "", false, true)
	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	c.SetCookie(h.cookieName, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

type createQuandr3Payload struct {
	Title      string   `json:"title" binding:"required"`
	Context    string   `json:"context"`
	Category   string   `json:"category" binding:"required"`
	Visibility string   `json:"visibility"`
	Options    []string `json:"options" binding:"required"`
	ClosesAtS  *int64   `json:"closes_at_s"`
	MediaURL   string   `json:"media_url"`
}

func (h *httpHandler) handleCreateQuandr3(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	if callerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createQuandr3Payload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	category, err := quandr3s.ParseCategory(request.Category)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category"})
		return
	}
	visibility := quandr3s.VisibilityPublic
	if strings.TrimSpace(request.Visibility) != "" {
		visibility, err = quandr3s.ParseVisibility(request.Visibility)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visibility"})
			return
		}
	}
	authorID, err := quandr3s.NewUserID(callerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	createRequest := quandr3s.CreateRequest{
		AuthorID:    authorID,
		Title:       request.Title,
		Context:     request.Context,
		Category:    category,
		Visibility:  visibility,
		OptionTexts: request.Options,
		MediaURL:    request.MediaURL,
	}
	if request.ClosesAtS != nil {
		closesAt := time.Unix(*request.ClosesAtS, 0).UTC()
		createRequest.ClosesAt = &closesAt
	}

	id, err := h.quandr3s.Create(c.Request.Context(), createRequest)
	if err != nil {
		if errors.Is(err, quandr3s.ErrInvalidTitle) || errors.Is(err, quandr3s.ErrInvalidOptions) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quandr3"})
			return
		}
		h.respondServiceError(c, "failed to create quandr3", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id.String()})
}

func (h *httpHandler) handleGetQuandr3(c *gin.Context) {
	id, ok := h.pathQuandr3ID(c)
	if !ok {
		return
	}

	record, err := h.quandr3s.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, quandr3s.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.respondServiceError(c, "failed to load quandr3", err)
		return
	}

	c.JSON(http.StatusOK, quandr3Payload(record))
}

type castVotePayload struct {
	OptionLabel string `json:"option_label" binding:"required"`
	Reasoning   string `json:"reasoning"`
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	if callerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, ok := h.pathQuandr3ID(c)
	if !ok {
		return
	}

	var request castVotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	voterID, err := quandr3s.NewUserID(callerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	results, err := h.votes.CastVote(c.Request.Context(), votes.CastRequest{
		Quandr3ID:   id,
		VoterID:     voterID,
		OptionLabel: request.OptionLabel,
		Reasoning:   request.Reasoning,
	})
	if err != nil {
		switch {
		case errors.Is(err, votes.ErrQuandr3NotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case errors.Is(err, votes.ErrUnknownOptionLabel):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_option_label"})
		case errors.Is(err, votes.ErrVotingClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "voting_closed"})
		case errors.Is(err, votes.ErrAlreadyVoted):
			c.JSON(http.StatusConflict, gin.H{"error": "already_voted"})
		default:
			h.respondServiceError(c, "failed to cast vote", err)
		}
		return
	}

	c.JSON(http.StatusOK, results)
}

func (h *httpHandler) handleResults(c *gin.Context) {
	id, ok := h.pathQuandr3ID(c)
	if !ok {
		return
	}

	viewerID := c.GetString(userIDContextKey)
	results, err := h.votes.Results(c.Request.Context(), id, viewerID)
	if err != nil {
		if errors.Is(err, votes.ErrQuandr3NotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.respondServiceError(c, "failed to load results", err)
		return
	}

	c.JSON(http.StatusOK, results)
}

type resolvePayload struct {
	OptionLabel string `json:"option_label" binding:"required"`
	Note        string `json:"note"`
}

func (h *httpHandler) handleResolveQuandr3(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	if callerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, ok := h.pathQuandr3ID(c)
	if !ok {
		return
	}

	var request resolvePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	caller, err := quandr3s.NewUserID(callerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	resolved, err := h.quandr3s.Resolve(c.Request.Context(), quandr3s.ResolveRequest{
		ID:          id,
		CallerID:    caller,
		OptionLabel: strings.ToUpper(strings.TrimSpace(request.OptionLabel)),
		Note:        request.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, quandr3s.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case errors.Is(err, quandr3s.ErrNotAuthor):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_author"})
		case errors.Is(err, quandr3s.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
		case errors.Is(err, quandr3s.ErrInvalidOptionLabel):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_option_label"})
		default:
			h.respondServiceError(c, "failed to resolve quandr3", err)
		}
		return
	}

	c.JSON(http.StatusOK, quandr3Payload(resolved))
}

type fileReportPayload struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *httpHandler) handleFileReport(c *gin.Context) {
	callerID := c.GetString(userIDContextKey)
	if callerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, ok := h.pathQuandr3ID(c)
	if !ok {
		return
	}

	var request fileReportPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	reporter, err := quandr3s.NewUserID(callerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	report, err := h.reports.File(c.Request.Context(), id, reporter, request.Reason)
	if err != nil {
		if errors.Is(err, reports.ErrEmptyReason) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reason"})
			return
		}
		h.respondServiceError(c, "failed to file report", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": report.ID})
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	filters := feed.Filters{}
	if raw := c.Query("category"); raw != "" {
		category, err := quandr3s.ParseCategory(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category"})
			return
		}
		filters.Category = &category
	}
	if raw := c.Query("status"); raw != "" {
		status, err := quandr3s.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		filters.Status = &status
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	items, err := h.feed.Compose(c.Request.Context(), filters, h.clock(), limit)
	if err != nil {
		h.respondServiceError(c, "failed to compose feed", err)
		return
	}

	payload := make([]gin.H, 0, len(items))
	for _, item := range items {
		payload = append(payload, gin.H{
			"quandr3":   quandr3Payload(item.Quandr3),
			"sponsored": item.Sponsored,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": payload})
}

// quandr3Payload shapes the API representation of a quandr3. Vote counts are
// deliberately absent here; they come from the results endpoint, which owns
// the visibility rule.
func quandr3Payload(record quandr3s.Quandr3) gin.H {
	options := make([]gin.H, 0, len(record.Options))
	for _, option := range record.Options {
		options = append(options, gin.H{
			"label": option.Label,
			"text":  option.Text,
		})
	}
	payload := gin.H{
		"id":           record.ID,
		"author_id":    record.AuthorID,
		"title":        record.Title,
		"context":      record.Context,
		"category":     record.Category,
		"status":       record.Status,
		"visibility":   record.Visibility,
		"options":      options,
		"created_at_s": record.CreatedAtSeconds,
	}
	if record.MediaURL != "" {
		payload["media_url"] = record.MediaURL
	}
	if record.ClosesAtSeconds != nil {
		payload["closes_at_s"] = *record.ClosesAtSeconds
	}
	if record.Status == quandr3s.StatusResolved {
		payload["resolved_at_s"] = record.ResolvedAtSeconds
		payload["resolved_option_label"] = record.ResolvedOptionLabel
		payload["resolution_note"] = record.ResolutionNote
	}
	return payload
}

func (h *httpHandler) pathQuandr3ID(c *gin.Context) (quandr3s.Quandr3ID, bool) {
	id, err := quandr3s.NewQuandr3ID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quandr3_id"})
		return "", false
	}
	return id, true
}

// respondServiceError surfaces storage-layer failures generically while the
// detail goes to the log.
func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))

	var serviceErr interface{ Code() string }
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// maybeAuthorize resolves a viewer identity when one is presented but lets
// anonymous requests through.
func (h *httpHandler) maybeAuthorize(c *gin.Context) {
	token, ok := h.extractToken(c)
	if ok {
		if subject, err := h.tokens.ValidateToken(token); err == nil {
			c.Set(userIDContextKey, subject)
		}
	}
	c.Next()
}

func (h *httpHandler) extractToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	if cookie, err := c.Cookie(h.cookieName); err == nil && strings.TrimSpace(cookie) != "" {
		return strings.TrimSpace(cookie), true
	}
	return "", false
}

func parsePositiveInt(raw string) (int, error) {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return value, nil
}
