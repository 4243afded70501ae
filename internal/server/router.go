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
	"go.uber.org/zap"

	"github.com/scribepad-labs/scribepad/internal/ai"
	"github.com/scribepad-labs/scribepad/internal/notes"
	"github.com/scribepad-labs/scribepad/internal/users"
)

const userIDContextKey = "scribepad_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingNotesService  = errors.New("notes service dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer credentials carried by every
// authenticated request.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the services behind it. Realtime is
// optional; without it the /ws route is not registered.
type Dependencies struct {
	TokenManager TokenManager
	NotesService *notes.Service
	UsersService *users.Service
	Suggester    *ai.Suggester
	Realtime     gin.HandlerFunc
	Logger       *zap.Logger
}

// NewHTTPHandler builds the complete REST router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		notesService: deps.NotesService,
		usersService: deps.UsersService,
		suggester:    deps.Suggester,
		logger:       logger,
	}

	router.POST("/auth/token", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/:noteId", handler.handleGetNote)
	protected.PUT("/notes/:noteId", handler.handleUpdateNote)
	protected.DELETE("/notes/:noteId", handler.handleDeleteNote)
	protected.POST("/notes/:noteId/share", handler.handleShareNote)
	protected.DELETE("/notes/:noteId/share/:userId", handler.handleUnshareNote)
	protected.GET("/notes/:noteId/versions", handler.handleListRevisions)
	protected.GET("/notes/:noteId/versions/:version", handler.handleGetRevision)
	if deps.Suggester != nil {
		protected.POST("/ai/suggest", handler.handleSuggest)
	}
	if deps.Realtime != nil {
		protected.GET("/ws", deps.Realtime)
	}

	return router, nil
}

type httpHandler struct {
	tokens       TokenManager
	notesService *notes.Service
	usersService *users.Service
	suggester    *ai.Suggester
	logger       *zap.Logger
}

type loginRequestPayload struct {
	Provider    string `json:"provider"`
	Subject     string `json:"subject"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID, err := h.usersService.ResolveCanonicalUserID(c.Request.Context(), users.Login{
		Provider:    request.Provider,
		Subject:     request.Subject,
		Email:       request.Email,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
			return
		}
		h.logger.Error("failed to resolve identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

type notePayload struct {
	NoteID           string `json:"note_id"`
	OwnerID          string `json:"owner_id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	Archived         bool   `json:"archived"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func notePayloadFrom(note notes.Note) notePayload {
	return notePayload{
		NoteID:           note.ID,
		OwnerID:          note.OwnerID,
		Title:            note.Title,
		Content:          note.Content,
		Archived:         note.Archived,
		CreatedAtSeconds: note.CreatedAtSeconds,
		UpdatedAtSeconds: note.UpdatedAtSeconds,
	}
}

type noteListResponsePayload struct {
	Own    []notePayload `json:"own"`
	Shared []notePayload `json:"shared"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}

	list, err := h.notesService.List(c.Request.Context(), requester)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	response := noteListResponsePayload{
		Own:    make([]notePayload, 0, len(list.Own)),
		Shared: make([]notePayload, 0, len(list.Shared)),
	}
	for _, note := range list.Own {
		response.Own = append(response.Own, notePayloadFrom(note))
	}
	for _, note := range list.Shared {
		response.Shared = append(response.Shared, notePayloadFrom(note))
	}
	c.JSON(http.StatusOK, response)
}

type createNoteRequestPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}

	var request createNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	note, err := h.notesService.Create(c.Request.Context(), requester, request.Title, request.Content)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, notePayloadFrom(note))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}

	note, err := h.notesService.Get(c.Request.Context(), requester, noteID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, notePayloadFrom(note))
}

type updateNoteRequestPayload struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}

	var request updateNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	note, err := h.notesService.Update(c.Request.Context(), requester, noteID, notes.UpdateFields{
		Title:   request.Title,
		Content: request.Content,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, notePayloadFrom(note))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}

	if err := h.notesService.Delete(c.Request.Context(), requester, noteID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type shareRequestPayload struct {
	Email string `json:"email"`
	Level string `json:"level"`
}

type shareResponsePayload struct {
	NoteID string `json:"note_id"`
	UserID string `json:"user_id"`
	Level  string `json:"level"`
}

func (h *httpHandler) handleShareNote(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}

	var request shareRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	level, err := notes.NewPermissionLevel(request.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_level"})
		return
	}

	grant, err := h.notesService.Share(c.Request.Context(), requester, noteID, request.Email, level)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, shareResponsePayload{
		NoteID: grant.NoteID,
		UserID: grant.UserID,
		Level:  grant.Level.String(),
	})
}

func (h *httpHandler) handleUnshareNote(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}
	collaboratorID, err := notes.NewUserID(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	if err := h.notesService.Unshare(c.Request.Context(), requester, noteID, collaboratorID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type revisionPayload struct {
	NoteID           string `json:"note_id"`
	Version          int64  `json:"version"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	EditorID         string `json:"editor_id"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func revisionPayloadFrom(revision notes.NoteRevision) revisionPayload {
	return revisionPayload{
		NoteID:           revision.NoteID,
		Version:          revision.Version,
		Title:            revision.Title,
		Content:          revision.Content,
		EditorID:         revision.EditorID,
		CreatedAtSeconds: revision.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}

	revisions, err := h.notesService.ListRevisions(c.Request.Context(), requester, noteID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	response := make([]revisionPayload, 0, len(revisions))
	for _, revision := range revisions {
		response = append(response, revisionPayloadFrom(revision))
	}
	c.JSON(http.StatusOK, gin.H{"versions": response})
}

func (h *httpHandler) handleGetRevision(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || version < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}

	revision, err := h.notesService.GetRevision(c.Request.Context(), requester, noteID, version)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, revisionPayloadFrom(revision))
}

type suggestRequestPayload struct {
	Mode string `json:"mode"`
	Text string `json:"text"`
}

func (h *httpHandler) handleSuggest(c *gin.Context) {
	var request suggestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mode, err := ai.NewMode(request.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}

	result, err := h.suggester.Run(c.Request.Context(), mode, request.Text)
	if err != nil {
		if errors.Is(err, ai.ErrEmptyText) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty_text"})
			return
		}
		h.logger.Error("suggestion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "suggestion_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": result})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := ""
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
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

func (h *httpHandler) requester(c *gin.Context) (notes.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := notes.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) noteID(c *gin.Context) (notes.NoteID, bool) {
	noteID, err := notes.NewNoteID(c.Param("noteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", false
	}
	return noteID, true
}

// respondServiceError maps notes service failures onto HTTP statuses using
// their sentinel causes; unexpected failures become opaque 500s carrying the
// stable error code.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound), errors.Is(err, notes.ErrRevisionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, notes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, notes.ErrUnknownCollaborator):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collaborator"})
	case errors.Is(err, notes.ErrInvalidTitle), errors.Is(err, notes.ErrEmptyUpdate), errors.Is(err, notes.ErrInvalidPermission):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		code := "internal_error"
		var serviceErr *notes.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}
