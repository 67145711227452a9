package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"callscribe/internal/auth"
	"callscribe/internal/models"
	"callscribe/internal/pipeline"
	"callscribe/internal/service/library"
)

// Pipeline is the processing surface the handlers drive.
type Pipeline interface {
	Upload(ctx context.Context, ownerID int64, fileName string, data []byte, settings models.ProcessingSettings, onStatus pipeline.StatusFn) (*models.AudioFile, error)
	Reprocess(ctx context.Context, ownerID, fileID int64, settings models.ProcessingSettings, onStatus pipeline.StatusFn) error
	Get(ctx context.Context, ownerID, fileID int64) (*models.AudioFile, error)
	List(ctx context.Context, ownerID int64) ([]models.AudioFile, error)
	Status(ctx context.Context, ownerID, fileID int64) (models.Status, error)
	Delete(ctx context.Context, ownerID, fileID int64) error
	DeleteAll(ctx context.Context, ownerID int64) error
	SubscribeStatus(ctx context.Context) (<-chan pipeline.StatusEvent, func())
}

// Handler wires HTTP routes to the audio library and the processing pipeline.
type Handler struct {
	library   *library.Service
	auth      *auth.Service
	pipeline  Pipeline
	maxUpload int64
}

// NewHandler constructs a Handler instance.
func NewHandler(service *library.Service, authService *auth.Service, pipe Pipeline, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &Handler{
		library:   service,
		auth:      authService,
		pipeline:  pipe,
		maxUpload: maxUpload,
	}
}

const defaultMaxUploadBytes = 100 << 20 // 100 MB

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/files", h.uploadFile)
	userRoutes.GET("/files", h.listFiles)
	userRoutes.GET("/files/events", h.statusFeed)
	userRoutes.GET("/files/:file_id", h.getFile)
	userRoutes.GET("/files/:file_id/status", h.getFileStatus)
	userRoutes.POST("/files/:file_id/reprocess", h.reprocessFile)
	userRoutes.DELETE("/files/:file_id", h.deleteFile)
	userRoutes.DELETE("/files", h.deleteAllFiles)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.library.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.library.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

// Upload interface. Settings arrive as an optional "settings" form
// field holding JSON; absent fields fall back to the defaults.
func (h *Handler) uploadFile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := c.Request.ParseMultipartForm(h.maxUpload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	if !pipeline.AllowedExtension(fileHeader.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported audio format"})
		return
	}

	settings, err := parseSettings(c.PostForm("settings"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}

	record, err := h.pipeline.Upload(c.Request.Context(), userID, fileHeader.Filename, data, settings, nil)
	if err != nil {
		if errors.Is(err, pipeline.ErrDuplicateFile) {
			c.JSON(http.StatusOK, gin.H{"duplicate": true, "file": record})
			return
		}
		h.writePipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"file": record})
}

func (h *Handler) listFiles(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	files, err := h.pipeline.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if files == nil {
		files = make([]models.AudioFile, 0)
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (h *Handler) getFile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	fileID, ok := h.pathFileID(c)
	if !ok {
		return
	}
	file, err := h.pipeline.Get(c.Request.Context(), userID, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": file})
}

func (h *Handler) getFileStatus(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	fileID, ok := h.pathFileID(c)
	if !ok {
		return
	}
	status, err := h.pipeline.Status(c.Request.Context(), userID, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"file_id": fileID, "status": status})
}

// Reprocess interface. The request body is the settings object itself.
func (h *Handler) reprocessFile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	fileID, ok := h.pathFileID(c)
	if !ok {
		return
	}
	settings := models.DefaultSettings()
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if err := h.pipeline.Reprocess(c.Request.Context(), userID, fileID, settings, nil); err != nil {
		h.writePipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"file_id": fileID, "status": models.StatusProcessing})
}

func (h *Handler) deleteFile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	fileID, ok := h.pathFileID(c)
	if !ok {
		return
	}
	if err := h.pipeline.Delete(c.Request.Context(), userID, fileID); err != nil {
		h.writePipelineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAllFiles(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.pipeline.DeleteAll(c.Request.Context(), userID); err != nil {
		h.writePipelineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// statusFeed streams pipeline transitions for the user's files as
// server-sent events until the client disconnects. An optional file_id
// query narrows the feed to one file and ends it once that file reaches
// a terminal status.
func (h *Handler) statusFeed(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var watchID int64
	if raw := c.Query("file_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file id"})
			return
		}
		watchID = id
	}

	events, cancel := h.pipeline.SubscribeStatus(c.Request.Context())
	if events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status feed unavailable"})
		return
	}
	defer cancel()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.OwnerID != userID {
				continue
			}
			if watchID != 0 && ev.FileID != watchID {
				continue
			}
			if err := sendEvent("status", ev); err != nil {
				return
			}
			if watchID != 0 && ev.Status.Terminal() {
				_ = sendEvent("done", gin.H{"file_id": ev.FileID, "status": ev.Status})
				return
			}
		}
	}
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.pipeline.DeleteAll(c.Request.Context(), id); err != nil {
		h.writePipelineError(c, err)
		return
	}
	if err := h.library.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) pathFileID(c *gin.Context) (int64, bool) {
	fileID, err := strconv.ParseInt(c.Param("file_id"), 10, 64)
	if err != nil || fileID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file id"})
		return 0, false
	}
	return fileID, true
}

func (h *Handler) writePipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	case errors.Is(err, pipeline.ErrRunInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "processing already in progress"})
	case errors.Is(err, pipeline.ErrDeleteInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "delete already in progress"})
	case errors.Is(err, pipeline.ErrNothingToProcess):
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to process with these settings"})
	case errors.Is(err, pipeline.ErrNoFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseSettings(raw string) (models.ProcessingSettings, error) {
	settings := models.DefaultSettings()
	if raw == "" {
		return settings, nil
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
