package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"famshare/internal/objectstore"
	"famshare/internal/store"
	"famshare/internal/upload"
)

const (
	msgInvalidRequest    = "invalid request"
	msgInvalidOperation  = "invalid operation"
	msgValidationFailed  = "file validation failed"
	msgMissingFileInfo   = "missing file_info"
	msgMissingFileID     = "missing file_id"
	msgFileNotFound      = "file not found or access denied"
	msgUploadURLFailed   = "failed to generate upload URL"
	msgDownloadURLFailed = "failed to generate download URL"
	msgInternal          = "internal server error"

	defaultUploadURLTTL = time.Hour
)

// Files is the metadata store the handlers need.
type Files interface {
	CreateFile(ctx context.Context, f *store.File) error
	CompleteUpload(ctx context.Context, userID, id string) error
	SetFileHash(ctx context.Context, objectKey, hash string) error
	GetFile(ctx context.Context, userID, id string) (*store.File, error)
	ListFiles(ctx context.Context, userID string, opts store.ListOptions) ([]store.File, error)
	DeleteFile(ctx context.Context, userID, id string) error
	Ping(ctx context.Context) error
}

// Options tunes the handlers. Zero values take defaults.
type Options struct {
	Validator    *upload.Validator
	UploadURLTTL time.Duration
	// ArchiveFetchTimeout bounds each presigned GET made while zipping.
	ArchiveFetchTimeout time.Duration
}

// API holds the handlers and their dependencies.
type API struct {
	files          Files
	backend        objectstore.Backend
	local          *objectstore.Local
	tokens         TokenValidator
	validator      *upload.Validator
	ttl            time.Duration
	archiveTimeout time.Duration
}

// NewAPI creates the handlers. A *objectstore.Local backend also gets the
// object routes.
func NewAPI(files Files, backend objectstore.Backend, tokens TokenValidator, opts Options) *API {
	if opts.Validator == nil {
		opts.Validator = upload.DefaultValidator()
	}
	if opts.UploadURLTTL <= 0 {
		opts.UploadURLTTL = defaultUploadURLTTL
	}
	a := &API{
		files:          files,
		backend:        backend,
		tokens:         tokens,
		validator:      opts.Validator,
		ttl:            opts.UploadURLTTL,
		archiveTimeout: opts.ArchiveFetchTimeout,
	}
	if local, ok := backend.(*objectstore.Local); ok {
		a.local = local
	}
	return a
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/health", a.Health)

	api := router.Group("/api", RequireBearer(a.tokens))
	{
		api.POST("/upload", a.Upload)
		api.GET("/files", a.ListFiles)
		api.GET("/files/archive", a.DownloadArchive)
		api.DELETE("/files/:id", a.DeleteFile)
	}

	if a.local != nil {
		router.PUT(objectstore.ObjectRoute+"/*key", a.PutObject)
		router.GET(objectstore.ObjectRoute+"/*key", a.GetObject)
	}
}

// Upload dispatches the control operations of the upload protocol.
func (a *API) Upload(c *gin.Context) {
	var req upload.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Str("user_id", userID(c)).Err(err).Msg("invalid upload request")
		abortWithError(c, http.StatusBadRequest, msgInvalidRequest)
		return
	}
	switch req.Operation {
	case "", upload.OpGetUploadURL:
		a.getUploadURL(c, req)
	case upload.OpCompleteUpload:
		a.completeUpload(c, req)
	case upload.OpGetDownloadURL:
		a.getDownloadURL(c, req)
	default:
		log.Warn().Str("user_id", userID(c)).Str("operation", req.Operation).Msg("unknown upload operation")
		abortWithError(c, http.StatusBadRequest, msgInvalidOperation)
	}
}

func (a *API) getUploadURL(c *gin.Context, req upload.ControlRequest) {
	user := userID(c)
	if req.FileInfo == nil {
		abortWithError(c, http.StatusBadRequest, msgMissingFileInfo)
		return
	}
	info := *req.FileInfo
	info.Type = upload.NormalizeType(info.Type)
	if err := a.validator.Validate(info); err != nil {
		log.Warn().Str("user_id", user).Str("file", info.Name).Str("reason", err.Error()).Msg("upload rejected by validator")
		c.JSON(http.StatusBadRequest, upload.ErrorResponse{Error: msgValidationFailed, Details: []string{err.Error()}})
		return
	}

	var meta upload.Metadata
	if req.Metadata != nil {
		meta = *req.Metadata
	}
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = info.Name
	}

	fileID := uuid.NewString()
	key := objectstore.ObjectKey(user, fileID, info.Name)
	uploadURL, err := a.backend.PresignPut(c.Request.Context(), key, info.Type, a.ttl)
	if err != nil {
		log.Error().Str("user_id", user).Str("file_id", fileID).Err(err).Msg("presign put failed")
		abortWithError(c, http.StatusInternalServerError, msgUploadURLFailed)
		return
	}

	record := &store.File{
		ID:          fileID,
		UserID:      user,
		Filename:    info.Name,
		Category:    upload.Category(info.Type),
		ContentType: info.Type,
		Size:        info.Size,
		ObjectKey:   key,
		Title:       title,
		Description: strings.TrimSpace(meta.Description),
		Tags:        meta.Tags,
		Status:      store.StatusUploading,
	}
	if err := a.files.CreateFile(c.Request.Context(), record); err != nil {
		log.Error().Str("user_id", user).Str("file_id", fileID).Err(err).Msg("create file record failed")
		abortWithError(c, http.StatusInternalServerError, msgUploadURLFailed)
		return
	}

	log.Info().Str("user_id", user).Str("file_id", fileID).Str("file", info.Name).Int64("size", info.Size).Msg("upload url issued")
	c.JSON(http.StatusOK, upload.UploadTarget{
		UploadURL: uploadURL,
		FileID:    fileID,
		ExpiresIn: int(a.ttl / time.Second),
	})
}

func (a *API) completeUpload(c *gin.Context, req upload.ControlRequest) {
	user := userID(c)
	if strings.TrimSpace(req.FileID) == "" {
		abortWithError(c, http.StatusBadRequest, msgMissingFileID)
		return
	}
	if err := a.files.CompleteUpload(c.Request.Context(), user, req.FileID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("user_id", user).Str("file_id", req.FileID).Msg("complete upload for unknown file")
			abortWithError(c, http.StatusNotFound, msgFileNotFound)
			return
		}
		log.Error().Str("user_id", user).Str("file_id", req.FileID).Err(err).Msg("complete upload failed")
		abortWithError(c, http.StatusInternalServerError, msgInternal)
		return
	}
	log.Info().Str("user_id", user).Str("file_id", req.FileID).Msg("upload completed")
	c.JSON(http.StatusOK, gin.H{"message": "upload completed", "file_id": req.FileID})
}

func (a *API) getDownloadURL(c *gin.Context, req upload.ControlRequest) {
	user := userID(c)
	if strings.TrimSpace(req.FileID) == "" {
		abortWithError(c, http.StatusBadRequest, msgMissingFileID)
		return
	}
	f, err := a.files.GetFile(c.Request.Context(), user, req.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortWithError(c, http.StatusNotFound, msgFileNotFound)
			return
		}
		log.Error().Str("user_id", user).Str("file_id", req.FileID).Err(err).Msg("load file failed")
		abortWithError(c, http.StatusInternalServerError, msgInternal)
		return
	}
	downloadURL, err := a.backend.PresignGet(c.Request.Context(), f.ObjectKey, f.Filename, a.ttl)
	if err != nil {
		log.Error().Str("user_id", user).Str("file_id", f.ID).Err(err).Msg("presign get failed")
		abortWithError(c, http.StatusInternalServerError, msgDownloadURLFailed)
		return
	}
	c.JSON(http.StatusOK, upload.DownloadTarget{
		DownloadURL: downloadURL,
		FileInfo: upload.StoredFileInfo{
			Filename:    f.Filename,
			FileType:    f.Category,
			FileSize:    f.Size,
			ContentType: f.ContentType,
			FileHash:    f.FileHash,
			Title:       f.Title,
			Description: f.Description,
			Tags:        f.Tags,
		},
		ExpiresIn: int(a.ttl / time.Second),
	})
}

// ListFiles returns the caller's completed files, newest first.
func (a *API) ListFiles(c *gin.Context) {
	user := userID(c)
	opts := store.ListOptions{Query: c.Query("q"), Category: c.Query("category")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			abortWithError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}
	files, err := a.files.ListFiles(c.Request.Context(), user, opts)
	if err != nil {
		log.Error().Str("user_id", user).Err(err).Msg("list files failed")
		abortWithError(c, http.StatusInternalServerError, msgInternal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

// DeleteFile soft deletes one of the caller's files.
func (a *API) DeleteFile(c *gin.Context) {
	user := userID(c)
	id := c.Param("id")
	if err := a.files.DeleteFile(c.Request.Context(), user, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortWithError(c, http.StatusNotFound, msgFileNotFound)
			return
		}
		log.Error().Str("user_id", user).Str("file_id", id).Err(err).Msg("delete file failed")
		abortWithError(c, http.StatusInternalServerError, msgInternal)
		return
	}
	log.Info().Str("user_id", user).Str("file_id", id).Msg("file deleted")
	c.JSON(http.StatusOK, gin.H{"message": "file deleted", "file_id": id})
}

// Health reports database and storage reachability.
func (a *API) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"storage":   a.backend.Name(),
		"database":  "ok",
	}
	if err := a.files.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("database ping failed")
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["database"] = err.Error()
	}
	if err := a.backend.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("storage", a.backend.Name()).Msg("storage ping failed")
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["storage_error"] = err.Error()
	}
	c.JSON(status, body)
}

func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, upload.ErrorResponse{Error: msg})
}
