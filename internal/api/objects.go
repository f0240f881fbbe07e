package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"famshare/internal/archive"
	"famshare/internal/objectstore"
	"famshare/internal/upload"
)

const (
	msgInvalidObjectToken = "invalid or expired upload URL"
	msgContentTypeClash   = "content type does not match upload URL"
	msgTooLarge           = "file too large"
	msgNoArchiveFiles     = "no files found"

	maxArchiveFiles = 100
)

// PutObject stores the bytes of a presigned local upload.
func (a *API) PutObject(c *gin.Context) {
	grant, err := a.local.Verify(c.Query("token"), http.MethodPut, c.Param("key"))
	if err != nil {
		log.Warn().Err(err).Msg("object put rejected")
		abortWithError(c, http.StatusForbidden, msgInvalidObjectToken)
		return
	}
	if grant.ContentType != "" && upload.NormalizeType(c.GetHeader("Content-Type")) != upload.NormalizeType(grant.ContentType) {
		abortWithError(c, http.StatusBadRequest, msgContentTypeClash)
		return
	}
	limit := a.validator.MaxSize()
	if c.Request.ContentLength > limit {
		abortWithError(c, http.StatusRequestEntityTooLarge, msgTooLarge)
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	stored, err := a.local.Write(grant.Key, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		log.Error().Str("key", grant.Key).Err(err).Msg("object write failed")
		abortWithError(c, http.StatusInternalServerError, msgInternal)
		return
	}
	if err := a.files.SetFileHash(c.Request.Context(), grant.Key, stored.SHA256); err != nil {
		log.Warn().Str("key", grant.Key).Err(err).Msg("file hash not recorded")
	}
	log.Info().Str("key", grant.Key).Int64("bytes", stored.Size).Str("sha256", stored.SHA256).Msg("object stored")
	c.Status(http.StatusOK)
}

// GetObject serves a presigned local download.
func (a *API) GetObject(c *gin.Context) {
	grant, err := a.local.Verify(c.Query("token"), http.MethodGet, c.Param("key"))
	if err != nil {
		abortWithError(c, http.StatusForbidden, "invalid or expired download URL")
		return
	}
	f, err := a.local.Open(grant.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			abortWithError(c, http.StatusNotFound, msgFileNotFound)
			return
		}
		log.Error().Str("key", grant.Key).Err(err).Msg("object open failed")
		abortWithError(c, http.StatusInternalServerError, msgInternal)
		return
	}
	defer func() { _ = f.Close() }()

	name := grant.Filename
	if name == "" {
		name = path.Base(grant.Key)
	}
	modTime := time.Time{}
	if st, err := f.Stat(); err == nil {
		modTime = st.ModTime()
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", objectstore.SanitizeName(name)))
	http.ServeContent(c.Writer, c.Request, name, modTime, f)
}

// DownloadArchive zips the selected files of the caller. Each file is
// fetched through its presigned download URL.
func (a *API) DownloadArchive(c *gin.Context) {
	user := userID(c)
	ids := c.QueryArray("id")
	if len(ids) == 0 {
		abortWithError(c, http.StatusBadRequest, msgMissingFileID)
		return
	}
	if len(ids) > maxArchiveFiles {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("at most %d files per archive", maxArchiveFiles))
		return
	}

	ctx := c.Request.Context()
	entries := make([]archive.Entry, 0, len(ids))
	for _, id := range ids {
		f, err := a.files.GetFile(ctx, user, id)
		if err != nil {
			log.Warn().Str("user_id", user).Str("file_id", id).Err(err).Msg("skipping archive entry")
			continue
		}
		u, err := a.backend.PresignGet(ctx, f.ObjectKey, f.Filename, a.ttl)
		if err != nil {
			log.Warn().Str("user_id", user).Str("file_id", id).Err(err).Msg("presign archive entry failed")
			continue
		}
		entries = append(entries, archive.Entry{Name: f.Filename, URL: u})
	}
	if len(entries) == 0 {
		abortWithError(c, http.StatusNotFound, msgNoArchiveFiles)
		return
	}

	if a.archiveTimeout > 0 {
		ctx = archive.WithHTTPTimeout(ctx, a.archiveTimeout)
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "famshare-"+time.Now().UTC().Format("20060102-150405")+".zip"))
	c.Status(http.StatusOK)

	results, err := archive.Build(ctx, c.Writer, entries)
	if err != nil {
		log.Error().Str("user_id", user).Err(err).Msg("archive build failed")
		return
	}
	failed := 0
	for _, r := range results {
		if r.Err != "" {
			failed++
		}
	}
	log.Info().Str("user_id", user).Int("files", len(results)).Int("failed", failed).Msg("archive served")
}
