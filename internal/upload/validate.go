package upload

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// DefaultAllowedTypes is the canonical MIME allow-list shared by the client
// queue and the control endpoint.
var DefaultAllowedTypes = []string{
	// images
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/svg+xml", "image/heic",
	// documents
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/rtf", "text/rtf",
	"application/vnd.oasis.opendocument.text",
	"text/plain",
	// video
	"video/mp4", "video/x-msvideo", "video/quicktime", "video/x-ms-wmv", "video/x-ms-asf", "video/x-flv", "video/webm",
	// audio
	"audio/mpeg", "audio/wav", "audio/flac", "audio/aac", "audio/ogg",
	// archives
	"application/zip", "application/x-zip-compressed",
}

// Limits bounds accepted files. Zero values take the defaults.
type Limits struct {
	MaxSize      int64
	AllowedTypes []string
}

// Validator is a pure predicate over candidate file info.
type Validator struct {
	maxSize int64
	allowed map[string]struct{}
	types   []string
}

// NewValidator creates a validator for limits.
func NewValidator(limits Limits) *Validator {
	if limits.MaxSize <= 0 {
		limits.MaxSize = DefaultMaxSize
	}
	if len(limits.AllowedTypes) == 0 {
		limits.AllowedTypes = DefaultAllowedTypes
	}
	v := &Validator{maxSize: limits.MaxSize, allowed: make(map[string]struct{}, len(limits.AllowedTypes))}
	for _, t := range limits.AllowedTypes {
		if t = NormalizeType(t); t != "" {
			if _, dup := v.allowed[t]; !dup {
				v.allowed[t] = struct{}{}
				v.types = append(v.types, t)
			}
		}
	}
	return v
}

// DefaultValidator uses the compiled-in size limit and allow-list.
func DefaultValidator() *Validator { return NewValidator(Limits{}) }

func (v *Validator) MaxSize() int64 { return v.maxSize }

// Allows reports whether contentType is on the allow-list.
func (v *Validator) Allows(contentType string) bool {
	_, ok := v.allowed[NormalizeType(contentType)]
	return ok
}

// Validate checks size, type and name in that order and reports the first
// violation as a *ValidationError.
func (v *Validator) Validate(info FileInfo) error {
	if info.Size > v.maxSize {
		return &ValidationError{Name: info.Name, Reason: fmt.Sprintf(
			"file size %s exceeds maximum limit of %s",
			humanize.IBytes(uint64(info.Size)), humanize.IBytes(uint64(v.maxSize)))}
	}
	if info.Size < 0 {
		return &ValidationError{Name: info.Name, Reason: "file size is negative"}
	}

	contentType := NormalizeType(info.Type)
	if !v.Allows(contentType) {
		if contentType == "" {
			contentType = "(unknown)"
		}
		return &ValidationError{Name: info.Name, Reason: fmt.Sprintf("file type %s is not allowed", contentType)}
	}

	if strings.TrimSpace(info.Name) == "" {
		return &ValidationError{Name: info.Name, Reason: "file name is empty"}
	}
	if utf8.RuneCountInString(info.Name) > MaxNameLength {
		return &ValidationError{Name: info.Name, Reason: fmt.Sprintf("file name exceeds %d characters", MaxNameLength)}
	}
	return nil
}

// NormalizeType lowercases a MIME type and strips parameters such as charset.
func NormalizeType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Category buckets a MIME type the way the file listing groups them.
func Category(contentType string) string {
	switch t := NormalizeType(contentType); {
	case strings.HasPrefix(t, "image/"):
		return "image"
	case strings.HasPrefix(t, "video/"):
		return "video"
	case strings.HasPrefix(t, "audio/"):
		return "audio"
	case t == "application/zip", t == "application/x-zip-compressed":
		return "archive"
	default:
		return "document"
	}
}
