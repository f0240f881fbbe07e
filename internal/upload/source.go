package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// FromPath builds a candidate from a local file, resolving its type against
// the default allow-list.
func FromPath(path string) (File, error) {
	return FromPathFor(path, DefaultValidator())
}

// FromPathFor builds a candidate from a local file. The type is sniffed from
// content; when the sniffed name is not accepted by v, its aliases, its parent
// types and then the extension type are tried.
func FromPathFor(path string, v *Validator) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	var detected *mimetype.MIME
	if m, err := mimetype.DetectFile(path); err == nil {
		detected = m
	}

	return File{
		Name: filepath.Base(path),
		Size: info.Size(),
		Type: resolveType(v, detected, mime.TypeByExtension(filepath.Ext(path))),
		Source: OpenerFunc(func() (io.ReadCloser, error) {
			return os.Open(path) //nolint:gosec // path supplied by the user on purpose
		}),
	}, nil
}

// FromBytes builds an in-memory candidate with a declared type.
func FromBytes(name, contentType string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		Type: contentType,
		Source: OpenerFunc(func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}),
	}
}

// resolveType walks the sniffed type and its parents, accepting the first
// level whose name or alias is allowed, then tries the extension type. With
// nothing accepted it returns the most specific name available so the
// rejection reason stays meaningful.
func resolveType(v *Validator, detected *mimetype.MIME, byExt string) string {
	for m := detected; m != nil; m = m.Parent() {
		if v.Allows(m.String()) {
			return NormalizeType(m.String())
		}
		for _, t := range v.types {
			if m.Is(t) {
				return t
			}
		}
	}
	if byExt != "" && v.Allows(byExt) {
		return NormalizeType(byExt)
	}

	sniffed := ""
	if detected != nil {
		sniffed = NormalizeType(detected.String())
	}
	if (sniffed == "" || sniffed == "application/octet-stream") && byExt != "" {
		return NormalizeType(byExt)
	}
	return sniffed
}
