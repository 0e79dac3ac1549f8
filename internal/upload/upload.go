// Package upload stores product images on local disk.
package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/catalogcast/catalog-server/internal/pkg/security"
)

// URLPrefix is the public path uploaded images are served under.
const URLPrefix = "/images/"

// maxNameLength bounds the sanitized part of a stored key.
const maxNameLength = 100

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Service saves uploaded images under a directory.
type Service struct {
	dir      string
	maxBytes int64
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates the upload directory if needed.
func NewService(dir string, maxBytes int64, log *logger.Logger) (*Service, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Service{
		dir:      dir,
		maxBytes: maxBytes,
		log:      log.WithComponent("upload"),
		now:      time.Now,
	}, nil
}

// MaxBytes returns the size cap for one file.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Dir returns the storage directory.
func (s *Service) Dir() string {
	return s.dir
}

// Save writes r as an image and returns its public URL. Only image/*
// content types are accepted.
func (s *Service) Save(filename, contentType string, r io.Reader) (string, error) {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		s.log.Debug("Upload rejected",
			"filename", security.SanitizeForLog(filename),
			"content_type", security.SanitizeForLog(contentType),
		)
		return "", errors.ValidationError("only images are allowed")
	}

	key := strconv.FormatInt(s.now().UnixNano(), 10) + "_" + Sanitize(filename)
	path := filepath.Join(s.dir, key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", errors.InternalError("failed to create image file", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", errors.InternalError("failed to write image", err)
	}
	if n > s.maxBytes {
		_ = os.Remove(path)
		return "", errors.New(errors.CodeTooLarge, "image exceeds size limit").
			WithDetail("max_bytes", strconv.FormatInt(s.maxBytes, 10))
	}

	s.log.Info("Image stored", "key", key, "bytes", n)
	return URLPrefix + key, nil
}

// Open returns the stored image for key. Keys containing path separators
// are rejected.
func (s *Service) Open(key string) (*os.File, error) {
	if !ValidKey(key) {
		return nil, errors.NotFoundError("image")
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if os.IsNotExist(err) {
		return nil, errors.NotFoundError("image")
	}
	if err != nil {
		return nil, errors.InternalError("failed to open image", err)
	}
	return f, nil
}

// ValidKey reports whether key names a single file inside the directory.
func ValidKey(key string) bool {
	return security.ValidateFileName(key) == nil
}

// Sanitize reduces a client filename to a safe base name.
func Sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "image"
	}
	if len(name) > maxNameLength {
		name = name[len(name)-maxNameLength:]
	}
	return name
}
