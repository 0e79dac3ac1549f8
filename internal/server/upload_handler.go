package server

import (
	"bytes"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/upload"
)

// multipartOverhead allows for form boundaries and headers around the file.
const multipartOverhead = 64 << 10

// sniffLen is how much content http.DetectContentType inspects.
const sniffLen = 512

// uploadHandler handles image uploads and serves stored images.
type uploadHandler struct {
	svc *upload.Service
}

// RegisterRoutes registers upload routes.
func (h *uploadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /images/{key}", h.handleImage)
}

// handleUpload handles POST /upload with a multipart "file" field.
func (h *uploadHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxBytes()+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case stderrors.As(err, &tooLarge):
			errors.WriteError(w, errors.New(errors.CodeTooLarge, "image exceeds size limit"))
		default:
			errors.WriteError(w, errors.ValidationError("no file uploaded"))
		}
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	var body io.Reader = file
	if contentType == "" || contentType == "application/octet-stream" {
		head := make([]byte, sniffLen)
		n, _ := io.ReadFull(file, head)
		head = head[:n]
		contentType = http.DetectContentType(head)
		body = io.MultiReader(bytes.NewReader(head), file)
	}

	url, err := h.svc.Save(header.Filename, contentType, body)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"imageUrl": url})
}

// handleImage handles GET /images/{key}
func (h *uploadHandler) handleImage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	f, err := h.svc.Open(key)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		errors.WriteError(w, errors.InternalError("failed to stat image", err))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, key, info.ModTime(), f)
}
