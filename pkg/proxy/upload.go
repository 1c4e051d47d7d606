package proxy

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	maxUploadBytes  = 10 << 20
	uploadFieldName = "image"
)

var allowedImageTypes = map[string]string{
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	ImageURL string `json:"imageUrl"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// handleUpload accepts one image and returns it inline as a data URL that
// can be placed in a chat message. Nothing is stored.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Allow for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "File size too large. Maximum is 10MB")
			return
		}
		writeError(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(uploadFieldName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		writeError(w, http.StatusBadRequest, "File size too large. Maximum is 10MB")
		return
	}
	mimeType, ok := imageMimeType(header.Filename, header.Header.Get("Content-Type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Only image files are allowed")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to upload image",
			"details": err.Error(),
		})
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusBadRequest, "File size too large. Maximum is 10MB")
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		Message:  "Image uploaded successfully",
		ImageURL: fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)),
		FileName: header.Filename,
		Size:     int64(len(data)),
		MimeType: mimeType,
	})
}

// imageMimeType requires both the file extension and the declared content
// type to name an allowed image format.
func imageMimeType(fileName, contentType string) (string, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if _, ok := allowedImageTypes[ext]; !ok {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	mediaType = strings.ToLower(mediaType)
	sub, found := strings.CutPrefix(mediaType, "image/")
	if !found {
		return "", false
	}
	if _, ok := allowedImageTypes[sub]; !ok {
		return "", false
	}
	return mediaType, true
}
