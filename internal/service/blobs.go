package service

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/storage/serverdb"
)

// BlobPath is the mount point of the blob download handler.
const BlobPath = "/blobs/"

// BlobHandler serves uploaded files at BlobPath + id.
func BlobHandler(store *serverdb.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, BlobPath)
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}

		blob, err := store.GetBlob(r.Context(), id)
		if apperr.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "Failed to read blob", "blob_id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", blob.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
		w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(blob.Data)
	})
}
