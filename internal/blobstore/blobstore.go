// Package blobstore keeps uploaded drawing files outside the ledger. Only the object
// keys are recorded on revisions.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

var ErrNotConfigured = errors.New("blobstore_not_configured")

// Store writes objects. size may be -1 when the length is unknown.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// ObjectKey builds projects/<project>/drawings/<drawing>/<yyyy/mm/dd>/<suffix>-<name><ext>.
func ObjectKey(projectID int64, drawingNumber, fileName string, at time.Time, suffix string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if !isPlainExt(ext) {
		ext = ""
	}
	base := slug.Make(strings.TrimSuffix(path.Base(strings.ReplaceAll(fileName, `\`, "/")), path.Ext(fileName)))
	if base == "" {
		base = "file"
	}
	drawing := slug.Make(drawingNumber)
	if drawing == "" {
		drawing = "unnumbered"
	}
	return fmt.Sprintf("projects/%d/drawings/%s/%s/%s-%s%s",
		projectID, drawing, at.UTC().Format("2006/01/02"), suffix, base, ext)
}

// NewObjectKey is ObjectKey with a random eight character suffix.
func NewObjectKey(projectID int64, drawingNumber, fileName string, at time.Time) string {
	return ObjectKey(projectID, drawingNumber, fileName, at, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func isPlainExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 10 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
