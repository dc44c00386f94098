package server

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/drawledger/internal/blobstore"
	drawingdomain "github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/drawing/jobs"
	obslogger "github.com/smallbiznis/drawledger/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	uploadModeInline   = "inline"
	uploadModeDeferred = "deferred"
	uploadFormField    = "files"
)

// UploadDrawings stores the posted files and attaches them as one revision. Large
// uploads are attached by the worker and answered with 202.
func (s *Server) UploadDrawings(c *gin.Context) {
	projectID, err := parsePositiveInt64(c.Param("projectId"))
	if err != nil {
		AbortWithError(c, drawingdomain.ErrInvalidProject)
		return
	}
	if s.blobs == nil {
		AbortWithError(c, blobstore.ErrNotConfigured)
		return
	}

	if s.cfg.Upload.MaxBytes > 0 {
		if c.Request.ContentLength > s.cfg.Upload.MaxBytes {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Upload.MaxBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	entry, err := uploadEntry(projectID, form)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	files := form.File[uploadFormField]
	if len(files) == 0 {
		AbortWithError(c, newValidationError(uploadFormField, "required", "at least one file is required"))
		return
	}

	ctx := c.Request.Context()
	log := obslogger.WithContext(ctx, s.log)
	now := s.clock.Now()

	var total int64
	for _, fh := range files {
		key := blobstore.NewObjectKey(projectID, entry.DrawingNumber, fh.Filename, now)
		if err := s.storeFile(c, key, fh); err != nil {
			log.Error("upload store failed", zap.String("key", key), zap.Error(err))
			AbortWithError(c, err)
			return
		}
		entry.FileNames = append(entry.FileNames, key)
		total += fh.Size
	}

	if s.cfg.Upload.DeferBytes > 0 && total > s.cfg.Upload.DeferBytes && s.publisher.Enabled() {
		job, err := s.publisher.Publish(ctx, jobs.TypeAttach, jobs.EntriesPayload{
			Entries: []drawingdomain.Entry{entry},
			Source:  "upload",
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		s.obsMetrics.RecordUpload(ctx, uploadModeDeferred, total)
		c.JSON(http.StatusAccepted, gin.H{"data": jobAcceptedResponse{
			JobID:         job.ID,
			JobType:       job.Type,
			CorrelationID: job.CorrelationID,
		}, "file_names": entry.FileNames})
		return
	}

	resp, err := s.drawingSvc.Attach(ctx, []drawingdomain.Entry{entry})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordUpload(ctx, uploadModeInline, total)
	c.JSON(http.StatusOK, gin.H{"data": resp, "file_names": entry.FileNames})
}

func (s *Server) storeFile(c *gin.Context, key string, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	return s.blobs.Put(c.Request.Context(), key, f, fh.Size, fh.Header.Get("Content-Type"))
}

// uploadEntry reads the form fields and rejects the obvious mistakes before any
// file reaches the blob store.
func uploadEntry(projectID int64, form *multipart.Form) (drawingdomain.Entry, error) {
	value := func(name string) string {
		if values := form.Value[name]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}

	clientID, err := parsePositiveInt64(value("client_id"))
	if err != nil {
		return drawingdomain.Entry{}, drawingdomain.ErrInvalidClient
	}
	packageID, err := parseOptionalInt64(value("package_id"))
	if err != nil || (packageID != nil && *packageID <= 0) {
		return drawingdomain.Entry{}, drawingdomain.ErrInvalidPackage
	}
	drawingNumber := drawingdomain.NormalizeDrawingNumber(value("drawing_number"))
	if drawingNumber == "" {
		return drawingdomain.Entry{}, drawingdomain.ErrInvalidDrawingNumber
	}
	issueDate, err := parseOptionalDate(value("issue_date"))
	if err != nil {
		return drawingdomain.Entry{}, newValidationError("issue_date", "invalid_issue_date", "invalid issue_date")
	}

	entry := drawingdomain.Entry{
		ClientID:      clientID,
		ProjectID:     projectID,
		PackageID:     packageID,
		DrawingNumber: drawingNumber,
		Category:      value("category"),
		IssueDate:     issueDate,
	}
	if revision := value("revision"); revision != "" {
		entry.Revision = &revision
	}
	return entry, nil
}
