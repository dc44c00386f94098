package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	drawingdomain "github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/drawing/jobs"
)

type drawingEntryRequest struct {
	ClientID      int64    `json:"client_id"`
	ProjectID     int64    `json:"project_id"`
	PackageID     *int64   `json:"package_id"`
	DrawingNumber string   `json:"drawing_number"`
	Category      string   `json:"category"`
	Revision      *string  `json:"revision"`
	FileNames     []string `json:"file_names"`
	IssueDate     string   `json:"issue_date"`
}

type drawingBatchRequest struct {
	Entries []drawingEntryRequest `json:"entries"`
}

type jobAcceptedResponse struct {
	JobID         string `json:"job_id"`
	JobType       string `json:"job_type"`
	CorrelationID string `json:"correlation_id"`
}

func (r drawingBatchRequest) toEntries() ([]drawingdomain.Entry, error) {
	entries := make([]drawingdomain.Entry, 0, len(r.Entries))
	for _, item := range r.Entries {
		issueDate, err := parseOptionalDate(item.IssueDate)
		if err != nil {
			return nil, newValidationError("issue_date", "invalid_issue_date", "invalid issue_date")
		}
		entries = append(entries, drawingdomain.Entry{
			ClientID:      item.ClientID,
			ProjectID:     item.ProjectID,
			PackageID:     item.PackageID,
			DrawingNumber: item.DrawingNumber,
			Category:      strings.TrimSpace(item.Category),
			Revision:      item.Revision,
			FileNames:     item.FileNames,
			IssueDate:     issueDate,
		})
	}
	return entries, nil
}

func (s *Server) bindBatch(c *gin.Context) ([]drawingdomain.Entry, bool) {
	var req drawingBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return nil, false
	}
	entries, err := req.toEntries()
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return entries, true
}

func (s *Server) AttachDrawings(c *gin.Context) {
	entries, ok := s.bindBatch(c)
	if !ok {
		return
	}

	resp, err := s.drawingSvc.Attach(c.Request.Context(), entries)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PublishDrawings(c *gin.Context) {
	entries, ok := s.bindBatch(c)
	if !ok {
		return
	}
	if len(entries) == 0 {
		AbortWithError(c, drawingdomain.ErrEmptyBatch)
		return
	}
	if len(entries) > s.ledgerCfg.Get().MaxEntriesPerBatch {
		AbortWithError(c, drawingdomain.ErrBatchTooLarge)
		return
	}

	job, err := s.publisher.Publish(c.Request.Context(), jobs.TypeBatchUpsert, jobs.EntriesPayload{
		Entries: entries,
		Source:  "publish",
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": jobAcceptedResponse{
		JobID:         job.ID,
		JobType:       job.Type,
		CorrelationID: job.CorrelationID,
	}})
}

func (s *Server) ListProjectDrawings(c *gin.Context) {
	projectID, err := parsePositiveInt64(c.Param("projectId"))
	if err != nil {
		AbortWithError(c, drawingdomain.ErrInvalidProject)
		return
	}

	var query struct {
		PackageID string `form:"package_id"`
		Drawing   string `form:"drawing"`
		History   string `form:"history"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	packageID, err := parseOptionalInt64(query.PackageID)
	if err != nil {
		AbortWithError(c, drawingdomain.ErrInvalidPackage)
		return
	}
	history, err := parseOptionalBool(query.History)
	if err != nil {
		AbortWithError(c, newValidationError("history", "invalid_history", "invalid history"))
		return
	}

	filter := drawingdomain.ListFilter{
		ProjectID:     projectID,
		PackageID:     packageID,
		DrawingFilter: strings.TrimSpace(query.Drawing),
	}

	var resp []drawingdomain.DrawingRevision
	if history != nil && *history {
		resp, err = s.drawingSvc.ListAll(c.Request.Context(), filter)
	} else {
		resp, err = s.drawingSvc.ListActive(c.Request.Context(), filter)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDrawingByID(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, drawingdomain.ErrInvalidID)
		return
	}

	resp, err := s.drawingSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDrawingLineage(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, drawingdomain.ErrInvalidID)
		return
	}

	resp, err := s.drawingSvc.Lineage(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) VerifyProjectDrawings(c *gin.Context) {
	projectID, err := parsePositiveInt64(c.Param("projectId"))
	if err != nil {
		AbortWithError(c, drawingdomain.ErrInvalidProject)
		return
	}

	report, err := s.drawingSvc.VerifyProject(c.Request.Context(), projectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report, "healthy": report.Healthy()})
}
