package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/middleware"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/model"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/pkg/logger"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/queue"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// BlobStore is the object storage surface the handler needs.
type BlobStore interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, objectName string) error
}

// Extractor turns raw document bytes into normalized text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, filename, mimeHint string) (*service.Extraction, error)
}

type RFPHandler struct {
	store          service.RecordStore
	blobs          BlobStore
	extractor      Extractor
	queue          queue.Queue
	maxUploadBytes int64
}

func NewRFPHandler(store service.RecordStore, blobs BlobStore, extractor Extractor, q queue.Queue, maxUploadMB int) *RFPHandler {
	return &RFPHandler{
		store:          store,
		blobs:          blobs,
		extractor:      extractor,
		queue:          q,
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

const duplicateMessage = "This RFP has already been uploaded"

// priorityFor boosts jobs whose RFP is due soon so they jump the queue.
func priorityFor(dueDate *time.Time) int {
	if dueDate == nil {
		return 0
	}
	if time.Until(*dueDate) <= 7*24*time.Hour {
		return 10
	}
	return 0
}

// parseDueDate accepts RFC3339 or a bare date.
func parseDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("invalid due date")
}

// Upload ingests an RFP document: hash, dedup, durable storage, text
// extraction, then an analysis job on the queue.
func (h *RFPHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	org := middleware.GetOrganization(c)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds upload size limit"})
		return
	}

	dueDate, err := parseDueDate(c.PostForm("dueDate"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid due date, use RFC3339 or YYYY-MM-DD"})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}

	contentHash := service.HashBytes(data)

	// Dedup is organization scoped: the same bytes in another org are a new
	// record, within this org they short-circuit here.
	if existing, err := h.store.FindByHash(ctx, org, contentHash); err == nil {
		c.JSON(http.StatusOK, gin.H{
			"rfpId":            existing.ID,
			"originalFileName": existing.Source.FileName,
			"contentHash":      existing.ContentHash,
			"status":           existing.Status,
			"duplicate":        true,
			"message":          duplicateMessage,
		})
		return
	}

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rfpID := uuid.New().String()
	objectName := service.ObjectKey(org, rfpID, header.Filename)

	// The document must be durable before any record references it.
	if err := h.blobs.Upload(ctx, objectName, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		logger.Error(ctx, "blob upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	rfp := &model.RFP{
		ID:             rfpID,
		OrganizationID: org,
		Title:          title,
		ClientName:     c.PostForm("clientName"),
		Description:    c.PostForm("description"),
		DueDate:        dueDate,
		ContentHash:    contentHash,
		Status:         model.StatusUploaded,
		Source: model.SourceMetadata{
			FileName:    header.Filename,
			SizeBytes:   int64(len(data)),
			MimeType:    contentType,
			StorageKey:  objectName,
			ContentHash: contentHash,
		},
	}

	if err := h.store.Create(ctx, rfp); err != nil {
		h.removeBlob(c, objectName)
		if errors.Is(err, service.ErrDuplicateContent) {
			// lost a race with a concurrent identical upload
			if existing, lookupErr := h.store.FindByHash(ctx, org, contentHash); lookupErr == nil {
				c.JSON(http.StatusOK, gin.H{
					"rfpId":     existing.ID,
					"status":    existing.Status,
					"duplicate": true,
					"message":   duplicateMessage,
				})
				return
			}
		}
		logger.Error(ctx, "failed to create rfp record", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create record"})
		return
	}

	if err := h.store.UpdateStatus(ctx, rfpID, model.StatusProcessing, service.RecordPatch{}); err != nil {
		logger.Error(ctx, "failed to start processing", "rfp_id", rfpID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start processing"})
		return
	}

	extraction, err := h.extractor.Extract(ctx, data, header.Filename, contentType)
	if err != nil {
		h.handleExtractionFailure(c, rfp, objectName, err)
		return
	}

	if err := h.store.SaveExtraction(ctx, rfpID, extraction.Text, extraction.Meta); err != nil {
		logger.Error(ctx, "failed to save extraction", "rfp_id", rfpID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save extraction"})
		return
	}

	if _, err := h.queue.Enqueue(ctx, rfpID, priorityFor(dueDate), nil); err != nil {
		logger.Error(ctx, "failed to enqueue analysis", "rfp_id", rfpID, "error", err)
		h.failEnqueue(c, rfpID, err)
		return
	}

	logger.Info(ctx, "rfp uploaded", "rfp_id", rfpID,
		"file", header.Filename, "size", len(data), "method", extraction.Meta.Method)

	c.JSON(http.StatusCreated, gin.H{
		"rfpId":            rfpID,
		"originalFileName": header.Filename,
		"fileSize":         len(data),
		"contentHash":      contentHash,
		"status":           model.StatusProcessing,
		"wordCount":        extraction.Meta.WordCount,
		"message":          "RFP uploaded, analysis in progress",
	})
}

// handleExtractionFailure maps extraction failures onto the two failure
// shapes: a rejected format never creates a lasting record, while a
// both-paths-failed extraction leaves the record in the error state.
func (h *RFPHandler) handleExtractionFailure(c *gin.Context, rfp *model.RFP, objectName string, err error) {
	ctx := c.Request.Context()

	if errors.Is(err, service.ErrUnsupportedFormat) {
		if delErr := h.store.Delete(ctx, rfp.ID); delErr != nil {
			logger.Warn(ctx, "failed to clean up rejected upload", "rfp_id", rfp.ID, "error", delErr)
		}
		h.removeBlob(c, objectName)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported document format"})
		return
	}

	logger.Error(ctx, "extraction failed", "rfp_id", rfp.ID, "error", err)
	updErr := h.store.UpdateStatus(ctx, rfp.ID, model.StatusError, service.RecordPatch{ErrorDetail: err.Error()})
	if updErr != nil {
		logger.Error(ctx, "failed to mark rfp as errored", "rfp_id", rfp.ID, "error", updErr)
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"rfpId":  rfp.ID,
		"status": model.StatusError,
		"error":  "Text extraction failed: " + err.Error(),
	})
}

// failEnqueue settles a record whose analysis job could not be queued. Left
// in processing it would have no job and no way forward; in error it stays
// re-triggerable via reanalyze.
func (h *RFPHandler) failEnqueue(c *gin.Context, rfpID string, cause error) {
	ctx := c.Request.Context()
	err := h.store.UpdateStatus(ctx, rfpID, model.StatusError, service.RecordPatch{
		ErrorDetail: "failed to schedule analysis: " + cause.Error(),
	})
	if err != nil {
		logger.Error(ctx, "failed to mark rfp as errored", "rfp_id", rfpID, "error", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule analysis"})
}

func (h *RFPHandler) removeBlob(c *gin.Context, objectName string) {
	if err := h.blobs.Remove(c.Request.Context(), objectName); err != nil {
		logger.Warn(c.Request.Context(), "failed to remove object", "object", objectName, "error", err)
	}
}

// List returns all RFPs for the caller's organization, newest first.
func (h *RFPHandler) List(c *gin.Context) {
	org := middleware.GetOrganization(c)

	rfps, err := h.store.ListByOrg(c.Request.Context(), org)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list RFPs"})
		return
	}

	result := make([]gin.H, len(rfps))
	for i, r := range rfps {
		result[i] = gin.H{
			"rfpId":      r.ID,
			"title":      r.Title,
			"clientName": r.ClientName,
			"status":     r.Status,
			"dueDate":    r.DueDate,
			"fileName":   r.Source.FileName,
			"created_at": r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			"updated_at": r.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	c.JSON(http.StatusOK, gin.H{"rfps": result})
}

// getOwned fetches an RFP and enforces organization ownership. Records of
// other organizations look exactly like missing ones.
func (h *RFPHandler) getOwned(c *gin.Context) *model.RFP {
	org := middleware.GetOrganization(c)
	id := c.Param("id")

	rfp, err := h.store.Get(c.Request.Context(), id)
	if err != nil || rfp.OrganizationID != org {
		c.JSON(http.StatusNotFound, gin.H{"error": "RFP not found"})
		return nil
	}
	return rfp
}

// Get returns a single RFP with its full record
func (h *RFPHandler) Get(c *gin.Context) {
	rfp := h.getOwned(c)
	if rfp == nil {
		return
	}
	c.JSON(http.StatusOK, rfp)
}

// GetStatus returns the processing status and progress of an RFP
func (h *RFPHandler) GetStatus(c *gin.Context) {
	rfp := h.getOwned(c)
	if rfp == nil {
		return
	}

	resp := gin.H{
		"rfpId":    rfp.ID,
		"title":    rfp.Title,
		"status":   rfp.Status,
		"progress": rfp.Progress(),
	}
	if rfp.Analysis != nil {
		resp["analysisResult"] = rfp.Analysis
	}
	if rfp.ErrorDetail != "" {
		resp["errorDetail"] = rfp.ErrorDetail
	}

	c.JSON(http.StatusOK, resp)
}

type ReanalyzeRequest struct {
	Force bool `json:"force"`
}

// Reanalyze re-queues an RFP for analysis. An analyzed RFP is only redone
// with force; an RFP already processing is never re-queued.
func (h *RFPHandler) Reanalyze(c *gin.Context) {
	ctx := c.Request.Context()

	rfp := h.getOwned(c)
	if rfp == nil {
		return
	}

	var req ReanalyzeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	switch {
	case rfp.Status == model.StatusProcessing:
		c.JSON(http.StatusConflict, gin.H{"error": "Analysis already in progress"})
		return
	case rfp.Status == model.StatusAnalyzed && !req.Force:
		c.JSON(http.StatusOK, gin.H{
			"rfpId":          rfp.ID,
			"status":         rfp.Status,
			"analysisResult": rfp.Analysis,
			"message":        "RFP already analyzed, pass force to redo",
		})
		return
	case rfp.ExtractedText == "":
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "No extracted text available for analysis"})
		return
	}

	// Capture prior requirement descriptions before the transition wipes the
	// result, so the analyzer can refine instead of starting over.
	var known []string
	if rfp.Analysis != nil {
		for _, req := range rfp.Analysis.Requirements {
			known = append(known, req.Description)
		}
	}

	if err := h.store.UpdateStatus(ctx, rfp.ID, model.StatusProcessing, service.RecordPatch{}); err != nil {
		logger.Error(ctx, "failed to restart processing", "rfp_id", rfp.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to restart analysis"})
		return
	}

	if _, err := h.queue.Enqueue(ctx, rfp.ID, priorityFor(rfp.DueDate), known); err != nil {
		logger.Error(ctx, "failed to enqueue analysis", "rfp_id", rfp.ID, "error", err)
		h.failEnqueue(c, rfp.ID, err)
		return
	}

	logger.Info(ctx, "rfp re-queued for analysis", "rfp_id", rfp.ID, "force", req.Force)

	c.JSON(http.StatusAccepted, gin.H{
		"rfpId":   rfp.ID,
		"status":  model.StatusProcessing,
		"message": "Re-analysis scheduled",
	})
}

// Delete removes an RFP record and its stored document
func (h *RFPHandler) Delete(c *gin.Context) {
	rfp := h.getOwned(c)
	if rfp == nil {
		return
	}

	if err := h.store.Delete(c.Request.Context(), rfp.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete RFP"})
		return
	}
	if rfp.Source.StorageKey != "" {
		h.removeBlob(c, rfp.Source.StorageKey)
	}

	c.JSON(http.StatusOK, gin.H{"message": "RFP deleted"})
}
