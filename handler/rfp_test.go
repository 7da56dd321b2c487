package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/model"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/queue"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/service"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) Upload(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectName] = data
	return nil
}

func (f *fakeBlobs) Remove(_ context.Context, objectName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectName)
	return nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) Extract(_ context.Context, data []byte, _, _ string) (*service.Extraction, error) {
	if f.err != nil {
		return nil, f.err
	}
	text := service.NormalizeText(string(data))
	return &service.Extraction{
		Text: text,
		Meta: model.ExtractionMetadata{
			Method:    model.MethodFallback,
			WordCount: service.WordCount(text),
			CharCount: service.CharCount(text),
		},
	}, nil
}

type testEnv struct {
	store *service.MemoryStore
	blobs *fakeBlobs
	queue *queue.Memory
	ext   *fakeExtractor
}

func newTestRouter(org string) (*gin.Engine, *testEnv) {
	env := &testEnv{
		store: service.NewMemoryStore(),
		blobs: newFakeBlobs(),
		queue: queue.NewMemory(queue.Options{}),
		ext:   &fakeExtractor{},
	}
	h := NewRFPHandler(env.store, env.blobs, env.ext, env.queue, 50)

	router := gin.New()
	api := router.Group("/api", func(c *gin.Context) {
		c.Set("organization", org)
		c.Set("username", "alice")
	})
	api.POST("/rfps", h.Upload)
	api.GET("/rfps", h.List)
	api.GET("/rfps/:id", h.Get)
	api.GET("/rfps/:id/status", h.GetStatus)
	api.POST("/rfps/:id/reanalyze", h.Reanalyze)
	api.DELETE("/rfps/:id", h.Delete)
	return router, env
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/rfps", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return body
}

func TestUploadSuccess(t *testing.T) {
	router, env := newTestRouter("org-1")

	content := []byte("Provide a cloud migration plan for all workloads.")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "rfp.txt", content, map[string]string{
		"title":      "Cloud Migration",
		"clientName": "Acme Corp",
	}))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	body := parseBody(t, w)
	rfpID, _ := body["rfpId"].(string)
	if rfpID == "" {
		t.Fatal("Expected rfpId in response")
	}
	if body["status"] != string(model.StatusProcessing) {
		t.Errorf("Expected status processing, got %v", body["status"])
	}
	if body["contentHash"] != service.HashBytes(content) {
		t.Errorf("Unexpected content hash %v", body["contentHash"])
	}

	rfp, err := env.store.Get(context.Background(), rfpID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rfp.Title != "Cloud Migration" {
		t.Errorf("Expected title set, got %q", rfp.Title)
	}
	if rfp.ClientName != "Acme Corp" {
		t.Errorf("Expected client name set, got %q", rfp.ClientName)
	}
	if rfp.ExtractedText == "" {
		t.Error("Expected extracted text saved")
	}
	if rfp.Extraction == nil || rfp.Extraction.Method != model.MethodFallback {
		t.Error("Expected extraction metadata saved")
	}
	if env.queue.PendingFor(rfpID) != 1 {
		t.Error("Expected one analysis job enqueued")
	}
	if env.blobs.count() != 1 {
		t.Errorf("Expected one stored object, got %d", env.blobs.count())
	}
}

func TestUploadTitleDefaultsToFilename(t *testing.T) {
	router, env := newTestRouter("org-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "datacenter-rfp.txt", []byte("some text"), nil))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	body := parseBody(t, w)
	rfp, _ := env.store.Get(context.Background(), body["rfpId"].(string))
	if rfp.Title != "datacenter-rfp" {
		t.Errorf("Expected title from filename, got %q", rfp.Title)
	}
}

func TestUploadDuplicateSameOrg(t *testing.T) {
	router, env := newTestRouter("org-1")
	content := []byte("identical bytes")

	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, uploadRequest(t, "first.txt", content, nil))
	if w1.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w1.Code)
	}
	firstID := parseBody(t, w1)["rfpId"].(string)

	// same bytes under a different name are still a duplicate
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, uploadRequest(t, "renamed.txt", content, nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for duplicate, got %d", w2.Code)
	}
	body := parseBody(t, w2)
	if body["rfpId"] != firstID {
		t.Errorf("Expected existing rfp id %s, got %v", firstID, body["rfpId"])
	}
	if body["message"] != "This RFP has already been uploaded" {
		t.Errorf("Unexpected duplicate message %v", body["message"])
	}
	if env.store.Count() != 1 {
		t.Errorf("Expected single record, got %d", env.store.Count())
	}
	if env.queue.PendingFor(firstID) != 1 {
		t.Error("Expected no extra job for duplicate upload")
	}
}

func TestUploadSameContentDifferentOrg(t *testing.T) {
	content := []byte("shared rfp content")

	routerA, envA := newTestRouter("org-a")
	wA := httptest.NewRecorder()
	routerA.ServeHTTP(wA, uploadRequest(t, "rfp.txt", content, nil))
	if wA.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", wA.Code)
	}

	// a second org uploading the same bytes gets its own record
	routerB := routerWithStore(envA)
	wB := httptest.NewRecorder()
	routerB.ServeHTTP(wB, uploadRequest(t, "rfp.txt", content, nil))
	if wB.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 for other org, got %d: %s", wB.Code, wB.Body.String())
	}
	if envA.store.Count() != 2 {
		t.Errorf("Expected two records, got %d", envA.store.Count())
	}
}

// routerWithStore builds a router for org-b sharing org-a's backing services.
func routerWithStore(env *testEnv) *gin.Engine {
	h := NewRFPHandler(env.store, env.blobs, env.ext, env.queue, 50)
	router := gin.New()
	api := router.Group("/api", func(c *gin.Context) {
		c.Set("organization", "org-b")
		c.Set("username", "bob")
	})
	api.POST("/rfps", h.Upload)
	return router
}

func TestUploadNoFile(t *testing.T) {
	router, _ := newTestRouter("org-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "no file here")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/rfps", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestUploadInvalidDueDate(t *testing.T) {
	router, _ := newTestRouter("org-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "rfp.txt", []byte("text"), map[string]string{
		"dueDate": "next tuesday",
	}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestUploadUnsupportedFormat(t *testing.T) {
	router, env := newTestRouter("org-1")
	env.ext.err = service.ErrUnsupportedFormat

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "image.png", []byte{0x89, 0x50, 0x4e, 0x47}, nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	// the rejected upload leaves nothing behind
	if env.store.Count() != 0 {
		t.Errorf("Expected no records, got %d", env.store.Count())
	}
	if env.blobs.count() != 0 {
		t.Errorf("Expected no stored objects, got %d", env.blobs.count())
	}
	if env.queue.Size() != 0 {
		t.Errorf("Expected empty queue, got %d", env.queue.Size())
	}
}

func TestUploadExtractionFailureMarksError(t *testing.T) {
	router, env := newTestRouter("org-1")
	env.ext.err = &service.ExtractionError{
		PrimaryErr:  context.DeadlineExceeded,
		FallbackErr: io.ErrUnexpectedEOF,
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "broken.pdf", []byte("%PDF-1.4 truncated"), nil))

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d: %s", w.Code, w.Body.String())
	}

	body := parseBody(t, w)
	rfpID, _ := body["rfpId"].(string)
	rfp, err := env.store.Get(context.Background(), rfpID)
	if err != nil {
		t.Fatalf("Expected record kept, got %v", err)
	}
	if rfp.Status != model.StatusError {
		t.Errorf("Expected status error, got %s", rfp.Status)
	}
	if rfp.ErrorDetail == "" {
		t.Error("Expected error detail recorded")
	}
	if env.queue.Size() != 0 {
		t.Error("Expected no analysis job for failed extraction")
	}
}

func TestListScopedToOrganization(t *testing.T) {
	router, env := newTestRouter("org-1")

	seedStoreRFP(t, env.store, "r1", "org-1", model.StatusAnalyzed)
	seedStoreRFP(t, env.store, "r2", "org-1", model.StatusProcessing)
	seedStoreRFP(t, env.store, "r3", "org-2", model.StatusAnalyzed)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/rfps", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp map[string][]map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp["rfps"]) != 2 {
		t.Errorf("Expected 2 rfps for org-1, got %d", len(resp["rfps"]))
	}
}

func TestGetWrongOrgLooksMissing(t *testing.T) {
	router, env := newTestRouter("org-1")
	seedStoreRFP(t, env.store, "other", "org-2", model.StatusAnalyzed)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/rfps/other", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for foreign record, got %d", w.Code)
	}
}

func TestGetStatusIncludesProgressAndResult(t *testing.T) {
	router, env := newTestRouter("org-1")
	seedStoreRFP(t, env.store, "done", "org-1", model.StatusAnalyzed)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/rfps/done/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := parseBody(t, w)
	if body["progress"] != float64(100) {
		t.Errorf("Expected progress 100, got %v", body["progress"])
	}
	if body["analysisResult"] == nil {
		t.Error("Expected analysis result in status response")
	}
}

func TestReanalyzeWhileProcessing(t *testing.T) {
	router, env := newTestRouter("org-1")
	seedStoreRFP(t, env.store, "busy", "org-1", model.StatusProcessing)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/rfps/busy/reanalyze", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if env.queue.Size() != 0 {
		t.Error("Expected no job enqueued")
	}
}

func TestReanalyzeAnalyzedWithoutForce(t *testing.T) {
	router, env := newTestRouter("org-1")
	seedStoreRFP(t, env.store, "done", "org-1", model.StatusAnalyzed)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/rfps/done/reanalyze", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 no-op, got %d", w.Code)
	}
	body := parseBody(t, w)
	if body["analysisResult"] == nil {
		t.Error("Expected existing result returned")
	}
	if env.queue.Size() != 0 {
		t.Error("Expected no job enqueued without force")
	}

	rfp, _ := env.store.Get(context.Background(), "done")
	if rfp.Status != model.StatusAnalyzed {
		t.Errorf("Expected status unchanged, got %s", rfp.Status)
	}
}

func TestReanalyzeAnalyzedWithForce(t *testing.T) {
	router, env := newTestRouter("org-1")
	seedStoreRFP(t, env.store, "done", "org-1", model.StatusAnalyzed)

	req := httptest.NewRequest("POST", "/api/rfps/done/reanalyze", strings.NewReader(`{"force":true}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	rfp, _ := env.store.Get(context.Background(), "done")
	if rfp.Status != model.StatusProcessing {
		t.Errorf("Expected status processing, got %s", rfp.Status)
	}

	// prior requirements ride along so the analyzer can refine
	job, err := env.queue.Dequeue(context.Background(), "w1")
	if err != nil || job == nil {
		t.Fatalf("Expected a job, got %v, %v", job, err)
	}
	if len(job.KnownRequirements) != 1 || job.KnownRequirements[0] != "seeded requirement" {
		t.Errorf("Expected prior requirements on job, got %v", job.KnownRequirements)
	}
}

func TestReanalyzeAfterError(t *testing.T) {
	router, env := newTestRouter("org-1")
	seedStoreRFP(t, env.store, "failed", "org-1", model.StatusError)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/rfps/failed/reanalyze", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	rfp, _ := env.store.Get(context.Background(), "failed")
	if rfp.Status != model.StatusProcessing {
		t.Errorf("Expected status processing, got %s", rfp.Status)
	}
	if rfp.ErrorDetail != "" {
		t.Errorf("Expected error detail cleared, got %q", rfp.ErrorDetail)
	}
}

func TestDeleteRemovesRecordAndBlob(t *testing.T) {
	router, env := newTestRouter("org-1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "victim.txt", []byte("delete me"), nil))
	rfpID := parseBody(t, w)["rfpId"].(string)

	wd := httptest.NewRecorder()
	router.ServeHTTP(wd, httptest.NewRequest("DELETE", "/api/rfps/"+rfpID, nil))
	if wd.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", wd.Code)
	}
	if env.store.Count() != 0 {
		t.Errorf("Expected record removed, got %d", env.store.Count())
	}
	if env.blobs.count() != 0 {
		t.Errorf("Expected blob removed, got %d", env.blobs.count())
	}

	// the content hash is free again
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, uploadRequest(t, "victim.txt", []byte("delete me"), nil))
	if w2.Code != http.StatusCreated {
		t.Errorf("Expected re-upload after delete to succeed, got %d", w2.Code)
	}
}

// brokenQueue refuses every enqueue, standing in for an unreachable broker.
type brokenQueue struct {
	queue.Queue
}

func (brokenQueue) Enqueue(_ context.Context, _ string, _ int, _ []string) (string, error) {
	return "", errors.New("queue backend unavailable")
}

func TestUploadEnqueueFailureSettlesRecord(t *testing.T) {
	env := &testEnv{
		store: service.NewMemoryStore(),
		blobs: newFakeBlobs(),
		queue: queue.NewMemory(queue.Options{}),
		ext:   &fakeExtractor{},
	}
	h := NewRFPHandler(env.store, env.blobs, env.ext, brokenQueue{}, 50)

	router := gin.New()
	router.POST("/api/rfps", func(c *gin.Context) {
		c.Set("organization", "org-1")
		h.Upload(c)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "rfp.txt", []byte("some rfp text"), nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}

	// the record is not stranded in processing; error keeps it re-triggerable
	rfps, _ := env.store.ListByOrg(context.Background(), "org-1")
	if len(rfps) != 1 {
		t.Fatalf("Expected one record, got %d", len(rfps))
	}
	if rfps[0].Status != model.StatusError {
		t.Errorf("Expected status error, got %s", rfps[0].Status)
	}
	if !strings.Contains(rfps[0].ErrorDetail, "failed to schedule analysis") {
		t.Errorf("Expected enqueue failure in detail, got %q", rfps[0].ErrorDetail)
	}
}

func TestReanalyzeEnqueueFailureSettlesRecord(t *testing.T) {
	env := &testEnv{
		store: service.NewMemoryStore(),
		blobs: newFakeBlobs(),
		queue: queue.NewMemory(queue.Options{}),
		ext:   &fakeExtractor{},
	}
	seedStoreRFP(t, env.store, "failed", "org-1", model.StatusError)
	h := NewRFPHandler(env.store, env.blobs, env.ext, brokenQueue{}, 50)

	router := gin.New()
	router.POST("/api/rfps/:id/reanalyze", func(c *gin.Context) {
		c.Set("organization", "org-1")
		h.Reanalyze(c)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/rfps/failed/reanalyze", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}

	rfp, _ := env.store.Get(context.Background(), "failed")
	if rfp.Status != model.StatusError {
		t.Errorf("Expected status error, got %s", rfp.Status)
	}

	// a later reanalyze is not blocked by a phantom in-progress job
	env2router := gin.New()
	h2 := NewRFPHandler(env.store, env.blobs, env.ext, env.queue, 50)
	env2router.POST("/api/rfps/:id/reanalyze", func(c *gin.Context) {
		c.Set("organization", "org-1")
		h2.Reanalyze(c)
	})
	w2 := httptest.NewRecorder()
	env2router.ServeHTTP(w2, httptest.NewRequest("POST", "/api/rfps/failed/reanalyze", nil))
	if w2.Code != http.StatusAccepted {
		t.Errorf("Expected status 202 on retry with a working queue, got %d", w2.Code)
	}
}

func TestPriorityForDueDate(t *testing.T) {
	soon := time.Now().Add(3 * 24 * time.Hour)
	far := time.Now().Add(30 * 24 * time.Hour)

	if priorityFor(nil) != 0 {
		t.Error("Expected no boost without due date")
	}
	if priorityFor(&far) != 0 {
		t.Error("Expected no boost for distant due date")
	}
	if priorityFor(&soon) <= 0 {
		t.Error("Expected boost for due date within a week")
	}
}

// seedStoreRFP walks a record through the lifecycle to the wanted status.
func seedStoreRFP(t *testing.T, store *service.MemoryStore, id, org string, status model.Status) {
	t.Helper()
	ctx := context.Background()

	rfp := &model.RFP{
		ID:             id,
		OrganizationID: org,
		Title:          "Seeded " + id,
		ContentHash:    "hash-" + id,
		Status:         model.StatusUploaded,
		Source:         model.SourceMetadata{FileName: id + ".txt", StorageKey: org + "/" + id},
	}
	if err := store.Create(ctx, rfp); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status == model.StatusUploaded {
		return
	}

	if err := store.UpdateStatus(ctx, id, model.StatusProcessing, service.RecordPatch{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	meta := model.ExtractionMetadata{Method: model.MethodFallback, WordCount: 3, CharCount: 20}
	if err := store.SaveExtraction(ctx, id, "seeded extracted text", meta); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	switch status {
	case model.StatusAnalyzed:
		patch := service.RecordPatch{Analysis: &model.AnalysisResult{
			Summary:         "seeded",
			ConfidenceScore: 0.8,
			Requirements: []model.Requirement{
				{Category: "technical", Description: "seeded requirement", Mandatory: true},
			},
		}}
		if err := store.UpdateStatus(ctx, id, model.StatusAnalyzed, patch); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	case model.StatusError:
		patch := service.RecordPatch{ErrorDetail: "seeded failure"}
		if err := store.UpdateStatus(ctx, id, model.StatusError, patch); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
}
