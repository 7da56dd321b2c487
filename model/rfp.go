package model

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an RFP.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusAnalyzed   Status = "analyzed"
	StatusError      Status = "error"
)

// ErrInvalidTransition is returned when a status change violates the lifecycle.
var ErrInvalidTransition = errors.New("invalid state transition")

// allowedTransitions maps each status to the statuses it may move to.
// analyzed -> processing and error -> processing are only reachable through
// an explicit re-analysis request; callers gate that themselves.
var allowedTransitions = map[Status][]Status{
	StatusUploaded:   {StatusProcessing},
	StatusProcessing: {StatusAnalyzed, StatusError},
	StatusAnalyzed:   {StatusProcessing},
	StatusError:      {StatusProcessing},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns a descriptive error on violation.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == StatusAnalyzed || s == StatusError
}

// SourceMetadata describes the original uploaded file.
type SourceMetadata struct {
	FileName    string `json:"file_name"`
	SizeBytes   int64  `json:"size_bytes"`
	MimeType    string `json:"mime_type"`
	StorageKey  string `json:"storage_key"`
	ContentHash string `json:"content_hash"`
}

// Extraction method values.
const (
	MethodPrimary  = "primary"
	MethodFallback = "fallback"
)

// ExtractionMetadata records how text extraction went.
type ExtractionMetadata struct {
	Method     string `json:"method"` // primary or fallback
	WordCount  int    `json:"word_count"`
	CharCount  int    `json:"char_count"`
	PageCount  int    `json:"page_count,omitempty"`
	Language   string `json:"language,omitempty"`
	Author     string `json:"author,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Requirement is a single structured requirement pulled out of the document.
type Requirement struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
}

// Criterion is one entry of the evaluation rubric.
type Criterion struct {
	Name        string `json:"name"`
	Weight      int    `json:"weight"`
	Description string `json:"description,omitempty"`
}

// AnalysisResult is the structured output of the semantic analysis collaborator.
type AnalysisResult struct {
	Requirements       []Requirement `json:"requirements"`
	EvaluationCriteria []Criterion   `json:"evaluation_criteria"`
	Summary            string        `json:"summary"`
	Keywords           []string      `json:"keywords"`
	ConfidenceScore    float64       `json:"confidence_score"`
}

// RFP is the central record tracked through the ingestion pipeline.
type RFP struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	Title          string              `json:"title"`
	ClientName     string              `json:"client_name,omitempty"`
	Description    string              `json:"description,omitempty"`
	DueDate        *time.Time          `json:"due_date,omitempty"`
	ContentHash    string              `json:"content_hash"`
	Status         Status              `json:"status"`
	Source         SourceMetadata      `json:"source"`
	ExtractedText  string              `json:"extracted_text,omitempty"`
	Extraction     *ExtractionMetadata `json:"extraction,omitempty"`
	Analysis       *AnalysisResult     `json:"analysis,omitempty"`
	ErrorDetail    string              `json:"error_detail,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Progress is a coarse status-derived heuristic, not a real measurement.
func (r *RFP) Progress() int {
	switch r.Status {
	case StatusUploaded:
		return 10
	case StatusProcessing:
		if r.ExtractedText != "" {
			return 50
		}
		return 30
	case StatusAnalyzed, StatusError:
		return 100
	}
	return 0
}
