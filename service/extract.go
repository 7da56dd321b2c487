package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/config"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/model"
	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat is returned when neither the primary service nor a
// local parser can handle the document.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ExtractionError carries both causes when the primary path and the local
// fallback have both failed. It is terminal for the RFP.
type ExtractionError struct {
	PrimaryErr  error
	FallbackErr error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed: primary: %v; fallback: %v", e.PrimaryErr, e.FallbackErr)
}

func (e *ExtractionError) Unwrap() error { return e.FallbackErr }

// Extraction is the result of a successful text extraction.
type Extraction struct {
	Text string
	Meta model.ExtractionMetadata
}

// ExtractService turns uploaded documents into normalized plain text. It
// tries the primary document-to-text converter first and falls back to
// format-specific local parsing when the service is unreachable or refuses
// the document.
type ExtractService struct {
	config     *config.ExtractConfig
	httpClient *http.Client
}

func NewExtractService(cfg *config.ExtractConfig) *ExtractService {
	return &ExtractService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// documentMetadata is the primary service's structural metadata response.
type documentMetadata struct {
	ContentType string `json:"content_type"`
	Pages       int    `json:"pages"`
	Language    string `json:"language"`
	Author      string `json:"author"`
	Created     string `json:"created"`
}

// Extract runs the full extraction algorithm: primary service, local
// fallback, normalization, counting. The returned metadata records which
// path succeeded and the wall-clock duration.
func (s *ExtractService) Extract(ctx context.Context, data []byte, filename, mimeHint string) (*Extraction, error) {
	start := time.Now()

	meta := model.ExtractionMetadata{Method: model.MethodPrimary}

	text, primaryErr := s.extractPrimary(ctx, data, mimeHint, &meta)
	if primaryErr != nil {
		slog.Warn("primary extraction failed, trying local fallback",
			"file", filename,
			"error", primaryErr,
		)

		var fallbackErr error
		text, fallbackErr = extractLocal(data, filename, mimeHint)
		if fallbackErr != nil {
			if errors.Is(fallbackErr, ErrUnsupportedFormat) {
				return nil, fallbackErr
			}
			return nil, &ExtractionError{PrimaryErr: primaryErr, FallbackErr: fallbackErr}
		}
		meta.Method = model.MethodFallback
	}

	normalized := NormalizeText(text)
	meta.WordCount = WordCount(normalized)
	meta.CharCount = CharCount(normalized)
	meta.DurationMs = time.Since(start).Milliseconds()

	return &Extraction{Text: normalized, Meta: meta}, nil
}

// extractPrimary sends the raw bytes to the converter twice: once for plain
// text, once for structural metadata. The metadata call is best-effort; a
// failure there degrades metadata but does not fail the extraction.
func (s *ExtractService) extractPrimary(ctx context.Context, data []byte, mimeHint string, meta *model.ExtractionMetadata) (string, error) {
	text, err := s.callText(ctx, data, mimeHint)
	if err != nil {
		return "", err
	}

	if docMeta, err := s.callMetadata(ctx, data, mimeHint); err != nil {
		slog.Debug("metadata call failed", "error", err)
	} else {
		meta.PageCount = docMeta.Pages
		meta.Language = docMeta.Language
		meta.Author = docMeta.Author
	}

	return text, nil
}

func (s *ExtractService) callText(ctx context.Context, data []byte, mimeHint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.config.APIURL+"/v1/text", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req, mimeHint)
	req.Header.Set("Accept", "text/plain")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extraction service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnsupportedMediaType {
		return "", fmt.Errorf("extraction service rejected format: %s", strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("extraction service returned status %d", resp.StatusCode)
	}

	return string(body), nil
}

func (s *ExtractService) callMetadata(ctx context.Context, data []byte, mimeHint string) (*documentMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.config.APIURL+"/v1/metadata", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req, mimeHint)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata call returned status %d", resp.StatusCode)
	}

	var docMeta documentMetadata
	if err := json.NewDecoder(resp.Body).Decode(&docMeta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &docMeta, nil
}

func (s *ExtractService) setHeaders(req *http.Request, mimeHint string) {
	if s.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	}
	if mimeHint != "" {
		req.Header.Set("Content-Type", mimeHint)
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
}

var textExtensions = map[string]bool{
	".txt":  true,
	".text": true,
	".md":   true,
	".log":  true,
}

// extractLocal is the format-specific fallback chain.
func extractLocal(data []byte, filename, mimeHint string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case textExtensions[ext] || strings.HasPrefix(mimeHint, "text/"):
		if !utf8.Valid(data) {
			return "", errors.New("file is not valid UTF-8 text")
		}
		return string(data), nil
	case ext == ".pdf":
		return extractPDF(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// extractPDF reads the text layer of a PDF.
func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("failed to read page %d: %w", i, err)
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}

	if strings.TrimSpace(sb.String()) == "" {
		return "", errors.New("PDF has no extractable text layer")
	}

	return sb.String(), nil
}
