package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/config"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/model"
)

// AnalyzerService is the client for the semantic analysis collaborator. It
// hands over extracted text and gets back structured requirements and a
// scoring rubric; the rubric content itself is entirely the collaborator's
// business.
type AnalyzerService struct {
	config     *config.AnalyzerConfig
	httpClient *http.Client
}

func NewAnalyzerService(cfg *config.AnalyzerConfig) *AnalyzerService {
	return &AnalyzerService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

type analyzeRequest struct {
	Text              string   `json:"text"`
	KnownRequirements []string `json:"known_requirements,omitempty"`
}

// Analyze submits extracted text for semantic analysis. knownRequirements
// carries previously extracted requirement descriptions on re-analysis so the
// collaborator can refine rather than start over.
func (s *AnalyzerService) Analyze(ctx context.Context, text string, knownRequirements []string) (*model.AnalysisResult, error) {
	reqBody, err := json.Marshal(analyzeRequest{
		Text:              text,
		KnownRequirements: knownRequirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.APIURL+"/v1/analyze", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis service returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var result model.AnalysisResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse analysis result: %w", err)
	}

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
