package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/model"
)

var (
	// ErrNotFound is returned when no record matches the given id.
	ErrNotFound = errors.New("rfp not found")
	// ErrDuplicateContent signals the (organization, content hash) uniqueness
	// constraint. It is not a failure: callers treat it as "already uploaded".
	ErrDuplicateContent = errors.New("duplicate content for organization")
)

// RecordPatch carries the optional fields applied alongside a status change.
type RecordPatch struct {
	Analysis    *model.AnalysisResult
	ErrorDetail string
}

// RecordStore is the durable home of RFP records. It is the single source of
// truth for RFP state; every component reads and writes through it. The
// (organizationID, contentHash) pair is unique among records.
type RecordStore interface {
	Create(ctx context.Context, r *model.RFP) error
	Get(ctx context.Context, id string) (*model.RFP, error)
	FindByHash(ctx context.Context, orgID, contentHash string) (*model.RFP, error)
	ListByOrg(ctx context.Context, orgID string) ([]*model.RFP, error)
	// UpdateStatus performs a guarded lifecycle transition. Invalid moves fail
	// with model.ErrInvalidTransition and leave the record untouched.
	UpdateStatus(ctx context.Context, id string, next model.Status, patch RecordPatch) error
	// SaveExtraction stores extraction output without changing status.
	SaveExtraction(ctx context.Context, id, text string, meta model.ExtractionMetadata) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory RecordStore. It is the default for development
// and the reference implementation the tests drive; production deployments
// use the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.RFP
	byHash  map[string]string // orgID + "\x00" + contentHash -> record id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.RFP),
		byHash:  make(map[string]string),
	}
}

func hashKey(orgID, contentHash string) string {
	return orgID + "\x00" + contentHash
}

func (s *MemoryStore) Create(_ context.Context, r *model.RFP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashKey(r.OrganizationID, r.ContentHash)
	if _, exists := s.byHash[key]; exists {
		return ErrDuplicateContent
	}

	now := time.Now()
	cp := *r
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.records[cp.ID] = &cp
	s.byHash[key] = cp.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.RFP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) FindByHash(_ context.Context, orgID, contentHash string) (*model.RFP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hashKey(orgID, contentHash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.records[id]
	return &cp, nil
}

func (s *MemoryStore) ListByOrg(_ context.Context, orgID string) ([]*model.RFP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.RFP
	for _, r := range s.records {
		if r.OrganizationID == orgID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, next model.Status, patch RecordPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	if err := model.Transition(r.Status, next); err != nil {
		return err
	}

	// Keep the record invariants: analysis iff analyzed, error detail iff error.
	switch next {
	case model.StatusAnalyzed:
		if patch.Analysis == nil {
			return fmt.Errorf("transition to %s requires an analysis result", next)
		}
		r.Analysis = patch.Analysis
		r.ErrorDetail = ""
	case model.StatusError:
		if patch.ErrorDetail == "" {
			return fmt.Errorf("transition to %s requires an error detail", next)
		}
		r.ErrorDetail = patch.ErrorDetail
		r.Analysis = nil
	case model.StatusProcessing:
		r.Analysis = nil
		r.ErrorDetail = ""
	}

	r.Status = next
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SaveExtraction(_ context.Context, id, text string, meta model.ExtractionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	m := meta
	r.ExtractedText = text
	r.Extraction = &m
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byHash, hashKey(r.OrganizationID, r.ContentHash))
	delete(s.records, id)
	return nil
}

// Count returns the number of records in the store.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
