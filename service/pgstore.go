package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/model"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgSchema bootstraps the single table this service owns. The unique index on
// (organization_id, content_hash) is the authoritative dedup safety net under
// concurrent identical uploads.
const pgSchema = `
create table if not exists rfps (
	id               text primary key,
	organization_id  text not null,
	title            text not null,
	client_name      text not null default '',
	description      text not null default '',
	due_date         timestamptz,
	content_hash     text not null,
	status           text not null,
	source           jsonb not null,
	extracted_text   text not null default '',
	extraction       jsonb,
	analysis         jsonb,
	error_detail     text not null default '',
	created_at       timestamptz not null default now(),
	updated_at       timestamptz not null default now()
);
create unique index if not exists rfps_org_hash on rfps (organization_id, content_hash);
create index if not exists rfps_org_created on rfps (organization_id, created_at desc);
`

// PostgresStore is the durable RecordStore used in production deployments.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the rfps table and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Create(ctx context.Context, r *model.RFP) error {
	source, err := json.Marshal(r.Source)
	if err != nil {
		return fmt.Errorf("failed to marshal source metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into rfps (id, organization_id, title, client_name, description, due_date,
		                  content_hash, status, source)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.OrganizationID, r.Title, r.ClientName, r.Description, r.DueDate,
		r.ContentHash, string(r.Status), source)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateContent
	}
	return err
}

const rfpColumns = `id, organization_id, title, client_name, description, due_date,
	content_hash, status, extracted_text, source, extraction, analysis,
	error_detail, created_at, updated_at`

func (s *PostgresStore) scanRFP(row *sql.Row) (*model.RFP, error) {
	var (
		r          model.RFP
		status     string
		dueDate    sql.NullTime
		source     []byte
		extraction []byte
		analysis   []byte
	)

	err := row.Scan(&r.ID, &r.OrganizationID, &r.Title, &r.ClientName, &r.Description,
		&dueDate, &r.ContentHash, &status, &r.ExtractedText, &source, &extraction,
		&analysis, &r.ErrorDetail, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r.Status = model.Status(status)
	if dueDate.Valid {
		d := dueDate.Time
		r.DueDate = &d
	}
	if err := json.Unmarshal(source, &r.Source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source metadata: %w", err)
	}
	if len(extraction) > 0 {
		r.Extraction = &model.ExtractionMetadata{}
		if err := json.Unmarshal(extraction, r.Extraction); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extraction metadata: %w", err)
		}
	}
	if len(analysis) > 0 {
		r.Analysis = &model.AnalysisResult{}
		if err := json.Unmarshal(analysis, r.Analysis); err != nil {
			return nil, fmt.Errorf("failed to unmarshal analysis result: %w", err)
		}
	}

	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.RFP, error) {
	row := s.db.QueryRowContext(ctx, `select `+rfpColumns+` from rfps where id = $1`, id)
	return s.scanRFP(row)
}

func (s *PostgresStore) FindByHash(ctx context.Context, orgID, contentHash string) (*model.RFP, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+rfpColumns+` from rfps where organization_id = $1 and content_hash = $2`,
		orgID, contentHash)
	return s.scanRFP(row)
}

func (s *PostgresStore) ListByOrg(ctx context.Context, orgID string) ([]*model.RFP, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, title, client_name, due_date, content_hash,
		       status, source, error_detail, created_at, updated_at
		from rfps
		where organization_id = $1
		order by created_at desc
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.RFP
	for rows.Next() {
		var (
			r       model.RFP
			status  string
			dueDate sql.NullTime
			source  []byte
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Title, &r.ClientName, &dueDate,
			&r.ContentHash, &status, &source, &r.ErrorDetail, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = model.Status(status)
		if dueDate.Valid {
			d := dueDate.Time
			r.DueDate = &d
		}
		if err := json.Unmarshal(source, &r.Source); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source metadata: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// UpdateStatus reads the current status under a row lock, validates the
// transition, then writes. The lock keeps two workers from racing the same
// record through conflicting transitions.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, next model.Status, patch RecordPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `select status from rfps where id = $1 for update`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := model.Transition(model.Status(current), next); err != nil {
		return err
	}

	var analysis []byte
	errorDetail := ""
	switch next {
	case model.StatusAnalyzed:
		if patch.Analysis == nil {
			return fmt.Errorf("transition to %s requires an analysis result", next)
		}
		analysis, err = json.Marshal(patch.Analysis)
		if err != nil {
			return fmt.Errorf("failed to marshal analysis result: %w", err)
		}
	case model.StatusError:
		if patch.ErrorDetail == "" {
			return fmt.Errorf("transition to %s requires an error detail", next)
		}
		errorDetail = patch.ErrorDetail
	}

	_, err = tx.ExecContext(ctx, `
		update rfps
		set status = $1,
		    analysis = $2,
		    error_detail = $3,
		    updated_at = now()
		where id = $4
	`, string(next), nullable(analysis), errorDetail, id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) SaveExtraction(ctx context.Context, id, text string, meta model.ExtractionMetadata) error {
	extraction, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal extraction metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		update rfps
		set extracted_text = $1,
		    extraction = $2,
		    updated_at = now()
		where id = $3
	`, text, extraction, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from rfps where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
