package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

const sourceColumns = `id, name, kind, base_url, enabled, config, schedule,
	images_found, faces_indexed, last_status, last_crawled_at, created_at, updated_at`

// CreateSource inserts a source; names are unique.
func (s *Store) CreateSource(ctx context.Context, src crawler.Source) error {
	cfg, err := json.Marshal(src.Config)
	if err != nil {
		return fmt.Errorf("marshal source config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sources (id, name, kind, base_url, enabled, config, schedule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		src.ID, src.Name, string(src.Kind), src.BaseURL, src.Enabled, cfg, src.Schedule, src.CreatedAt, src.UpdatedAt,
	)
	return mapError(err, "insert source "+src.Name)
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (crawler.Source, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+sourceColumns+" FROM sources WHERE id = $1", id)
	src, err := scanSource(row)
	if err != nil {
		return crawler.Source{}, mapError(err, "source "+id)
	}
	return src, nil
}

// GetSourceByName fetches a source by its unique name.
func (s *Store) GetSourceByName(ctx context.Context, name string) (crawler.Source, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+sourceColumns+" FROM sources WHERE name = $1", name)
	src, err := scanSource(row)
	if err != nil {
		return crawler.Source{}, mapError(err, fmt.Sprintf("source %q", name))
	}
	return src, nil
}

// ListSources returns every source ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]crawler.Source, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+sourceColumns+" FROM sources ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// UpdateSource replaces operator-editable fields, keeping counters intact.
func (s *Store) UpdateSource(ctx context.Context, src crawler.Source) error {
	cfg, err := json.Marshal(src.Config)
	if err != nil {
		return fmt.Errorf("marshal source config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET name = $2, kind = $3, base_url = $4, enabled = $5, config = $6, schedule = $7, updated_at = $8
		WHERE id = $1`,
		src.ID, src.Name, string(src.Kind), src.BaseURL, src.Enabled, cfg, src.Schedule, src.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "update source "+src.ID)
	}
	return notFoundUnlessAffected(tag, "source "+src.ID)
}

// RecordSourceRun folds a finished job into the source's rolling counters.
func (s *Store) RecordSourceRun(
	ctx context.Context,
	id string,
	counters crawler.JobCounters,
	status crawler.JobStatus,
	at time.Time,
) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET images_found = images_found + $2,
			faces_indexed = faces_indexed + $3,
			last_status = $4,
			last_crawled_at = $5,
			updated_at = $5
		WHERE id = $1`,
		id, int64(counters.ImagesFound), int64(counters.FacesIndexed), string(status), at,
	)
	if err != nil {
		return fmt.Errorf("record source run: %w", err)
	}
	return notFoundUnlessAffected(tag, "source "+id)
}

// DeleteSource removes a source and its job history; refused while a job is queued or running.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var active bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM crawl_jobs WHERE source_id = $1 AND status IN ('queued', 'running'))`,
			id,
		).Scan(&active); err != nil {
			return fmt.Errorf("check active jobs: %w", err)
		}
		if active {
			return fmt.Errorf("source %s: %w", id, crawler.ErrSourceInUse)
		}
		tag, err := tx.Exec(ctx, "DELETE FROM sources WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("delete source: %w", err)
		}
		return notFoundUnlessAffected(tag, "source "+id)
	})
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var (
		src        crawler.Source
		kind       string
		lastStatus string
		cfg        []byte
	)
	if err := row.Scan(
		&src.ID,
		&src.Name,
		&kind,
		&src.BaseURL,
		&src.Enabled,
		&cfg,
		&src.Schedule,
		&src.ImagesFound,
		&src.FacesIndexed,
		&lastStatus,
		&src.LastCrawledAt,
		&src.CreatedAt,
		&src.UpdatedAt,
	); err != nil {
		return crawler.Source{}, err
	}
	src.Kind = crawler.SourceKind(kind)
	src.LastStatus = crawler.JobStatus(lastStatus)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &src.Config); err != nil {
			return crawler.Source{}, fmt.Errorf("decode source config: %w", err)
		}
	}
	return src, nil
}
