package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

const imageColumns = `id, source_id, job_id, source_url, page_url, context_tag, url_hash, content_hash,
	storage_path, width, height, byte_size, content_type, face_count, processed_at, created_at`

const faceColumns = `id, image_id, source_id, vector_idx, bbox_x1, bbox_y1, bbox_x2, bbox_y2, confidence,
	age, gender, model_tag, thumbnail_path, embedding, created_at`

// scanPageSize bounds how many faces ScanFaces holds in memory at once.
const scanPageSize = 500

// FindImageByHashes looks an image up by URL hash or content hash, preferring a URL match.
func (s *Store) FindImageByHashes(ctx context.Context, urlHash, contentHash string) (crawler.DownloadedImage, bool, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `
		SELECT `+imageColumns+`
		FROM downloaded_images
		WHERE url_hash = $1 OR content_hash = $2
		ORDER BY (url_hash = $1) DESC
		LIMIT 1`,
		urlHash, contentHash,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.DownloadedImage{}, false, nil
	}
	if err != nil {
		return crawler.DownloadedImage{}, false, fmt.Errorf("find image: %w", err)
	}
	return img, true, nil
}

// CreateImage inserts an image; either hash colliding yields crawler.ErrDuplicate.
func (s *Store) CreateImage(ctx context.Context, img crawler.DownloadedImage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO downloaded_images (`+imageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		img.ID, img.SourceID, img.JobID, img.SourceURL, img.PageURL, string(img.ContextTag), img.URLHash,
		img.ContentHash, img.StoragePath, img.Width, img.Height, img.ByteSize, img.ContentType, img.FaceCount,
		img.ProcessedAt, img.CreatedAt,
	)
	return mapError(err, "insert image "+img.SourceURL)
}

// MarkImageProcessed records the face count and stamps processed_at.
func (s *Store) MarkImageProcessed(ctx context.Context, id string, faceCount int, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE downloaded_images SET face_count = $2, processed_at = $3 WHERE id = $1", id, faceCount, at)
	if err != nil {
		return fmt.Errorf("mark image processed: %w", err)
	}
	return notFoundUnlessAffected(tag, "image "+id)
}

// GetImage fetches an image by ID.
func (s *Store) GetImage(ctx context.Context, id string) (crawler.DownloadedImage, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, "SELECT "+imageColumns+" FROM downloaded_images WHERE id = $1", id))
	if err != nil {
		return crawler.DownloadedImage{}, mapError(err, "image "+id)
	}
	return img, nil
}

// CreateFace inserts a face together with its embedding.
func (s *Store) CreateFace(ctx context.Context, face crawler.IndexedFace) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexed_faces (`+faceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		face.ID, face.ImageID, face.SourceID, positionArg(face.VectorIdx),
		face.BBox.X1, face.BBox.Y1, face.BBox.X2, face.BBox.Y2, face.Confidence,
		face.Demographics.Age, face.Demographics.Gender, face.ModelTag, face.ThumbnailPath,
		pgvector.NewVector(face.Embedding), face.CreatedAt,
	)
	return mapError(err, "insert face "+face.ID)
}

// GetFace fetches a face by ID.
func (s *Store) GetFace(ctx context.Context, id string) (crawler.IndexedFace, error) {
	face, err := scanFace(s.pool.QueryRow(ctx, "SELECT "+faceColumns+" FROM indexed_faces WHERE id = $1", id))
	if err != nil {
		return crawler.IndexedFace{}, mapError(err, "face "+id)
	}
	return face, nil
}

// ListFacesByImage returns the faces detected in one image.
func (s *Store) ListFacesByImage(ctx context.Context, imageID string) ([]crawler.IndexedFace, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+faceColumns+" FROM indexed_faces WHERE image_id = $1 ORDER BY id", imageID)
	if err != nil {
		return nil, fmt.Errorf("list faces: %w", err)
	}
	return collectFaces(rows, 0)
}

// CountFaces returns how many faces are stored.
func (s *Store) CountFaces(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM indexed_faces").Scan(&n); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return n, nil
}

// ScanFaces visits indexed faces in vector position order and then unindexed
// faces by ID, one page at a time. Each page is read fully before fn runs, so
// fn may write back through the store.
func (s *Store) ScanFaces(ctx context.Context, fn func(crawler.IndexedFace) error) error {
	visit := func(page []crawler.IndexedFace) error {
		for _, face := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(face); err != nil {
				return err
			}
		}
		return nil
	}

	after := int64(-1)
	for {
		page, err := s.facePage(ctx, `WHERE vector_idx > $1 ORDER BY vector_idx`, after)
		if err != nil {
			return err
		}
		if err := visit(page); err != nil {
			return err
		}
		if len(page) < scanPageSize {
			break
		}
		after = page[len(page)-1].VectorIdx
	}

	afterID := ""
	for {
		page, err := s.facePage(ctx, `WHERE vector_idx IS NULL AND id > $1 ORDER BY id`, afterID)
		if err != nil {
			return err
		}
		if err := visit(page); err != nil {
			return err
		}
		if len(page) < scanPageSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (s *Store) facePage(ctx context.Context, where string, after any) ([]crawler.IndexedFace, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+faceColumns+" FROM indexed_faces "+where+" LIMIT $2", after, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("scan faces: %w", err)
	}
	return collectFaces(rows, scanPageSize)
}

func collectFaces(rows pgx.Rows, capacity int) ([]crawler.IndexedFace, error) {
	defer rows.Close()
	faces := make([]crawler.IndexedFace, 0, capacity)
	for rows.Next() {
		face, err := scanFace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// SetFaceVectorIdx assigns a face's vector position; crawler.Unindexed clears it.
func (s *Store) SetFaceVectorIdx(ctx context.Context, id string, idx int64) error {
	tag, err := s.pool.Exec(ctx, "UPDATE indexed_faces SET vector_idx = $2 WHERE id = $1", id, positionArg(idx))
	if err != nil {
		return mapError(err, "face "+id)
	}
	return notFoundUnlessAffected(tag, "face "+id)
}

// ClearFaceVectorIdx marks every face unindexed.
func (s *Store) ClearFaceVectorIdx(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "UPDATE indexed_faces SET vector_idx = NULL WHERE vector_idx IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("clear vector positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// positionArg maps crawler.Unindexed to NULL.
func positionArg(idx int64) any {
	if idx < 0 {
		return nil
	}
	return idx
}

func scanImage(row pgx.Row) (crawler.DownloadedImage, error) {
	var (
		img       crawler.DownloadedImage
		tag       string
		processed pgtype.Timestamptz
	)
	if err := row.Scan(
		&img.ID, &img.SourceID, &img.JobID, &img.SourceURL, &img.PageURL, &tag, &img.URLHash, &img.ContentHash,
		&img.StoragePath, &img.Width, &img.Height, &img.ByteSize, &img.ContentType, &img.FaceCount,
		&processed, &img.CreatedAt,
	); err != nil {
		return crawler.DownloadedImage{}, err
	}
	img.ContextTag = crawler.ContextTag(tag)
	if processed.Valid {
		at := processed.Time
		img.ProcessedAt = &at
	}
	return img, nil
}

func scanFace(row pgx.Row) (crawler.IndexedFace, error) {
	var (
		face      crawler.IndexedFace
		position  pgtype.Int8
		embedding pgvector.Vector
	)
	if err := row.Scan(
		&face.ID, &face.ImageID, &face.SourceID, &position,
		&face.BBox.X1, &face.BBox.Y1, &face.BBox.X2, &face.BBox.Y2, &face.Confidence,
		&face.Demographics.Age, &face.Demographics.Gender, &face.ModelTag, &face.ThumbnailPath,
		&embedding, &face.CreatedAt,
	); err != nil {
		return crawler.IndexedFace{}, err
	}
	face.VectorIdx = crawler.Unindexed
	if position.Valid {
		face.VectorIdx = position.Int64
	}
	face.Embedding = embedding.Slice()
	return face, nil
}
