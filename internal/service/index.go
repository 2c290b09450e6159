package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/vectorindex"
)

// IndexStatus combines the vector index view with the relational face count.
type IndexStatus struct {
	vectorindex.Status
	StoredFaces int64 `json:"stored_faces"`
}

// RebuildReport summarises an index rebuild.
type RebuildReport struct {
	Indexed int64 `json:"indexed"`
	Skipped int64 `json:"skipped"`
}

// SearchHit is one ranked match with its stored context.
type SearchHit struct {
	FaceID     string                  `json:"face_id"`
	Similarity float64                 `json:"similarity"`
	Face       crawler.IndexedFace     `json:"face"`
	Image      crawler.DownloadedImage `json:"image"`
}

// SearchResult is the response to an image query.
type SearchResult struct {
	QueryConfidence float64     `json:"query_confidence"`
	FacesInQuery    int         `json:"faces_in_query"`
	Hits            []SearchHit `json:"hits"`
}

// IndexStatus reports size, dimension, pending rows and last flush.
func (s *Service) IndexStatus(ctx context.Context) (IndexStatus, error) {
	if s.index == nil {
		return IndexStatus{}, errIndexMissing
	}
	count, err := s.store.CountFaces(ctx)
	if err != nil {
		return IndexStatus{}, err
	}
	return IndexStatus{Status: s.index.Status(), StoredFaces: count}, nil
}

// ResetIndex drops every vector and marks every stored face unindexed, so
// new faces can take positions from zero again. Faces keep their rows until
// RebuildIndex re-adds them.
func (s *Service) ResetIndex(ctx context.Context) error {
	if s.index == nil {
		return errIndexMissing
	}
	return s.reset(ctx)
}

// reset clears stored positions before the vectors; a crash in between
// leaves faces unindexed rather than pointing at positions that no longer
// hold their vector.
func (s *Service) reset(ctx context.Context) error {
	cleared, err := s.store.ClearFaceVectorIdx(ctx)
	if err != nil {
		return fmt.Errorf("clear face positions: %w", err)
	}
	if err := s.index.Reset(); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	s.logger.Info("vector index reset", zap.Int64("faces_cleared", cleared))
	return nil
}

// RebuildIndex resets the index and re-adds every stored embedding in face
// ID order, rewriting each face's position. Faces whose embedding cannot be
// indexed stay unindexed. progress, when non-nil, is called after every
// batch with the faces visited so far and the total.
func (s *Service) RebuildIndex(ctx context.Context, progress func(done, total int64)) (RebuildReport, error) {
	if s.index == nil {
		return RebuildReport{}, errIndexMissing
	}
	total, err := s.store.CountFaces(ctx)
	if err != nil {
		return RebuildReport{}, err
	}
	if err := s.reset(ctx); err != nil {
		return RebuildReport{}, err
	}

	var (
		report  RebuildReport
		visited int64
		ids     = make([]string, 0, s.cfg.RebuildBatch)
		vecs    = make([][]float32, 0, s.cfg.RebuildBatch)
		dim     = s.index.Dimension()
	)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		first, err := s.index.AddBatch(ids, vecs)
		if err != nil {
			return fmt.Errorf("add batch: %w", err)
		}
		for i, id := range ids {
			if err := s.store.SetFaceVectorIdx(ctx, id, first+int64(i)); err != nil {
				return fmt.Errorf("set vector position for %s: %w", id, err)
			}
		}
		report.Indexed += int64(len(ids))
		ids, vecs = ids[:0], vecs[:0]
		if progress != nil {
			progress(visited, total)
		}
		return nil
	}

	err = s.store.ScanFaces(ctx, func(face crawler.IndexedFace) error {
		visited++
		if len(face.Embedding) != dim || isZero(face.Embedding) {
			report.Skipped++
			s.logger.Warn("skipping face with unusable embedding",
				zap.String("face_id", face.ID), zap.Int("dimension", len(face.Embedding)))
			return nil
		}
		ids = append(ids, face.ID)
		vecs = append(vecs, face.Embedding)
		if len(ids) >= s.cfg.RebuildBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return report, err
	}
	if err := s.index.Flush(); err != nil {
		return report, fmt.Errorf("flush index: %w", err)
	}
	if progress != nil {
		progress(visited, total)
	}
	s.logger.Info("vector index rebuilt", zap.Int64("indexed", report.Indexed), zap.Int64("skipped", report.Skipped))
	return report, nil
}

// SearchImage embeds the most confident face in the query photo and searches
// the index with it. topK <= 0 and threshold < 0 select the configured defaults.
func (s *Service) SearchImage(ctx context.Context, image []byte, topK int, threshold float64) (SearchResult, error) {
	if s.embedder == nil {
		return SearchResult{}, errors.New("embedder not configured")
	}
	detections, err := s.embedder.EmbedAllFaces(ctx, image, s.cfg.MinConfidence)
	if err != nil {
		return SearchResult{}, fmt.Errorf("embed query: %w", err)
	}
	if len(detections) == 0 {
		return SearchResult{}, ErrNoFace
	}
	sort.SliceStable(detections, func(i, j int) bool { return detections[i].Confidence > detections[j].Confidence })
	best := detections[0]

	hits, err := s.SearchVector(ctx, best.Vector, topK, threshold)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{QueryConfidence: best.Confidence, FacesInQuery: len(detections), Hits: hits}, nil
}

// SearchVector ranks indexed faces by similarity to query and joins stored
// face and image context. Matches whose rows are gone are dropped.
func (s *Service) SearchVector(ctx context.Context, query []float32, topK int, threshold float64) ([]SearchHit, error) {
	if s.index == nil {
		return nil, errIndexMissing
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	if threshold < 0 {
		threshold = s.cfg.DefaultThreshold
	}
	matches, err := s.index.Search(query, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		face, err := s.store.GetFace(ctx, m.FaceID)
		if errors.Is(err, crawler.ErrNotFound) {
			s.logger.Debug("index match without face row", zap.String("face_id", m.FaceID))
			continue
		}
		if err != nil {
			return nil, err
		}
		img, err := s.store.GetImage(ctx, face.ImageID)
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return nil, err
		}
		face.Embedding = nil
		hits = append(hits, SearchHit{FaceID: m.FaceID, Similarity: m.Similarity, Face: face, Image: img})
	}
	return hits, nil
}

var errIndexMissing = errors.New("vector index not configured")

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
