package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// FindImageByHashes looks an image up by URL hash or content hash.
func (s *Store) FindImageByHashes(_ context.Context, urlHash, contentHash string) (crawler.DownloadedImage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.imageByURL[urlHash]; ok && urlHash != "" {
		return s.images[id], true, nil
	}
	if id, ok := s.imageByContent[contentHash]; ok && contentHash != "" {
		return s.images[id], true, nil
	}
	return crawler.DownloadedImage{}, false, nil
}

// CreateImage stores an image unless either hash was already seen.
func (s *Store) CreateImage(_ context.Context, img crawler.DownloadedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.imageByURL[img.URLHash]; ok {
		return fmt.Errorf("image url %s: %w", img.SourceURL, crawler.ErrDuplicate)
	}
	if _, ok := s.imageByContent[img.ContentHash]; ok {
		return fmt.Errorf("image content %s: %w", img.ContentHash, crawler.ErrDuplicate)
	}
	s.images[img.ID] = img
	s.imageByURL[img.URLHash] = img.ID
	s.imageByContent[img.ContentHash] = img.ID
	return nil
}

// MarkImageProcessed records the face count and stamps ProcessedAt.
func (s *Store) MarkImageProcessed(_ context.Context, id string, faceCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return fmt.Errorf("image %s: %w", id, crawler.ErrNotFound)
	}
	img.FaceCount = faceCount
	img.ProcessedAt = &at
	s.images[id] = img
	return nil
}

// GetImage fetches an image by ID.
func (s *Store) GetImage(_ context.Context, id string) (crawler.DownloadedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return crawler.DownloadedImage{}, fmt.Errorf("image %s: %w", id, crawler.ErrNotFound)
	}
	return img, nil
}

// CountImages returns how many images are stored.
func (s *Store) CountImages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

// CreateFace stores a face; face IDs and assigned vector positions are unique.
func (s *Store) CreateFace(_ context.Context, face crawler.IndexedFace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.faces[face.ID]; exists {
		return fmt.Errorf("face %s: %w", face.ID, crawler.ErrDuplicate)
	}
	if err := s.checkPositionLocked(face.ID, face.VectorIdx); err != nil {
		return err
	}
	face.Embedding = slices.Clone(face.Embedding)
	s.faces[face.ID] = face
	return nil
}

func (s *Store) checkPositionLocked(faceID string, idx int64) error {
	if idx < 0 {
		return nil
	}
	for id, existing := range s.faces {
		if id != faceID && existing.VectorIdx == idx {
			return fmt.Errorf("vector position %d: %w", idx, crawler.ErrDuplicate)
		}
	}
	return nil
}

// ListFacesByImage returns the faces detected in one image.
func (s *Store) ListFacesByImage(_ context.Context, imageID string) ([]crawler.IndexedFace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.IndexedFace
	for _, face := range s.faces {
		if face.ImageID == imageID {
			face.Embedding = slices.Clone(face.Embedding)
			out = append(out, face)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetFace fetches a face by ID.
func (s *Store) GetFace(_ context.Context, id string) (crawler.IndexedFace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	face, ok := s.faces[id]
	if !ok {
		return crawler.IndexedFace{}, fmt.Errorf("face %s: %w", id, crawler.ErrNotFound)
	}
	face.Embedding = slices.Clone(face.Embedding)
	return face, nil
}

// CountFaces returns how many faces are stored.
func (s *Store) CountFaces(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.faces)), nil
}

// ScanFaces visits indexed faces in vector position order, then unindexed ones by ID.
func (s *Store) ScanFaces(ctx context.Context, fn func(crawler.IndexedFace) error) error {
	s.mu.RLock()
	faces := make([]crawler.IndexedFace, 0, len(s.faces))
	for _, face := range s.faces {
		face.Embedding = slices.Clone(face.Embedding)
		faces = append(faces, face)
	}
	s.mu.RUnlock()

	sort.Slice(faces, func(i, j int) bool {
		a, b := faces[i], faces[j]
		if a.Indexed() != b.Indexed() {
			return a.Indexed()
		}
		if a.Indexed() && a.VectorIdx != b.VectorIdx {
			return a.VectorIdx < b.VectorIdx
		}
		return a.ID < b.ID
	})
	for _, face := range faces {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(face); err != nil {
			return err
		}
	}
	return nil
}

// SetFaceVectorIdx assigns a face's vector position; crawler.Unindexed clears it.
func (s *Store) SetFaceVectorIdx(_ context.Context, id string, idx int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	face, ok := s.faces[id]
	if !ok {
		return fmt.Errorf("face %s: %w", id, crawler.ErrNotFound)
	}
	if idx < 0 {
		idx = crawler.Unindexed
	}
	if err := s.checkPositionLocked(id, idx); err != nil {
		return err
	}
	face.VectorIdx = idx
	s.faces[id] = face
	return nil
}

// ClearFaceVectorIdx marks every face unindexed.
func (s *Store) ClearFaceVectorIdx(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared int64
	for id, face := range s.faces {
		if face.Indexed() {
			face.VectorIdx = crawler.Unindexed
			s.faces[id] = face
			cleared++
		}
	}
	return cleared, nil
}
