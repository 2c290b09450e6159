// Package pipeline turns downloaded bytes into deduplicated images and indexed faces.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/embedder"
	"github.com/JakeFAU/face-harvester/internal/imaging"
	"github.com/JakeFAU/face-harvester/internal/metrics"
	"github.com/JakeFAU/face-harvester/internal/storage"
	"github.com/JakeFAU/face-harvester/internal/vectorindex"
)

// Embedder finds faces in image bytes.
type Embedder interface {
	EmbedAllFaces(ctx context.Context, image []byte, minConfidence float64) ([]embedder.Detection, error)
}

var (
	// ErrImageBusy is returned when another job is already processing the image.
	ErrImageBusy = errors.New("image is being processed")
	// ErrContentChanged means the bytes handed to ProcessImage are not the
	// ones the image row was stored from.
	ErrContentChanged = errors.New("image content changed")
)

// VectorIndex appends face vectors and returns their positions.
type VectorIndex interface {
	Add(faceID string, vec []float32) (int64, error)
}

// Config tunes face processing.
type Config struct {
	MinConfidence     float64
	MaxFacesPerImage  int
	CropPadding       float64
	ThumbnailSize     int
	MinImageDimension int
	EmbedConcurrency  int
}

// Pipeline stores images and indexes their faces.
type Pipeline struct {
	images crawler.ImageStore
	faces  crawler.FaceStore
	blobs  crawler.BlobStore
	embed  Embedder
	index  VectorIndex
	hasher crawler.Hasher
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
	cfg    Config
	sem    *semaphore.Weighted

	mu     sync.Mutex
	active map[string]struct{}
}

// New wires a Pipeline.
func New(
	images crawler.ImageStore,
	faces crawler.FaceStore,
	blobs crawler.BlobStore,
	embed Embedder,
	index VectorIndex,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	cfg Config,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 2
	}
	if cfg.MaxFacesPerImage <= 0 {
		cfg.MaxFacesPerImage = 10
	}
	return &Pipeline{
		images: images,
		faces:  faces,
		blobs:  blobs,
		embed:  embed,
		index:  index,
		hasher: hasher,
		ids:    ids,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.EmbedConcurrency)),
		active: make(map[string]struct{}),
	}
}

// Download is one fetched candidate ready to be stored.
type Download struct {
	Source      crawler.Source
	JobID       string
	Candidate   crawler.CandidateImage
	Body        []byte
	ContentType string
}

// StoreDownloadedImage persists a new image. Duplicates by URL or content hash
// are detected before anything is written; they return the existing row and
// created=false. An existing row that was never processed should be handed to
// ProcessImage again. Undecodable or undersized images fail with an imaging error.
func (p *Pipeline) StoreDownloadedImage(ctx context.Context, d Download) (crawler.DownloadedImage, bool, error) {
	normalized, err := crawler.NormalizeURL(d.Candidate.ImageURL)
	if err != nil {
		return crawler.DownloadedImage{}, false, fmt.Errorf("normalize image url: %w", err)
	}
	urlHash, err := p.hasher.Hash([]byte(normalized))
	if err != nil {
		return crawler.DownloadedImage{}, false, fmt.Errorf("hash url: %w", err)
	}
	contentHash, err := p.hasher.Hash(d.Body)
	if err != nil {
		return crawler.DownloadedImage{}, false, fmt.Errorf("hash content: %w", err)
	}

	existing, found, err := p.images.FindImageByHashes(ctx, urlHash, contentHash)
	if err != nil {
		return crawler.DownloadedImage{}, false, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		metrics.ObserveImage("duplicate")
		return existing, false, nil
	}

	info, err := imaging.Inspect(d.Body)
	if err != nil {
		metrics.ObserveImage("invalid")
		return crawler.DownloadedImage{}, false, err
	}
	if err := imaging.CheckDimensions(info, p.cfg.MinImageDimension); err != nil {
		metrics.ObserveImage("too_small")
		return crawler.DownloadedImage{}, false, err
	}

	id, err := p.ids.NewID()
	if err != nil {
		return crawler.DownloadedImage{}, false, err
	}
	objectPath := storage.RawImagePath(d.Source.Name, contentHash, d.ContentType)
	uri, err := p.blobs.PutObject(ctx, objectPath, d.ContentType, bytes.NewReader(d.Body))
	if err != nil {
		return crawler.DownloadedImage{}, false, fmt.Errorf("store raw image: %w", err)
	}

	img := crawler.DownloadedImage{
		ID:          id,
		SourceID:    d.Source.ID,
		JobID:       d.JobID,
		SourceURL:   d.Candidate.ImageURL,
		PageURL:     d.Candidate.PageURL,
		ContextTag:  d.Candidate.ContextTag,
		URLHash:     urlHash,
		ContentHash: contentHash,
		StoragePath: uri,
		Width:       info.Width,
		Height:      info.Height,
		ByteSize:    int64(len(d.Body)),
		ContentType: d.ContentType,
		CreatedAt:   p.clock.Now(),
	}
	if err := p.images.CreateImage(ctx, img); err != nil {
		if errors.Is(err, crawler.ErrDuplicate) {
			// A concurrent job stored the same image first.
			if existing, found, lookupErr := p.images.FindImageByHashes(ctx, urlHash, contentHash); lookupErr == nil && found {
				metrics.ObserveImage("duplicate")
				return existing, false, nil
			}
		}
		return crawler.DownloadedImage{}, false, fmt.Errorf("create image: %w", err)
	}
	metrics.ObserveImage("stored")
	return img, true, nil
}

// FaceResult counts what ProcessImage did.
type FaceResult struct {
	Detected int
	Indexed  int
}

// ProcessImage detects faces in body, drops those under the confidence floor,
// keeps the most confident MaxFacesPerImage, and for each one stores a padded
// crop, records an IndexedFace and adds the vector to the index. The image is
// stamped processed once every kept face is indexed, or when its bytes can
// never be decoded.
//
// It is safe to call again for an image whose earlier run failed: faces that
// were already stored are matched by bounding box and only indexed if their
// position is missing.
func (p *Pipeline) ProcessImage(ctx context.Context, source crawler.Source, img crawler.DownloadedImage, body []byte) (FaceResult, error) {
	if !p.acquire(img.ID) {
		return FaceResult{}, fmt.Errorf("image %s: %w", img.ID, ErrImageBusy)
	}
	defer p.release(img.ID)

	if img.ContentHash != "" {
		sum, err := p.hasher.Hash(body)
		if err != nil {
			return FaceResult{}, fmt.Errorf("hash content: %w", err)
		}
		if sum != img.ContentHash {
			return FaceResult{}, fmt.Errorf("image %s: %w", img.ID, ErrContentChanged)
		}
	}

	decoded, _, err := imaging.Decode(body)
	if err != nil {
		return FaceResult{}, p.markUnusable(ctx, img, err)
	}

	detections, err := p.detect(ctx, body)
	if err != nil {
		if errors.Is(err, embedder.ErrDecode) {
			return FaceResult{}, p.markUnusable(ctx, img, err)
		}
		return FaceResult{}, err
	}
	result := FaceResult{Detected: len(detections)}

	kept := detections[:0:0]
	for _, d := range detections {
		if d.Confidence >= p.cfg.MinConfidence {
			kept = append(kept, d)
		}
	}
	metrics.ObserveFaces("low_confidence", len(detections)-len(kept))
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Confidence > kept[j].Confidence })
	if len(kept) > p.cfg.MaxFacesPerImage {
		metrics.ObserveFaces("over_cap", len(kept)-p.cfg.MaxFacesPerImage)
		kept = kept[:p.cfg.MaxFacesPerImage]
	}

	existing, err := p.faces.ListFacesByImage(ctx, img.ID)
	if err != nil {
		return result, fmt.Errorf("list faces: %w", err)
	}
	byBox := make(map[crawler.BoundingBox][]crawler.IndexedFace, len(existing))
	for _, f := range existing {
		byBox[f.BBox] = append(byBox[f.BBox], f)
	}

	for _, d := range kept {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var err error
		if prior := byBox[d.BBox]; len(prior) > 0 {
			byBox[d.BBox] = prior[1:]
			if !prior[0].Indexed() {
				err = p.place(ctx, prior[0].ID, prior[0].Embedding)
			}
		} else {
			err = p.indexFace(ctx, source, img, decoded, d)
		}
		if err != nil {
			metrics.ObserveFaces("error", 1)
			if unindexable(err) {
				p.logger.Debug("face skipped", zap.String("image_id", img.ID), zap.Error(err))
				continue
			}
			return result, err
		}
		result.Indexed++
	}
	metrics.ObserveFaces("indexed", result.Indexed)

	if err := p.images.MarkImageProcessed(ctx, img.ID, result.Indexed, p.clock.Now()); err != nil {
		return result, fmt.Errorf("mark image processed: %w", err)
	}
	return result, nil
}

// unindexable reports errors that retrying the same face can never fix.
func unindexable(err error) bool {
	return errors.Is(err, imaging.ErrInvalidImage) ||
		errors.Is(err, vectorindex.ErrDimension) ||
		errors.Is(err, vectorindex.ErrZeroVector)
}

// markUnusable stamps an image whose bytes no decoder accepts so later jobs
// stop retrying it, then returns cause.
func (p *Pipeline) markUnusable(ctx context.Context, img crawler.DownloadedImage, cause error) error {
	if err := p.images.MarkImageProcessed(ctx, img.ID, 0, p.clock.Now()); err != nil {
		return errors.Join(cause, fmt.Errorf("mark image processed: %w", err))
	}
	return cause
}

func (p *Pipeline) acquire(imageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[imageID]; busy {
		return false
	}
	p.active[imageID] = struct{}{}
	return true
}

func (p *Pipeline) release(imageID string) {
	p.mu.Lock()
	delete(p.active, imageID)
	p.mu.Unlock()
}

// detect runs the embedder behind a semaphore so CPU-heavy detection never
// exceeds EmbedConcurrency in flight.
func (p *Pipeline) detect(ctx context.Context, body []byte) ([]embedder.Detection, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	detections, err := p.embed.EmbedAllFaces(ctx, body, p.cfg.MinConfidence)
	if err != nil {
		return nil, fmt.Errorf("embed faces: %w", err)
	}
	return detections, nil
}

func (p *Pipeline) indexFace(ctx context.Context, source crawler.Source, img crawler.DownloadedImage, decoded image.Image, d embedder.Detection) error {
	thumb, err := imaging.CropFace(decoded, d.BBox, p.cfg.CropPadding, p.cfg.ThumbnailSize)
	if err != nil {
		return err
	}
	faceID, err := p.ids.NewID()
	if err != nil {
		return err
	}
	thumbURI, err := p.blobs.PutObject(ctx, storage.FacePath(source.Name, faceID), "image/jpeg", bytes.NewReader(thumb))
	if err != nil {
		return fmt.Errorf("store face crop: %w", err)
	}
	face := crawler.IndexedFace{
		ID:            faceID,
		ImageID:       img.ID,
		SourceID:      source.ID,
		VectorIdx:     crawler.Unindexed,
		BBox:          d.BBox,
		Confidence:    d.Confidence,
		Demographics:  d.Demographics,
		ModelTag:      d.ModelTag,
		ThumbnailPath: thumbURI,
		Embedding:     d.Vector,
		CreatedAt:     p.clock.Now(),
	}
	if err := p.faces.CreateFace(ctx, face); err != nil {
		return fmt.Errorf("create face: %w", err)
	}
	return p.place(ctx, faceID, d.Vector)
}

// place adds a stored face to the index and records its position. The row
// exists before the vector does, so a failure here leaves an unindexed face
// that a later run or a rebuild picks up.
func (p *Pipeline) place(ctx context.Context, faceID string, vec []float32) error {
	position, err := p.index.Add(faceID, vec)
	if err != nil {
		return fmt.Errorf("index face: %w", err)
	}
	if err := p.faces.SetFaceVectorIdx(ctx, faceID, position); err != nil {
		return fmt.Errorf("record face position: %w", err)
	}
	return nil
}
