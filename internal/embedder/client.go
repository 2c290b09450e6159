// Package embedder talks to the external face detection and embedding server.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/face-harvester/internal/crawler"
	"github.com/JakeFAU/face-harvester/internal/metrics"
)

const defaultBaseURL = "http://localhost:8000"

// ErrDecode is returned when the server cannot decode the submitted bytes as an image.
var ErrDecode = errors.New("embedder could not decode image")

// Detection is one face found in an image.
type Detection struct {
	BBox         crawler.BoundingBox
	Vector       []float32
	Confidence   float64
	ModelTag     string
	Demographics crawler.Demographics
}

// Config tunes the HTTP client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	ModelTag string
}

// Client calls POST /embed/face on the embedding server.
type Client struct {
	baseURL  string
	modelTag string
	client   *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		modelTag: cfg.ModelTag,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"`
	DetScore  float64   `json:"det_score"`
	Age       *int      `json:"age,omitempty"`
	Gender    string    `json:"gender,omitempty"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// EmbedAllFaces returns every face scoring at least minConfidence, highest
// confidence first. An image without qualifying faces yields an empty slice.
func (c *Client) EmbedAllFaces(ctx context.Context, image []byte, minConfidence float64) ([]Detection, error) {
	started := time.Now()
	body, err := c.postImage(ctx, "/embed/face", image)
	metrics.ObserveEmbed(time.Since(started))
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse embedder response: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = c.modelTag
	}
	out := make([]Detection, 0, len(resp.Faces))
	for _, face := range resp.Faces {
		if face.DetScore < minConfidence {
			continue
		}
		if len(face.BBox) != 4 {
			return nil, fmt.Errorf("embedder returned bbox with %d values", len(face.BBox))
		}
		if len(face.Embedding) == 0 {
			return nil, errors.New("embedder returned an empty embedding")
		}
		out = append(out, Detection{
			BBox:         crawler.BoundingBox{X1: face.BBox[0], Y1: face.BBox[1], X2: face.BBox[2], Y2: face.BBox[3]},
			Vector:       face.Embedding,
			Confidence:   face.DetScore,
			ModelTag:     model,
			Demographics: crawler.Demographics{Age: face.Age, Gender: face.Gender},
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

func (c *Client) postImage(ctx context.Context, endpoint string, image []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", http.DetectContentType(image))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedder response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w (status %d): %s", ErrDecode, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("embedder error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedder health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedder health: status %d", resp.StatusCode)
	}
	return nil
}
