// Package storage defines where harvested artifacts live inside a blob store.
//
// Every source gets its own directory keyed by its sanitized name:
//
//	<source>/raw_images/<content-hash>.<ext>
//	<source>/faces/<face-id>.jpg
package storage

import (
	"path"
	"strings"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// Directory names below each source directory.
const (
	RawImagesDir = "raw_images"
	FacesDir     = "faces"
)

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
}

// RawImagePath is the object path for an original download.
func RawImagePath(sourceName, contentHash, contentType string) string {
	return path.Join(crawler.SanitizeSourceName(sourceName), RawImagesDir, contentHash+"."+Extension(contentType))
}

// FacePath is the object path for a face crop.
func FacePath(sourceName, faceID string) string {
	return path.Join(crawler.SanitizeSourceName(sourceName), FacesDir, faceID+".jpg")
}

// Extension maps a content type onto a file extension, "bin" when unknown.
func Extension(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	return "bin"
}
