package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayoutPaths(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acme_corp/raw_images/abc.jpg", RawImagePath("Acme Corp", "abc", "image/jpeg"))
	assert.Equal(t, "acme_corp/raw_images/abc.webp", RawImagePath("Acme Corp", "abc", "image/webp; q=1"))
	assert.Equal(t, "source/raw_images/abc.bin", RawImagePath("../", "abc", "application/octet-stream"))
	assert.Equal(t, "jane.doe/faces/f-1.jpg", FacePath("Jane.Doe", "f-1"))
}
