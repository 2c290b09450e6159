package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

func TestExtractStructured(t *testing.T) {
	t.Parallel()

	body := `<html><head>
		<meta property="og:image" content="/avatars/me.jpg">
		<meta name="twitter:image" content="https://cdn.test/me-card.jpg">
		<meta property="og:title" content="Me">
		<script type="application/ld+json">{"@type":"Person","image":{"thumbnail_url":"https://cdn.test/thumb.jpg"},
			"profile_pic_url_hd":"https://cdn.test/hd.jpg","banner":{"url":"https://cdn.test/banner.jpg"},"sameAs":["https://elsewhere.test/"]}</script>
		<script type="application/ld+json">{not json</script>
		</head><body>"https:\/\/pbs.twimg.com\/media\/x.jpg?format=jpg&name=large"</body></html>`

	found := extractStructured([]byte(body), "https://site.test/me", twitterCDN)
	tags := make(map[string]crawler.ContextTag, len(found))
	for _, c := range found {
		tags[c.ImageURL] = c.ContextTag
		assert.Equal(t, "https://site.test/me", c.PageURL)
	}

	assert.Equal(t, crawler.ContextProfile, tags["https://site.test/avatars/me.jpg"])
	assert.Equal(t, crawler.ContextProfile, tags["https://cdn.test/me-card.jpg"])
	assert.Equal(t, crawler.ContextPost, tags["https://cdn.test/thumb.jpg"])
	assert.Equal(t, crawler.ContextProfile, tags["https://cdn.test/hd.jpg"])
	assert.Equal(t, crawler.ContextCover, tags["https://cdn.test/banner.jpg"])
	assert.Equal(t, crawler.ContextPost, tags["https://pbs.twimg.com/media/x.jpg?format=jpg&name=large"])
	assert.NotContains(t, tags, "https://elsewhere.test/")
	assert.Len(t, found, 6)
}

func TestLargestSrcset(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/b.jpg", largestSrcset("/a.jpg 1x, /b.jpg 2x"))
	assert.Equal(t, "/big.jpg", largestSrcset("/small.jpg 320w,/big.jpg 1280w, /mid.jpg 640w"))
	assert.Equal(t, "/only.jpg", largestSrcset(" /only.jpg "))
	assert.Empty(t, largestSrcset(""))
}

func TestCandidateSetDedupsByNormalizedURL(t *testing.T) {
	t.Parallel()

	set := newCandidateSet()
	require.True(t, set.add(crawler.CandidateImage{ImageURL: "https://A.test/x.jpg?b=1&a=2"}))
	require.False(t, set.add(crawler.CandidateImage{ImageURL: "https://a.test/x.jpg?a=2&b=1#frag"}))
	require.False(t, set.add(crawler.CandidateImage{}))
	assert.Equal(t, 1, set.len())
	assert.Len(t, set.truncated(0), 1)
}
