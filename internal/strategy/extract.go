package strategy

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// candidateSet keeps candidates in discovery order, unique by image URL.
type candidateSet struct {
	seen  map[string]struct{}
	items []crawler.CandidateImage
}

func newCandidateSet() *candidateSet {
	return &candidateSet{seen: make(map[string]struct{})}
}

func (s *candidateSet) add(c crawler.CandidateImage) bool {
	if c.ImageURL == "" {
		return false
	}
	key := c.ImageURL
	if normalized, err := crawler.NormalizeURL(c.ImageURL); err == nil {
		key = normalized
	}
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.items = append(s.items, c)
	return true
}

func (s *candidateSet) addAll(cs []crawler.CandidateImage) int {
	added := 0
	for _, c := range cs {
		if s.add(c) {
			added++
		}
	}
	return added
}

func (s *candidateSet) len() int { return len(s.items) }

func (s *candidateSet) truncated(limit int) []crawler.CandidateImage {
	if limit > 0 && len(s.items) > limit {
		return append([]crawler.CandidateImage(nil), s.items[:limit]...)
	}
	return append([]crawler.CandidateImage(nil), s.items...)
}

var metaImageKeys = map[string]crawler.ContextTag{
	"og:image":            crawler.ContextProfile,
	"og:image:url":        crawler.ContextProfile,
	"og:image:secure_url": crawler.ContextProfile,
	"twitter:image":       crawler.ContextProfile,
	"twitter:image:src":   crawler.ContextProfile,
}

// jsonKeyTags classifies embedded JSON keys by substring, most specific first.
var jsonKeyTags = []struct {
	fragment string
	tag      crawler.ContextTag
}{
	{"profile_pic", crawler.ContextProfile},
	{"profile_image", crawler.ContextProfile},
	{"profilepic", crawler.ContextProfile},
	{"avatar", crawler.ContextProfile},
	{"originCover", crawler.ContextPost},
	{"dynamicCover", crawler.ContextPost},
	{"banner", crawler.ContextCover},
	{"cover", crawler.ContextCover},
	{"header_image", crawler.ContextCover},
	{"display_url", crawler.ContextPost},
	{"thumbnail_src", crawler.ContextPost},
	{"thumbnail_url", crawler.ContextPost},
	{"media_url", crawler.ContextPost},
	{"image_url", crawler.ContextPost},
}

var jsonScriptSelector = strings.Join([]string{
	`script[type="application/ld+json"]`,
	`script[type="application/json"]`,
	`script#__NEXT_DATA__`,
	`script#__UNIVERSAL_DATA_FOR_REHYDRATION__`,
	`script#SIGI_STATE`,
}, ", ")

// extractStructured pulls images out of meta tags, embedded JSON and raw CDN
// URLs, in that order.
func extractStructured(body []byte, pageURL string, cdn *regexp.Regexp) []crawler.CandidateImage {
	set := newCandidateSet()
	base := resolveBase(pageURL)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
			key, _ := sel.Attr("property")
			if key == "" {
				key, _ = sel.Attr("name")
			}
			tag, ok := metaImageKeys[strings.ToLower(key)]
			if !ok {
				return
			}
			content, _ := sel.Attr("content")
			if abs, ok := crawler.Resolve(base, content); ok {
				set.add(crawler.CandidateImage{ImageURL: abs, PageURL: pageURL, ContextTag: tag})
			}
		})
		doc.Find(jsonScriptSelector).Each(func(_ int, sel *goquery.Selection) {
			set.addAll(extractJSON([]byte(sel.Text()), pageURL))
		})
	}

	if cdn != nil {
		set.addAll(extractCDN(body, pageURL, cdn))
	}
	return set.items
}

// extractJSON walks arbitrary JSON and collects URL strings stored under
// image-ish keys. A URL under an unclassified key inherits the nearest
// classified ancestor, so {"banner":{"url":...}} is a cover.
func extractJSON(raw []byte, pageURL string) []crawler.CandidateImage {
	var root any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &root); err != nil {
		return nil
	}
	set := newCandidateSet()
	walkJSON(root, "", false, func(tag crawler.ContextTag, value string) {
		if abs, ok := crawler.Resolve(nil, value); ok {
			set.add(crawler.CandidateImage{ImageURL: abs, PageURL: pageURL, ContextTag: tag})
		}
	})
	return set.items
}

func walkJSON(node any, inherited crawler.ContextTag, tagged bool, visit func(tag crawler.ContextTag, value string)) {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tag, ok := classifyKey(k)
			if !ok {
				tag, ok = inherited, tagged
			}
			walkJSON(v[k], tag, ok, visit)
		}
	case []any:
		for _, child := range v {
			walkJSON(child, inherited, tagged, visit)
		}
	case string:
		if tagged && (strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")) {
			visit(inherited, v)
		}
	}
}

func classifyKey(key string) (crawler.ContextTag, bool) {
	lower := strings.ToLower(key)
	for _, entry := range jsonKeyTags {
		if strings.Contains(lower, strings.ToLower(entry.fragment)) {
			return entry.tag, true
		}
	}
	return "", false
}

var escapedSlash = strings.NewReplacer(`\/`, `/`, `\u0026`, `&`, `\u002F`, `/`, `\u002f`, `/`, `&amp;`, `&`)

// extractCDN finds platform CDN URLs anywhere in the body, including JSON-escaped ones.
func extractCDN(body []byte, pageURL string, cdn *regexp.Regexp) []crawler.CandidateImage {
	text := escapedSlash.Replace(string(body))
	set := newCandidateSet()
	for _, match := range cdn.FindAllString(text, -1) {
		match = strings.TrimRight(match, `"'\),;`)
		if _, err := url.Parse(match); err != nil {
			continue
		}
		set.add(crawler.CandidateImage{ImageURL: match, PageURL: pageURL, ContextTag: crawler.ContextPost})
	}
	return set.items
}

// extractImgTags lists <img>, <source> and lazy-loading attributes, applying filter.
func extractImgTags(doc *goquery.Document, base *url.URL, pageURL string, filter *ImageFilter) []crawler.CandidateImage {
	set := newCandidateSet()
	doc.Find("img, source").Each(func(_ int, sel *goquery.Selection) {
		width, _ := sel.Attr("width")
		height, _ := sel.Attr("height")
		if !filter.KeepDimensions(width, height) {
			return
		}
		for _, ref := range imageRefs(sel) {
			abs, ok := crawler.Resolve(base, ref)
			if !ok || !filter.Keep(abs) {
				continue
			}
			set.add(crawler.CandidateImage{ImageURL: abs, PageURL: pageURL, ContextTag: crawler.ContextPost})
			break
		}
	})
	return set.items
}

// imageRefs orders an element's candidate sources, largest srcset entry first.
func imageRefs(sel *goquery.Selection) []string {
	var refs []string
	for _, attr := range []string{"srcset", "data-srcset"} {
		if v, ok := sel.Attr(attr); ok {
			if best := largestSrcset(v); best != "" {
				refs = append(refs, best)
			}
		}
	}
	for _, attr := range []string{"data-src", "data-original", "data-lazy-src", "src"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			refs = append(refs, v)
		}
	}
	return refs
}

func largestSrcset(srcset string) string {
	best, bestScore := "", -1.0
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		score := 1.0
		if len(fields) > 1 {
			descriptor := fields[1]
			if n, err := strconv.ParseFloat(strings.TrimRight(descriptor, "wx"), 64); err == nil {
				score = n
			}
		}
		if score > bestScore {
			best, bestScore = fields[0], score
		}
	}
	return best
}
