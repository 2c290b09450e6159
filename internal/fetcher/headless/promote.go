package headless

import (
	"bytes"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// ShellDetector decides when a plain HTTP page is an unrendered JavaScript
// shell that should be fetched again through the browser.
type ShellDetector struct {
	// MinBodyBytes marks smaller script-heavy bodies as shells.
	MinBodyBytes int
	// MinImages is the image count at which a page is kept as fetched.
	MinImages int
}

// NewShellDetector returns a detector with the given thresholds. Zero values
// select 2 KiB and one image.
func NewShellDetector(minBodyBytes, minImages int) *ShellDetector {
	if minBodyBytes <= 0 {
		minBodyBytes = 2048
	}
	if minImages <= 0 {
		minImages = 1
	}
	return &ShellDetector{MinBodyBytes: minBodyBytes, MinImages: minImages}
}

var mountPoints = []string{
	"#__next",
	"#__nuxt",
	"#root",
	"#app",
	"[data-reactroot]",
	"[ng-version]",
}

// ShouldPromote reports whether resp looks like a client-rendered page with
// too few images in its static markup.
func (d *ShellDetector) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.Rendered {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if doc.Find("img[src], img[data-src], source[srcset]").Length() >= d.MinImages {
		return false
	}
	for _, sel := range mountPoints {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return len(resp.Body) < d.MinBodyBytes && scriptShare(doc, len(resp.Body)) >= 0.25
}

// scriptShare is the fraction of the body taken by inline script text.
func scriptShare(doc *goquery.Document, total int) float64 {
	if total == 0 {
		return 0
	}
	scripted := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripted += len(s.Text())
	})
	return float64(scripted) / float64(total)
}
