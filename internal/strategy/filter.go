package strategy

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// nonFaceName matches filenames that are almost never photos of people.
var nonFaceName = regexp.MustCompile(
	`(?i)(^|[/_.\-])(icon|icons|logo|logos|sprite|sprites|favicon|badge|emoji|spinner|loader|loading|placeholder|` +
		`pixel|spacer|blank|arrow|button|btn|banner-ad|advert|ads|tracking|social-share|share|star|rating|flag|` +
		`background|bg|pattern|divider|caret|chevron)([/_.\-]|\d|$)`,
)

var skippedExtensions = map[string]struct{}{
	".svg": {}, ".ico": {}, ".cur": {}, ".css": {}, ".js": {}, ".pdf": {},
}

// defaultBlockedHosts are ad and analytics hosts whose images are beacons.
var defaultBlockedHosts = []string{
	"*.doubleclick.net",
	"*.google-analytics.com",
	"*.googletagmanager.com",
	"*.googlesyndication.com",
	"*.scorecardresearch.com",
	"*.quantserve.com",
	"pixel.facebook.com",
	"*.adsrvr.org",
	"*.criteo.com",
	"*.gravatar.com",
}

// ImageFilter drops references that are obviously not face photos.
type ImageFilter struct {
	blocked *hostPatternList
	minSide int
}

// NewImageFilter builds a filter. Extra host patterns accept "*.example.com" or
// exact hosts. minSide drops <img> tags whose declared width or height is
// smaller (0 keeps everything).
func NewImageFilter(extraBlockedHosts []string, minSide int) *ImageFilter {
	return &ImageFilter{
		blocked: newHostPatternList(append(append([]string(nil), defaultBlockedHosts...), extraBlockedHosts...)),
		minSide: minSide,
	}
}

// Keep reports whether an image URL may be a face photo.
func (f *ImageFilter) Keep(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if f != nil && f.blocked.matches(u.Hostname()) {
		return false
	}
	p := strings.ToLower(u.Path)
	if _, skip := skippedExtensions[path.Ext(p)]; skip {
		return false
	}
	return !nonFaceName.MatchString(p)
}

// KeepDimensions reports whether declared width/height attributes allow a face.
func (f *ImageFilter) KeepDimensions(width, height string) bool {
	if f == nil || f.minSide <= 0 {
		return true
	}
	for _, raw := range []string{width, height} {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "px"))
		if err == nil && n > 0 && n < f.minSide {
			return false
		}
	}
	return true
}

// hostPatternList stores exact hosts and suffix wildcards.
type hostPatternList struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatternList(patterns []string) *hostPatternList {
	list := &hostPatternList{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			list.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			list.addSuffix(strings.TrimPrefix(value, "."))
		default:
			list.exact[value] = struct{}{}
		}
	}
	return list
}

func (l *hostPatternList) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing == suffix {
			return
		}
	}
	l.suffixes = append(l.suffixes, suffix)
}

func (l *hostPatternList) matches(host string) bool {
	if l == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
