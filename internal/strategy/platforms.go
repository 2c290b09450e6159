package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

const instagramAppID = "936619743392459"

var (
	instagramCDN = regexp.MustCompile(`https://[a-z0-9.-]*(?:cdninstagram\.com|fbcdn\.net)/[^\s"'<>\\]+`)
	twitterCDN   = regexp.MustCompile(`https://pbs\.twimg\.com/(?:profile_images|profile_banners|media)/[^\s"'<>\\]+`)
	tiktokCDN    = regexp.MustCompile(`https://[a-z0-9.-]*tiktokcdn(?:-us|-eu)?\.com/[^\s"'<>\\]+`)
	facebookCDN  = regexp.MustCompile(`https://[a-z0-9.-]*fbcdn\.net/[^\s"'<>\\]+`)
)

// Platforms returns the built-in social platform descriptors keyed by kind.
func Platforms() map[crawler.SourceKind]Platform {
	return map[crawler.SourceKind]Platform{
		crawler.SourceKindInstagram: Instagram(),
		crawler.SourceKindTwitter:   Twitter(),
		crawler.SourceKindTikTok:    TikTok(),
		crawler.SourceKindFacebook:  Facebook(),
	}
}

// Instagram scrapes public instagram profiles.
func Instagram() Platform {
	return Platform{
		Kind:       crawler.SourceKindInstagram,
		Hosts:      []string{"instagram.com", "instagr.am"},
		ProfileURL: func(username string) string { return "https://www.instagram.com/" + username + "/" },
		CDN:        instagramCDN,
		Classify: func(imageURL string) (crawler.ContextTag, bool) {
			// t51.2885-19 is the profile picture bucket.
			if strings.Contains(imageURL, "/t51.2885-19/") {
				return crawler.ContextProfile, true
			}
			return "", false
		},
		Official:   instagramOfficial,
		MirrorPath: "/profile/{username}",
		DefaultMirrors: []string{
			"https://www.picuki.com/profile/{username}",
			"https://imginn.com/{username}/",
		},
		Followers: instagramFollowers,
	}
}

func instagramHeaders(cookie string) http.Header {
	h := http.Header{}
	h.Set("X-IG-App-ID", instagramAppID)
	h.Set("Accept", "application/json")
	h.Set("X-Requested-With", "XMLHttpRequest")
	if cookie != "" {
		h.Set("Cookie", "sessionid="+cookie)
	}
	return h
}

type instagramProfileInfo struct {
	Data struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"data"`
}

func instagramProfileInfoURL(username string) string {
	return "https://i.instagram.com/api/v1/users/web_profile_info/?username=" + url.QueryEscape(username)
}

func instagramOfficial(ctx context.Context, s *Session, username string) ([]crawler.CandidateImage, error) {
	resp, err := s.Fetch(ctx, Request{
		URL:     instagramProfileInfoURL(username),
		Referer: "https://www.instagram.com/" + username + "/",
		Headers: instagramHeaders(""),
	})
	if err != nil {
		return nil, err
	}
	return extractJSON(resp.Body, "https://www.instagram.com/"+username+"/"), nil
}

type instagramFollowerPage struct {
	Users []struct {
		Username      string `json:"username"`
		ProfilePicURL string `json:"profile_pic_url"`
	} `json:"users"`
	NextMaxID string `json:"next_max_id"`
}

func instagramFollowers(ctx context.Context, s *Session, username string, limit int) ([]Connection, error) {
	headers := instagramHeaders(s.Cookie)
	resp, err := s.Fetch(ctx, Request{URL: instagramProfileInfoURL(username), Headers: headers, Attempts: 1})
	if err != nil {
		return nil, fmt.Errorf("resolve user id: %w", err)
	}
	var info instagramProfileInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil || info.Data.User.ID == "" {
		return nil, fmt.Errorf("resolve user id: unexpected profile payload")
	}

	var (
		out    []Connection
		cursor string
	)
	for len(out) < limit {
		q := url.Values{}
		q.Set("count", fmt.Sprint(min(limit-len(out), 50)))
		if cursor != "" {
			q.Set("max_id", cursor)
		}
		pageURL := "https://i.instagram.com/api/v1/friendships/" + info.Data.User.ID + "/followers/?" + q.Encode()
		resp, err := s.Fetch(ctx, Request{URL: pageURL, Headers: headers, Attempts: 1})
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		var page instagramFollowerPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return out, fmt.Errorf("decode followers: %w", err)
		}
		for _, user := range page.Users {
			out = append(out, Connection{Username: user.Username, PictureURL: user.ProfilePicURL})
		}
		if page.NextMaxID == "" || len(page.Users) == 0 {
			break
		}
		cursor = page.NextMaxID
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var twitterSizeSuffix = regexp.MustCompile(`_(normal|bigger|mini)\.(jpe?g|png|webp)$`)

// Twitter scrapes public X/twitter profiles.
func Twitter() Platform {
	return Platform{
		Kind:       crawler.SourceKindTwitter,
		Hosts:      []string{"twitter.com", "x.com", "nitter.net", "xcancel.com"},
		ProfileURL: func(username string) string { return "https://x.com/" + username },
		CDN:        twitterCDN,
		Classify: func(imageURL string) (crawler.ContextTag, bool) {
			switch {
			case strings.Contains(imageURL, "/profile_images/"):
				return crawler.ContextProfile, true
			case strings.Contains(imageURL, "/profile_banners/"):
				return crawler.ContextCover, true
			case strings.Contains(imageURL, "pbs.twimg.com/media/"):
				return crawler.ContextPost, true
			}
			return "", false
		},
		Rewrite: twitterRewrite,
		Official: func(ctx context.Context, s *Session, username string) ([]crawler.CandidateImage, error) {
			pageURL := "https://syndication.twitter.com/srv/timeline-profile/screen-name/" + url.PathEscape(username)
			resp, err := s.Fetch(ctx, Request{URL: pageURL})
			if err != nil {
				return nil, err
			}
			return extractStructured(resp.Body, pageURL, twitterCDN), nil
		},
		MirrorPath: "/{username}",
		DefaultMirrors: []string{
			"https://nitter.net/{username}",
			"https://xcancel.com/{username}",
		},
	}
}

// twitterRewrite unwraps nitter /pic/ proxies and asks for the 400px avatar.
func twitterRewrite(imageURL string) string {
	if u := resolveBase(imageURL); u != nil && strings.HasPrefix(u.EscapedPath(), "/pic/") {
		inner, err := url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/pic/"))
		if err == nil {
			inner = strings.TrimPrefix(inner, "orig/")
			if !strings.HasPrefix(inner, "http") {
				inner = "https://pbs.twimg.com/" + strings.TrimPrefix(inner, "/")
			}
			imageURL = inner
		}
	}
	return twitterSizeSuffix.ReplaceAllString(imageURL, "_400x400.$2")
}

// TikTok scrapes public tiktok profiles.
func TikTok() Platform {
	return Platform{
		Kind:       crawler.SourceKindTikTok,
		Hosts:      []string{"tiktok.com"},
		ProfileURL: func(username string) string { return "https://www.tiktok.com/@" + username },
		CDN:        tiktokCDN,
		Classify: func(imageURL string) (crawler.ContextTag, bool) {
			if strings.Contains(imageURL, "avt-") || strings.Contains(imageURL, "/avatar") {
				return crawler.ContextProfile, true
			}
			return "", false
		},
		Official: func(ctx context.Context, s *Session, username string) ([]crawler.CandidateImage, error) {
			profile := "https://www.tiktok.com/@" + username
			resp, err := s.Fetch(ctx, Request{
				URL:     "https://www.tiktok.com/oembed?url=" + url.QueryEscape(profile),
				Headers: http.Header{"Accept": {"application/json"}},
			})
			if err != nil {
				return nil, err
			}
			return extractJSON(resp.Body, profile), nil
		},
		MirrorPath: "/@{username}",
		DefaultMirrors: []string{
			"https://proxitok.pabloferreiro.es/@{username}",
		},
	}
}

type facebookPicture struct {
	Data struct {
		URL          string `json:"url"`
		IsSilhouette bool   `json:"is_silhouette"`
	} `json:"data"`
}

// Facebook scrapes public facebook pages and profiles.
func Facebook() Platform {
	return Platform{
		Kind:       crawler.SourceKindFacebook,
		Hosts:      []string{"facebook.com", "fb.com"},
		ProfileURL: func(username string) string { return "https://www.facebook.com/" + username },
		CDN:        facebookCDN,
		Official: func(ctx context.Context, s *Session, username string) ([]crawler.CandidateImage, error) {
			resp, err := s.Fetch(ctx, Request{
				URL:     "https://graph.facebook.com/" + url.PathEscape(username) + "/picture?type=large&redirect=false",
				Headers: http.Header{"Accept": {"application/json"}},
			})
			if err != nil {
				return nil, err
			}
			var pic facebookPicture
			if err := json.Unmarshal(resp.Body, &pic); err != nil {
				return nil, fmt.Errorf("decode graph picture: %w", err)
			}
			if pic.Data.URL == "" || pic.Data.IsSilhouette {
				return nil, nil
			}
			return []crawler.CandidateImage{{
				ImageURL:   pic.Data.URL,
				PageURL:    "https://www.facebook.com/" + username,
				ContextTag: crawler.ContextProfile,
			}}, nil
		},
		ParseUsername: parseFacebookUsername,
	}
}

func parseFacebookUsername(address string) (string, error) {
	if u := resolveBase(strings.TrimSpace(address)); u != nil && u.Host != "" && strings.Trim(u.Path, "/") == "profile.php" {
		if !hostMatches(u.Hostname(), []string{"facebook.com", "fb.com"}) {
			return "", fmt.Errorf("address %q is not on facebook.com", address)
		}
		if id := u.Query().Get("id"); usernamePattern.MatchString(id) {
			return id, nil
		}
		return "", fmt.Errorf("invalid profile id in %q", address)
	}
	return parseUsername(address, []string{"facebook.com", "fb.com"})
}
