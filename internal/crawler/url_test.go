package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://Example.COM:443/a?b=2&a=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a?a=1&b=2", got)

	got, err = NormalizeURL("http://example.com:80/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", got)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/team/index.html")
	require.NoError(t, err)

	cases := []struct {
		ref  string
		want string
		ok   bool
	}{
		{"/img/a.jpg", "https://example.com/img/a.jpg", true},
		{"b.png", "https://example.com/team/b.png", true},
		{"//cdn.example.com/c.jpg", "https://cdn.example.com/c.jpg", true},
		{"data:image/png;base64,AAAA", "", false},
		{"javascript:void(0)", "", false},
		{"mailto:someone@example.com", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := Resolve(base, tc.ref)
		assert.Equal(t, tc.ok, ok, tc.ref)
		assert.Equal(t, tc.want, got, tc.ref)
	}
}

func TestSanitizeSourceName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acme_corp_team", SanitizeSourceName("  Acme Corp / Team "))
	assert.Equal(t, "source", SanitizeSourceName("../.."))
	assert.Equal(t, "jane.doe", SanitizeSourceName("Jane.Doe"))
}

func TestSourceAddressesAndValidate(t *testing.T) {
	t.Parallel()

	src := Source{
		Name:    "ig",
		Kind:    SourceKindInstagram,
		BaseURL: "https://www.instagram.com/alice/",
		Config:  CrawlConfig{Profiles: []string{"bob", "https://www.instagram.com/alice/", ""}},
	}
	assert.Equal(t, []string{"https://www.instagram.com/alice/", "bob"}, src.Addresses())
	require.NoError(t, src.Validate())

	bad := Source{Name: "site", Kind: SourceKindWebsite, BaseURL: "example.com"}
	require.Error(t, bad.Validate())

	unknown := Source{Name: "x", Kind: "myspace", BaseURL: "https://myspace.com"}
	require.Error(t, unknown.Validate())
}

func TestProxyEndpointURL(t *testing.T) {
	t.Parallel()

	p := ProxyEndpoint{Address: "10.0.0.1:8080", Protocol: "socks5", Username: "u", Password: "p"}
	assert.Equal(t, "socks5://u:p@10.0.0.1:8080", p.URL())
	assert.Equal(t, "http://10.0.0.2:3128", ProxyEndpoint{Address: "10.0.0.2:3128"}.URL())
}
