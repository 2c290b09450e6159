package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

var supportedProtocols = map[string]bool{"http": true, "https": true, "socks5": true}

type yamlEntry struct {
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ParseList reads proxy definitions from either a YAML list or plain text with
// one "[scheme://][user:pass@]host:port" entry per line. Blank lines and lines
// starting with # are ignored. Returned endpoints have no ID yet.
func ParseList(data []byte) ([]crawler.ProxyEndpoint, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-")) {
		return parseYAML(trimmed)
	}

	var out []crawler.ProxyEndpoint
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		endpoint, err := ParseLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, endpoint)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan proxy list: %w", err)
	}
	return out, nil
}

// ParseLine parses a single proxy URL or host:port pair.
func ParseLine(text string) (crawler.ProxyEndpoint, error) {
	if !strings.Contains(text, "://") {
		text = "http://" + text
	}
	u, err := url.Parse(text)
	if err != nil {
		return crawler.ProxyEndpoint{}, fmt.Errorf("parse proxy %q: %w", text, err)
	}
	endpoint := crawler.ProxyEndpoint{
		Address:  u.Host,
		Protocol: strings.ToLower(u.Scheme),
		Active:   true,
	}
	if u.User != nil {
		endpoint.Username = u.User.Username()
		endpoint.Password, _ = u.User.Password()
	}
	return endpoint, validate(endpoint)
}

func parseYAML(data []byte) ([]crawler.ProxyEndpoint, error) {
	var entries []yamlEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode proxy yaml: %w", err)
	}
	out := make([]crawler.ProxyEndpoint, 0, len(entries))
	for i, entry := range entries {
		protocol := strings.ToLower(entry.Protocol)
		if protocol == "" {
			protocol = "http"
		}
		endpoint := crawler.ProxyEndpoint{
			Address:  strings.TrimSpace(entry.Address),
			Protocol: protocol,
			Username: entry.Username,
			Password: entry.Password,
			Active:   true,
		}
		if err := validate(endpoint); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, endpoint)
	}
	return out, nil
}

func validate(endpoint crawler.ProxyEndpoint) error {
	if !supportedProtocols[endpoint.Protocol] {
		return fmt.Errorf("unsupported proxy protocol %q", endpoint.Protocol)
	}
	host, port, err := net.SplitHostPort(endpoint.Address)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("proxy address %q must be host:port", endpoint.Address)
	}
	return nil
}
