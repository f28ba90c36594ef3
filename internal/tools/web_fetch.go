package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	defaultFetchMaxChars = 50000
	fetchMaxRedirects    = 5
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// blockedHosts are hostnames never fetched regardless of resolution.
var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
}

// WebFetchTool fetches a URL and returns extracted text, with an SSRF
// guard rejecting private and link-local destinations.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	t := &WebFetchTool{maxChars: maxChars}
	t.client = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			// Re-check every hop; redirects can point back inside.
			return checkSSRF(req.URL)
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its text content. Use for reading documentation, articles, or APIs."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult(errJSON("url is required"))
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ErrorResult(errJSON("invalid url"))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrorResult(errJSON("only http and https urls are supported"))
	}
	if err := checkSSRF(u); err != nil {
		return ErrorResult(errJSON(err.Error()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ErrorResult(errJSON(err.Error()))
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json,text/plain,*/*")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("fetch failed: %v", err)))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ErrorResult(errJSON(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxChars)*4))
	if err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("read failed: %v", err)))
	}

	contentType := resp.Header.Get("Content-Type")
	text := string(body)
	if strings.Contains(contentType, "text/html") {
		text = extractText(text)
	}

	truncated := false
	if len(text) > t.maxChars {
		text = text[:t.maxChars]
		truncated = true
	}
	out, _ := json.Marshal(map[string]any{
		"url":       u.String(),
		"content":   text,
		"truncated": truncated,
	})
	return NewResult(string(out))
}

// checkSSRF rejects URLs whose hostname is blocked or resolves to a
// private, loopback, or link-local address.
func checkSSRF(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	for _, blocked := range blockedHosts {
		if host == blocked {
			return fmt.Errorf("blocked host: %s", host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("blocked private address: %s", host)
		}
		return nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("could not resolve host: %s", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("host %s resolves to a private address", host)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.Equal(net.IPv4(0, 0, 0, 0))
}

// extractText strips tags from an HTML document, skipping script, style,
// and other non-content elements.
func extractText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				b.WriteString(s)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String())
}
