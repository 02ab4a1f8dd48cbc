package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/seanchangg/dyno/internal/policy"
)

const (
	maxFetchRedirects = 10
	maxFetchBytes     = 2 << 20 // 2 MB
	maxFetchChars     = 8000
	userAgent         = "Dyno/1.0 (personal agent gateway)"
)

// RegisterWebTools adds fetch_url and web_search. Both route every URL
// (including redirect hops) through the policy URL filter.
func RegisterWebTools(reg *Registry, pol policy.Policy) {
	reg.MustRegister(Tool{
		Name:        "fetch_url",
		Description: "Fetch a web page and return its content as simplified plain text. Use for articles, documentation, or any readable page.",
		ReadOnly:    true,
		Schema: objectSchema(map[string]any{
			"url": stringProp("The absolute http(s) URL to fetch."),
		}, "url"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return fetchURL(ctx, in.URL, pol)
		},
	})

	reg.MustRegister(Tool{
		Name:        "web_search",
		Description: "Search the web and return the top results with titles, URLs, and snippets.",
		ReadOnly:    true,
		Schema: objectSchema(map[string]any{
			"query": stringProp("The search query."),
		}, "query"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return webSearch(ctx, in.Query, pol)
		},
	})
}

func fetchURL(ctx context.Context, rawURL string, pol policy.Policy) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}
	if !pol.AllowHTTPURL(rawURL) {
		return "", fmt.Errorf("policy denied URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
			}
			if redirect := req.URL.String(); !pol.AllowHTTPURL(redirect) {
				return fmt.Errorf("policy denied redirect URL %q", redirect)
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d for %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}

	content := htmlToText(string(body))
	if len(content) > maxFetchChars {
		content = content[:maxFetchChars] + "\n\n[Content truncated]"
	}
	return content, nil
}

func webSearch(ctx context.Context, query string, pol policy.Policy) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("empty search query")
	}
	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	if !pol.AllowHTTPURL(searchURL) {
		return "", fmt.Errorf("policy denied search URL %q", searchURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	results := parseSearchResults(string(body))
	if len(results) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.title, r.url, r.snippet)
	}
	return b.String(), nil
}

type searchResult struct {
	title   string
	url     string
	snippet string
}

// The DuckDuckGo HTML endpoint wraps result URLs in a redirect with the
// real target in the uddg query parameter.
var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseSearchResults(html string) []searchResult {
	links := reResultLink.FindAllStringSubmatch(html, 10)
	snippets := reResultSnippet.FindAllStringSubmatch(html, 10)

	var results []searchResult
	for i, link := range links {
		if len(link) < 3 {
			continue
		}
		rawURL := link[1]
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}
		snippet := ""
		if i < len(snippets) && len(snippets[i]) >= 2 {
			snippet = stripTags(snippets[i][1])
		}
		results = append(results, searchResult{
			title:   stripTags(link[2]),
			url:     rawURL,
			snippet: snippet,
		})
		if len(results) >= 5 {
			break
		}
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(reTag.ReplaceAllString(s, ""))
}

// htmlToText converts HTML to simplified plain text without a browser.
func htmlToText(html string) string {
	reScript := regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	html = reScript.ReplaceAllString(html, "")

	reStyle := regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	html = reStyle.ReplaceAllString(html, "")

	reComment := regexp.MustCompile(`(?s)<!--.*?-->`)
	html = reComment.ReplaceAllString(html, "")

	blockTags := regexp.MustCompile(`(?i)</?(?:div|p|br|h[1-6]|li|tr|td|th|blockquote|pre|hr)[^>]*>`)
	html = blockTags.ReplaceAllString(html, "\n")

	html = reTag.ReplaceAllString(html, "")

	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&lt;", "<")
	html = strings.ReplaceAll(html, "&gt;", ">")
	html = strings.ReplaceAll(html, "&quot;", "\"")
	html = strings.ReplaceAll(html, "&#39;", "'")
	html = strings.ReplaceAll(html, "&nbsp;", " ")

	reSpaces := regexp.MustCompile(`[ \t]+`)
	html = reSpaces.ReplaceAllString(html, " ")

	reNewlines := regexp.MustCompile(`\n{3,}`)
	html = reNewlines.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
