// Package web gives the model reach beyond the fleet: Brave web search and
// readable-text extraction for a single URL.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-shiori/go-readability"

	alfred "github.com/0xcha05/alfred"
)

const (
	braveEndpoint = "https://api.search.brave.com/res/v1/web/search"
	searchCount   = 8
	bodyByteCap   = 1 << 20
	textCap       = 8000
	userAgent     = "Mozilla/5.0 (compatible; AlfredBot/1.0)"
)

// Tool implements web_search and fetch_url.
type Tool struct {
	apiKey     string
	client     *http.Client
	logger     *slog.Logger
	searchBase string // overridden in tests
}

var _ alfred.Tool = (*Tool)(nil)

// Option configures the web tool.
type Option func(*Tool)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the web tool. An empty Brave key leaves web_search reporting
// itself unconfigured instead of failing mid-turn with a 401.
func New(braveAPIKey string, opts ...Option) *Tool {
	t := &Tool{
		apiKey:     braveAPIKey,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     alfred.NopLogger,
		searchBase: braveEndpoint,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []alfred.ToolDefinition {
	return []alfred.ToolDefinition{
		{
			Name:        "web_search",
			Description: "Search the web for current information: news, prices, weather, documentation, anything that needs up-to-date data.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"query":{"type":"string","description":"Search query optimized for a search engine"}
			},"required":["query"]}`),
		},
		{
			Name:        "fetch_url",
			Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"url":{"type":"string","description":"URL to fetch"}
			},"required":["url"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (alfred.ToolResult, error) {
	switch name {
	case "web_search":
		var p struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return alfred.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		content, err := t.Search(ctx, p.Query)
		if err != nil {
			return alfred.ToolResult{Error: err.Error()}, nil
		}
		return alfred.ToolResult{Content: content}, nil

	case "fetch_url":
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return alfred.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		content, err := t.Fetch(ctx, p.URL)
		if err != nil {
			return alfred.ToolResult{Error: err.Error()}, nil
		}
		if len(content) > textCap {
			content = content[:textCap] + "\n... (truncated)"
		}
		return alfred.ToolResult{Content: content}, nil

	default:
		return alfred.ToolResult{Error: "unknown web tool: " + name}, nil
	}
}

// Search queries Brave and returns a numbered result list with sources.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	if t.apiKey == "" {
		return "", fmt.Errorf("web search is not configured (missing Brave API key)")
	}

	u := fmt.Sprintf("%s?q=%s&count=%d", t.searchBase, url.QueryEscape(query), searchCount)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &alfred.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("brave parse error: %w", err)
	}
	if len(data.Web.Results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	var out strings.Builder
	for i, r := range data.Web.Results {
		fmt.Fprintf(&out, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&out, "   %s\n", r.Description)
		}
		out.WriteByte('\n')
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

// Fetch downloads a URL and extracts readable text. Readability does the
// heavy lifting; a plain tag strip covers pages it cannot parse.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyByteCap))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	t.logger.Debug("readability extraction failed, stripping tags", "url", rawURL, "error", err)
	return stripTags(html), nil
}

// stripTags removes markup, skipping script and style bodies entirely, and
// collapses runs of whitespace. Last-resort extraction only.
func stripTags(html string) string {
	var out strings.Builder
	out.Grow(len(html))

	inTag, skip := false, false
	var tag strings.Builder
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			tag.Reset()
		case inTag:
			if r == '>' {
				inTag = false
				name := ""
				if fields := strings.Fields(strings.TrimSuffix(tag.String(), "/")); len(fields) > 0 {
					name = strings.ToLower(fields[0])
				}
				switch name {
				case "script", "style":
					skip = true
				case "/script", "/style":
					skip = false
				case "p", "/p", "br", "div", "/div", "li", "/li", "h1", "h2", "h3", "/h1", "/h2", "/h3", "tr", "/tr":
					out.WriteByte('\n')
				}
			} else {
				tag.WriteRune(r)
			}
		case skip:
		default:
			out.WriteRune(r)
		}
	}
	return collapseSpace(out.String())
}

func collapseSpace(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	lastSpace, lastNewline := false, false
	for _, r := range s {
		switch {
		case r == '\n':
			if !lastNewline {
				out.WriteByte('\n')
			}
			lastNewline, lastSpace = true, true
		case unicode.IsSpace(r):
			if !lastSpace {
				out.WriteByte(' ')
			}
			lastSpace = true
		default:
			out.WriteRune(r)
			lastSpace, lastNewline = false, false
		}
	}
	return strings.TrimSpace(out.String())
}
