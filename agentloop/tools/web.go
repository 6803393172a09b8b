package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/martinemde/crow/llm"
)

const (
	fetchUserAgent     = "crow-agent/0.1"
	maxFetchBytes      = 5 << 20
	maxFetchChars      = 50000
	defaultSearchLimit = 5
	webTimeout         = 30 * time.Second
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: webTimeout}
}

func fetchTool(client *http.Client) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "fetch",
			Description: "Fetch a URL and return its content as Markdown. Useful for reading web pages, APIs or documentation.",
			Parameters: objectSchema(map[string]property{
				"url": {"string", "The URL to fetch. https:// is assumed when no scheme is given."},
			}, "url"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			target, err := args.RequiredString("url")
			if err != nil {
				return "", err
			}
			return fetchURL(ctx, client, target)
		},
	}
}

func fetchURL(ctx context.Context, client *http.Client, target string) (string, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var content string
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var buf bytes.Buffer
		if json.Indent(&buf, body, "", "  ") != nil {
			buf.Reset()
			buf.Write(body)
		}
		content = "```json\n" + buf.String() + "\n```"
	case strings.HasPrefix(mediaType, "text/") && mediaType != "text/html":
		content = string(body)
	default:
		content = htmlToMarkdown(string(body))
	}

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("no content found at %s", target)
	}
	if r := []rune(content); len(r) > maxFetchChars {
		content = string(r[:maxFetchChars]) + fmt.Sprintf("\n\n[Content truncated at %d characters]", maxFetchChars)
	}
	return content, nil
}

// skippedElements never contribute text.
var skippedElements = map[string]bool{
	"script": true, "style": true, "head": true, "nav": true,
	"footer": true, "aside": true, "svg": true, "noscript": true,
}

// htmlToMarkdown renders the readable part of a page as Markdown: headings,
// paragraphs, list items, links, emphasis and code.
func htmlToMarkdown(src string) string {
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(src))
	skip := 0
	var hrefs []string
	pre := false

	newline := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		tok := z.Token()
		switch tt {
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := tok.Data
			if !pre {
				text = collapseSpace(text)
				if sb.Len() == 0 || strings.HasSuffix(sb.String(), "\n") || strings.HasSuffix(sb.String(), " ") {
					text = strings.TrimLeft(text, " ")
				}
			}
			sb.WriteString(text)

		case html.StartTagToken, html.SelfClosingTagToken:
			name := tok.Data
			if skippedElements[name] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			switch name {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteString("\n\n" + strings.Repeat("#", int(name[1]-'0')) + " ")
			case "p", "div", "section", "article", "tr":
				newline()
			case "br":
				sb.WriteByte('\n')
			case "li":
				newline()
				sb.WriteString("- ")
			case "pre":
				pre = true
				sb.WriteString("\n```\n")
			case "code":
				if !pre {
					sb.WriteByte('`')
				}
			case "strong", "b":
				sb.WriteString("**")
			case "em", "i":
				sb.WriteByte('*')
			case "a":
				hrefs = append(hrefs, attr(tok.Attr, "href"))
				sb.WriteByte('[')
			}

		case html.EndTagToken:
			name := tok.Data
			if skippedElements[name] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			switch name {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteString("\n\n")
			case "p", "div", "section", "article", "li", "tr":
				newline()
			case "pre":
				pre = false
				sb.WriteString("\n```\n")
			case "code":
				if !pre {
					sb.WriteByte('`')
				}
			case "strong", "b":
				sb.WriteString("**")
			case "em", "i":
				sb.WriteByte('*')
			case "a":
				href := ""
				if n := len(hrefs); n > 0 {
					href, hrefs = hrefs[n-1], hrefs[:n-1]
				}
				if href == "" {
					sb.WriteByte(']')
				} else {
					sb.WriteString("](" + href + ")")
				}
			}
		}
	}
	return collapseBlankLines(sb.String())
}

// collapseSpace replaces each run of whitespace with a single space.
func collapseSpace(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' {
			space = true
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(r)
	}
	if space {
		sb.WriteByte(' ')
	}
	return sb.String()
}

func attr(attrs []html.Attribute, name string) string {
	for _, a := range attrs {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// collapseBlankLines trims each line's trailing space and keeps at most one
// blank line in a row.
func collapseBlankLines(s string) string {
	var out []string
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

type searxResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
	Infoboxes []struct {
		Infobox string `json:"infobox"`
		ID      string `json:"id"`
		Content string `json:"content"`
	} `json:"infoboxes"`
}

func webSearchTool(client *http.Client, baseURL string) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name: "web_search",
			Description: "Search the web for current information, facts or documentation. " +
				"Returns titles, links and snippets; use fetch to read a result in full.",
			Parameters: objectSchema(map[string]property{
				"query": {"string", "The search query."},
				"limit": {"integer", "Maximum number of results. Default: 5."},
			}, "query"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			query, err := args.RequiredString("query")
			if err != nil {
				return "", err
			}
			limit, ok := args.Int("limit")
			if !ok || limit <= 0 {
				limit = defaultSearchLimit
			}
			return searxSearch(ctx, client, baseURL, query, limit)
		},
	}
}

// searxSearch queries a SearXNG instance's JSON API.
func searxSearch(ctx context.Context, client *http.Client, baseURL, query string, limit int) (string, error) {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/search?" + url.Values{"q": {query}, "format": {"json"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search failed: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var data searxResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFetchBytes)).Decode(&data); err != nil {
		return "", fmt.Errorf("decode search results: %w", err)
	}

	var sb strings.Builder
	for _, box := range data.Infoboxes {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", box.Infobox, strings.TrimSpace(box.Content))
	}
	n := 0
	for _, r := range data.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		if n == limit {
			break
		}
		n++
		fmt.Fprintf(&sb, "- [%s](%s)", r.Title, r.URL)
		if snippet := strings.TrimSpace(r.Content); snippet != "" {
			sb.WriteString(" - " + snippet)
		}
		sb.WriteByte('\n')
	}
	if sb.Len() == 0 {
		return "No results found.", nil
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}
