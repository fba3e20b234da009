package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	apperrors "llmops/internal/errors"
)

const maxFetchBytes = 10 << 20

// Page is the text extracted from a fetched URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

type fetcher struct {
	client *http.Client
}

// Fetch downloads rawURL and extracts its text. HTML is reduced to its
// readable text; text/* and JSON bodies are kept as is.
func (f *fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := neturl.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, apperrors.InvalidInput("url must be an absolute http(s) URL: %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "llmops-dataset-fetcher/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.NewAPIError(http.StatusBadGateway, fmt.Sprintf("fetch %s: %v", rawURL, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewAPIError(http.StatusBadGateway, fmt.Sprintf("fetch %s: HTTP %d", rawURL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(body) > maxFetchBytes {
		return nil, apperrors.InvalidInput("document at %s exceeds %d bytes", rawURL, maxFetchBytes)
	}

	page := &Page{URL: resp.Request.URL.String()}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || (mediaType == "" && looksLikeHTML(body)):
		page.Title, page.Text, err = htmlToText(body)
		if err != nil {
			return nil, fmt.Errorf("parse HTML from %s: %w", rawURL, err)
		}
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json", mediaType == "":
		page.Text = string(body)
	default:
		return nil, apperrors.InvalidInput("unsupported content type %q at %s", mediaType, rawURL)
	}
	return page, nil
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// htmlToText keeps the readable text of a page, one block per line.
func htmlToText(body []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}

	doc.Find("script, style, noscript, nav, footer, header, aside, iframe, svg").Remove()
	title = strings.TrimSpace(doc.Find("title").First().Text())

	var sb strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are emitted by their innermost match.
		if s.Find("p, li, pre, blockquote").Length() > 0 {
			return
		}
		line := strings.Join(strings.Fields(s.Text()), " ")
		if line == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(line)
	})

	if sb.Len() == 0 {
		return title, strings.Join(strings.Fields(doc.Find("body").Text()), " "), nil
	}
	return title, sb.String(), nil
}
