package extractor

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/RadhiFadlillah/whatlanggo"
	readability "github.com/go-shiori/go-readability"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/models"
)

// Extraction mode recorded on each result
const (
	ModePrimary   = "primary"
	ModeAlternate = "alternate"
	ModePlaintext = "plaintext"
)

// Chrome elements removed before the content region is selected
const strippedElements = "script, style, nav, footer, aside, header, noscript, iframe, form"

// Content region cascade, most specific first
const contentSelectors = "main, article, [role=main], .content, .main-content, #content, #main"

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Result represents extracted page content ready for quality scoring
type Result struct {
	Title        string   `json:"title"`
	Markdown     string   `json:"markdown"`
	Text         string   `json:"text"`
	TextLength   int      `json:"text_length"` // rune count of Text
	HTMLLength   int      `json:"html_length"` // byte length of the source HTML
	Language     string   `json:"language"`    // ISO 639-1, empty when unknown
	Outlinks     []string `json:"outlinks"`
	OutlinkCount int      `json:"outlink_count"`
	Mode         string   `json:"mode"`
}

// Extractor converts fetched HTML into markdown content and outlinks
type Extractor struct {
	logger arbor.ILogger
}

// New creates an extractor
func New(logger arbor.ILogger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract runs the primary parser: chrome elements are stripped, the main
// content region is located via the selector cascade, and its subtree is
// converted to markdown. Outlinks are harvested from the full document
// before stripping so navigation links survive.
func (e *Extractor) Extract(html string, sourceURL string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &models.ExtractionError{URL: sourceURL, Err: err}
	}

	title := extractTitle(doc)
	outlinks := e.extractOutlinks(doc, sourceURL)

	doc.Find(strippedElements).Remove()

	content := doc.Find(contentSelectors).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	if content.Length() == 0 {
		content = doc.Selection
	}

	converter := md.NewConverter(sourceURL, true, nil)
	markdown := cleanMarkdown(converter.Convert(content))

	text := collapseWhitespace(content.Text())

	result := &Result{
		Title:        title,
		Markdown:     markdown,
		Text:         text,
		TextLength:   utf8.RuneCountInString(text),
		HTMLLength:   len(html),
		Language:     detectLanguage(text),
		Outlinks:     outlinks,
		OutlinkCount: len(outlinks),
		Mode:         ModePrimary,
	}

	e.logger.Trace().
		Str("source_url", sourceURL).
		Str("title", title).
		Int("text_length", result.TextLength).
		Int("outlinks", result.OutlinkCount).
		Msg("Primary extraction complete")

	return result, nil
}

// ExtractAlternate runs the readability parser, used to re-extract pages the
// quality gate scored as marginal.
func (e *Extractor) ExtractAlternate(html string, sourceURL string) (*Result, error) {
	pageURL, err := url.Parse(sourceURL)
	if err != nil {
		return nil, &models.ExtractionError{URL: sourceURL, Err: err}
	}

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return nil, &models.ExtractionError{URL: sourceURL, Err: err}
	}

	// Outlinks come from the full document, not the readability output,
	// so navigation links survive its pruning.
	title := strings.TrimSpace(article.Title)
	var outlinks []string
	if doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html)); derr == nil {
		outlinks = e.extractOutlinks(doc, sourceURL)
		if title == "" {
			title = extractTitle(doc)
		}
	}
	if title == "" {
		title = "Untitled"
	}

	converter := md.NewConverter(sourceURL, true, nil)
	markdown, err := converter.ConvertString(article.Content)
	if err != nil || strings.TrimSpace(markdown) == "" {
		markdown = article.TextContent
	}
	markdown = cleanMarkdown(markdown)

	text := collapseWhitespace(article.TextContent)

	return &Result{
		Title:        title,
		Markdown:     markdown,
		Text:         text,
		TextLength:   utf8.RuneCountInString(text),
		HTMLLength:   len(html),
		Language:     detectLanguage(text),
		Outlinks:     outlinks,
		OutlinkCount: len(outlinks),
		Mode:         ModeAlternate,
	}, nil
}

// ExtractPlaintext is the last resort when both parsers fail: whole-body
// text with tags stripped and whitespace collapsed. The result still goes
// through the quality gate like any other.
func (e *Extractor) ExtractPlaintext(html string, sourceURL string) *Result {
	text := collapseWhitespace(stripHTMLTags(html))

	return &Result{
		Title:        "Untitled",
		Markdown:     text,
		Text:         text,
		TextLength:   utf8.RuneCountInString(text),
		HTMLLength:   len(html),
		Language:     detectLanguage(text),
		Outlinks:     nil,
		OutlinkCount: 0,
		Mode:         ModePlaintext,
	}
}

// extractTitle extracts the page title from various sources
func extractTitle(doc *goquery.Document) string {
	// Try <title> tag first
	if title := doc.Find("title").First().Text(); strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}

	// Try Open Graph title
	if ogTitle, exists := doc.Find("meta[property='og:title']").Attr("content"); exists && strings.TrimSpace(ogTitle) != "" {
		return strings.TrimSpace(ogTitle)
	}

	// Try h1 tag
	if h1 := doc.Find("h1").First().Text(); strings.TrimSpace(h1) != "" {
		return strings.TrimSpace(h1)
	}

	// Try Twitter title
	if twitterTitle, exists := doc.Find("meta[name='twitter:title']").Attr("content"); exists && strings.TrimSpace(twitterTitle) != "" {
		return strings.TrimSpace(twitterTitle)
	}

	return "Untitled"
}

// extractOutlinks extracts all links from the HTML document, resolved
// against the source URL and deduplicated in document order.
func (e *Extractor) extractOutlinks(doc *goquery.Document, sourceURL string) []string {
	var links []string
	linkSet := make(map[string]bool)

	baseURL, err := url.Parse(sourceURL)
	if err != nil {
		e.logger.Warn().Err(err).Str("source_url", sourceURL).Msg("Failed to parse source URL for link resolution")
		baseURL = nil
	}

	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}

		// Skip javascript:, mailto: and fragment-only links
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "#") {
			return
		}

		if baseURL != nil {
			if resolvedURL, err := baseURL.Parse(href); err == nil {
				href = resolvedURL.String()
			}
		}

		if !linkSet[href] {
			linkSet[href] = true
			links = append(links, href)
		}
	})

	return links
}

// cleanMarkdown normalizes converter output: no runs of blank lines, no
// leading or trailing whitespace.
func cleanMarkdown(markdown string) string {
	markdown = blankLinesRe.ReplaceAllString(markdown, "\n\n")
	return strings.TrimSpace(markdown)
}

// collapseWhitespace flattens all whitespace runs to single spaces
func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// stripHTMLTags removes tags and decodes a basic entity set, for the
// plaintext last resort when parsers fail
func stripHTMLTags(htmlStr string) string {
	stripped := tagRe.ReplaceAllString(htmlStr, " ")

	stripped = strings.ReplaceAll(stripped, "&amp;", "&")
	stripped = strings.ReplaceAll(stripped, "&lt;", "<")
	stripped = strings.ReplaceAll(stripped, "&gt;", ">")
	stripped = strings.ReplaceAll(stripped, "&quot;", "\"")
	stripped = strings.ReplaceAll(stripped, "&#39;", "'")
	stripped = strings.ReplaceAll(stripped, "&nbsp;", " ")

	return stripped
}

// detectLanguage returns the ISO 639-1 code for the text, or empty when
// detection is unreliable or the text is too short to classify.
func detectLanguage(text string) string {
	if utf8.RuneCountInString(text) < 40 {
		return ""
	}

	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}

	return info.Lang.Iso6391()
}
