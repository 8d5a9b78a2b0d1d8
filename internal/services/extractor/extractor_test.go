package extractor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestExtractPrimary(t *testing.T) {
	ex := New(arbor.NewLogger())

	html := `<!DOCTYPE html>
<html>
<head><title>Getting Started - Docs</title></head>
<body>
<header><a href="/home">Home</a></header>
<nav><a href="/docs/intro">Intro</a><a href="/docs/install">Install</a></nav>
<main>
<h1>Getting Started</h1>
<p>This guide walks through installing the agent, configuring your first project, and running an initial sync against the hosted service.</p>
<p>Every command shown below works the same on Linux, macOS and Windows unless called out otherwise in the platform notes.</p>
<a href="../tutorial/basics">Basics tutorial</a>
</main>
<footer>Copyright footer text</footer>
<script>console.log("tracking")</script>
</body>
</html>`

	result, err := ex.Extract(html, "https://docs.example.com/docs/start")
	assert.NoError(t, err)
	assert.Equal(t, "Getting Started - Docs", result.Title)
	assert.Equal(t, ModePrimary, result.Mode)

	// Content region survives, chrome does not
	assert.Contains(t, result.Markdown, "Getting Started")
	assert.Contains(t, result.Markdown, "installing the agent")
	assert.NotContains(t, result.Markdown, "Copyright footer")
	assert.NotContains(t, result.Markdown, "tracking")

	// Outlinks are harvested before stripping, so nav links survive
	assert.Contains(t, result.Outlinks, "https://docs.example.com/docs/intro")
	assert.Contains(t, result.Outlinks, "https://docs.example.com/docs/install")
	assert.Contains(t, result.Outlinks, "https://docs.example.com/tutorial/basics")

	assert.Equal(t, len(result.Outlinks), result.OutlinkCount)
	assert.Equal(t, len(html), result.HTMLLength)
	assert.Greater(t, result.TextLength, 100)
}

func TestExtractTitleCascade(t *testing.T) {
	ex := New(arbor.NewLogger())

	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "title tag wins",
			html: `<html><head><title>From Title</title><meta property="og:title" content="From OG"/></head><body><h1>From H1</h1></body></html>`,
			want: "From Title",
		},
		{
			name: "og title",
			html: `<html><head><meta property="og:title" content="From OG"/></head><body><h1>From H1</h1></body></html>`,
			want: "From OG",
		},
		{
			name: "first h1",
			html: `<html><body><h1>From H1</h1><h1>Second H1</h1></body></html>`,
			want: "From H1",
		},
		{
			name: "twitter title",
			html: `<html><head><meta name="twitter:title" content="From Twitter"/></head><body><p>plain text</p></body></html>`,
			want: "From Twitter",
		},
		{
			name: "untitled fallback",
			html: `<html><body><p>no headings here</p></body></html>`,
			want: "Untitled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ex.Extract(tt.html, "https://example.com/")
			assert.NoError(t, err)
			assert.Equal(t, tt.want, result.Title)
		})
	}
}

func TestExtractOutlinksSkipsNonContent(t *testing.T) {
	ex := New(arbor.NewLogger())

	html := `<html><body><main><p>content</p>
<a href="javascript:void(0)">js</a>
<a href="mailto:team@example.com">mail</a>
<a href="#section">frag</a>
<a href="/docs/a">a</a>
<a href="/docs/a">a again</a>
</main></body></html>`

	result, err := ex.Extract(html, "https://example.com/docs")
	assert.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/docs/a"}, result.Outlinks)
	assert.Equal(t, 1, result.OutlinkCount)
}

func TestExtractAlternate(t *testing.T) {
	ex := New(arbor.NewLogger())

	html := `<html><head><title>Release Notes</title></head><body>
<nav><a href="/changelog">Changelog</a></nav>
<article>
<h1>Release Notes</h1>
<p>` + strings.Repeat("The latest release improves crawl scheduling and retry behavior under sustained load. ", 5) + `</p>
<p>` + strings.Repeat("Storage compaction now runs in the background without blocking lease renewals. ", 5) + `</p>
</article>
</body></html>`

	result, err := ex.ExtractAlternate(html, "https://docs.example.com/releases")
	assert.NoError(t, err)
	assert.Equal(t, ModeAlternate, result.Mode)
	assert.Contains(t, result.Text, "crawl scheduling")
	assert.Greater(t, result.TextLength, 200)
	assert.Contains(t, result.Outlinks, "https://docs.example.com/changelog")
}

func TestExtractPlaintext(t *testing.T) {
	ex := New(arbor.NewLogger())

	result := ex.ExtractPlaintext(`<html><body><p>Plain &amp; simple</p></body></html>`, "https://example.com/")
	assert.Equal(t, ModePlaintext, result.Mode)
	assert.Equal(t, "Plain & simple", result.Text)
	assert.Equal(t, result.Text, result.Markdown)
	assert.Equal(t, 0, result.OutlinkCount)
}

func TestDetectLanguage(t *testing.T) {
	english := strings.Repeat("The quick brown fox jumps over the lazy dog and keeps running through the quiet forest. ", 3)
	assert.Equal(t, "en", detectLanguage(english))

	// Too short to classify
	assert.Equal(t, "", detectLanguage("short"))
}
