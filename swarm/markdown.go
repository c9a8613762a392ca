// ABOUTME: Markdown helpers shared by the task-directory scaffold and the
// ABOUTME: swarm tool's result previews, mirroring the teacher's
// ABOUTME: goldmark.New()+Convert render pipeline.
package swarm

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

// renderMarkdown converts markdown source to HTML with goldmark, the
// same entry point the teacher uses for spec export.
func renderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	md := goldmark.New()
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripMarkdown renders src to HTML and strips every tag, leaving plain
// text suitable for a short preview. Falls back to the raw source if
// goldmark fails to parse it (which, per its design, is effectively
// never for arbitrary text).
func stripMarkdown(src string) string {
	html, err := renderMarkdown(src)
	if err != nil {
		html = src
	}
	plain := htmlTagPattern.ReplaceAllString(html, " ")
	plain = strings.ReplaceAll(plain, "&amp;", "&")
	plain = strings.ReplaceAll(plain, "&lt;", "<")
	plain = strings.ReplaceAll(plain, "&gt;", ">")
	plain = strings.ReplaceAll(plain, "&quot;", `"`)
	plain = strings.ReplaceAll(plain, "&#39;", "'")
	return strings.TrimSpace(collapseWhitespace(plain))
}

// previewMarkdown strips markdown from src and truncates to max
// characters, used for the 200-char result previews in parallel/chain
// formatting.
func previewMarkdown(src string, max int) string {
	return ellipsize(stripMarkdown(src), max)
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
