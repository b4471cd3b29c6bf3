package share

import (
	"regexp"
	"strings"
)

// Rules keeping title, markdown, HTML and render mode in agreement.

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// validID reports whether a client-supplied share id is acceptable.
func validID(id string) bool {
	return idPattern.MatchString(id)
}

// renderMode computes the persisted render mode: html iff sanitized HTML is
// non-empty.
func renderMode(html string) string {
	if html != "" {
		return "html"
	}
	return "markdown"
}

// PrepareShareMarkdown implements the publisher-side title discipline: the
// title comes from the note's filename, and when the markdown opens with a
// single H1 (after an optional YAML frontmatter block and surrounding
// whitespace) that exact heading is stripped from the body. The server never
// derives titles from content; publishers call this before sharing.
func PrepareShareMarkdown(filenameTitle, markdown string) (title, body string) {
	title = strings.TrimSpace(filenameTitle)

	front, rest := splitFrontmatter(markdown)
	trimmed := strings.TrimLeft(rest, "\n\r \t")
	// Only a lone leading H1 is stripped; later headings stay.
	if _, remainder, ok := leadingH1(trimmed); ok {
		rest = strings.TrimLeft(remainder, "\n\r")
	} else {
		rest = strings.TrimLeft(rest, "\n\r")
	}
	return title, front + rest
}

// splitFrontmatter separates a leading YAML frontmatter block ("---" fenced)
// from the body. The frontmatter is preserved verbatim.
func splitFrontmatter(markdown string) (front, body string) {
	if !strings.HasPrefix(markdown, "---\n") && markdown != "---" {
		return "", markdown
	}
	rest := markdown[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", markdown
	}
	closer := end + len("\n---")
	// The closing fence must end its line.
	tail := rest[closer:]
	if tail != "" && !strings.HasPrefix(tail, "\n") {
		return "", markdown
	}
	front = markdown[:4+closer]
	if strings.HasPrefix(tail, "\n") {
		front += "\n"
		tail = tail[1:]
	}
	return front, tail
}

// leadingH1 matches a single "# Heading" line at the start of s.
func leadingH1(s string) (heading, rest string, ok bool) {
	if !strings.HasPrefix(s, "# ") {
		return "", s, false
	}
	line := s
	rest = ""
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		line = s[:idx]
		rest = s[idx+1:]
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "# ")), rest, true
}
