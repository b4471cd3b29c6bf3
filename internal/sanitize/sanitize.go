// Package sanitize reduces untrusted HTML to a conservative safe subset.
// The output carries no scripts, no event handlers, no inline styles and no
// framing; URL attributes are restricted to http, https and mailto.
package sanitize

import (
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer is a pure, deterministic HTML filter. Safe for concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New builds the sanitizer policy.
func New() *Sanitizer {
	p := bluemonday.NewPolicy()

	// Headings and block structure.
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("p", "div", "span", "br", "hr")

	// Inline emphasis.
	p.AllowElements("strong", "b", "em", "i", "u", "s", "del", "sub", "sup")

	// Lists, quotes, code.
	p.AllowElements("ul", "ol", "li")
	p.AllowElements("blockquote", "q")
	p.AllowElements("code", "pre")

	// Links: scheme-filtered href only.
	p.AllowAttrs("href", "target", "rel").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)

	// Images.
	p.AllowAttrs("src", "alt", "width", "height").OnElements("img")

	// Tables.
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td")
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")

	// Class and id are allowed everywhere; the style attribute is not.
	p.AllowAttrs("class", "id").Globally()

	return &Sanitizer{policy: p}
}

// Sanitize filters html down to the safe subset. The result is stable under
// re-sanitization. Unparseable input degrades to the empty string rather
// than an error; callers treat empty HTML as markdown-only.
func (s *Sanitizer) Sanitize(html string) string {
	return s.policy.Sanitize(html)
}
