package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripsScriptKeepsHeading(t *testing.T) {
	s := New()
	out := s.Sanitize(`<script>x</script><h1>Safe</h1>`)

	assert.Contains(t, out, "<h1>Safe</h1>")
	assert.NotContains(t, out, "<script")
	assert.NotContains(t, out, "x</script>")
}

func TestStripsActiveContent(t *testing.T) {
	s := New()
	cases := map[string]string{
		"event handler":  `<p onclick="steal()">hi</p>`,
		"iframe":         `<iframe src="https://evil.example"></iframe><p>hi</p>`,
		"object":         `<object data="x"></object><p>hi</p>`,
		"embed":          `<embed src="x"><p>hi</p>`,
		"form":           `<form action="/pwn"><input name="a"></form><p>hi</p>`,
		"style element":  `<style>p{display:none}</style><p>hi</p>`,
		"style attr":     `<p style="color:red">hi</p>`,
		"javascript url": `<a href="javascript:alert(1)">hi</a>`,
		"data url":       `<a href="data:text/html;base64,PHNjcmlwdD4=">hi</a>`,
	}
	for name, input := range cases {
		out := s.Sanitize(input)
		assert.NotContains(t, out, "onclick", name)
		assert.NotContains(t, out, "<iframe", name)
		assert.NotContains(t, out, "<object", name)
		assert.NotContains(t, out, "<embed", name)
		assert.NotContains(t, out, "<form", name)
		assert.NotContains(t, out, "<input", name)
		assert.NotContains(t, out, "<style", name)
		assert.NotContains(t, out, "style=", name)
		assert.NotContains(t, out, "javascript:", name)
		assert.NotContains(t, out, "data:", name)
		assert.Contains(t, out, "hi", name)
	}
}

func TestPreservesSafeFragment(t *testing.T) {
	s := New()
	fragment := `<h2 id="intro" class="title">Intro</h2>` +
		`<p>Some <strong>bold</strong> and <em>italic</em> text.</p>` +
		`<ul><li>one</li><li>two</li></ul>` +
		`<blockquote>quoted</blockquote>` +
		`<pre><code>let x = 1;</code></pre>` +
		`<table><thead><tr><th colspan="2">head</th></tr></thead>` +
		`<tbody><tr><td>a</td><td>b</td></tr></tbody></table>`

	assert.Equal(t, fragment, s.Sanitize(fragment))
}

func TestAllowsSafeLinksAndImages(t *testing.T) {
	s := New()

	out := s.Sanitize(`<a href="https://example.com" target="_blank" rel="noopener">link</a>`)
	assert.Contains(t, out, `href="https://example.com"`)
	assert.Contains(t, out, `target="_blank"`)

	out = s.Sanitize(`<a href="mailto:a@example.com">mail</a>`)
	assert.Contains(t, out, `href="mailto:a@example.com"`)

	out = s.Sanitize(`<img src="https://example.com/pic.png" alt="pic" width="100" height="50">`)
	assert.Contains(t, out, `src="https://example.com/pic.png"`)
	assert.Contains(t, out, `alt="pic"`)
}

func TestIdempotent(t *testing.T) {
	s := New()
	inputs := []string{
		`<script>x</script><h1>Safe</h1>`,
		`<p onclick="x" style="color:red" class="c">mixed <b>content</b></p>`,
		`<a href="javascript:alert(1)">bad</a><a href="https://ok.example">good</a>`,
		`plain text with <unknown>tags</unknown>`,
	}
	for _, input := range inputs {
		once := s.Sanitize(input)
		assert.Equal(t, once, s.Sanitize(once))
	}
}

func TestEmptyAndPlainInput(t *testing.T) {
	s := New()
	assert.Equal(t, "", s.Sanitize(""))
	assert.Equal(t, "just text", s.Sanitize("just text"))
}
