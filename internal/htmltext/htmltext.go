// Package htmltext renders HTML bodies as wrapped plain text for the
// text/plain alternative of outgoing messages.
package htmltext

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultWidth is the wrap width used when none is given.
const DefaultWidth = 90

var blankLines = regexp.MustCompile(`\n{3,}`)

// Formatter implements compose.Formatter.
type Formatter struct{}

// HTMLToText converts src to plain text wrapped at width columns.
func (Formatter) HTMLToText(src string, width int) string {
	return Convert(src, width)
}

// Convert converts src to plain text. Block elements become line breaks,
// list items are bulleted, link targets follow their text and script or
// style content is dropped. Lines are wrapped at width; a non-positive
// width uses DefaultWidth.
func Convert(src string, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}

	c := &converter{}
	z := html.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		tok := z.Token()
		switch tt {
		case html.TextToken:
			c.text(tok.Data)
		case html.StartTagToken:
			c.start(tok)
		case html.SelfClosingTagToken:
			c.start(tok)
			if !isVoid(tok.DataAtom) {
				c.end(tok)
			}
		case html.EndTagToken:
			c.end(tok)
		}
	}

	out := blankLines.ReplaceAllString(string(c.buf), "\n\n")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i, line := range lines {
		lines[i] = wrap(strings.TrimRight(line, " \t"), width)
	}
	return strings.Join(lines, "\n")
}

type converter struct {
	buf   []byte
	space bool
	pre   int
	skip  int

	href      string
	linkStart int
}

func (c *converter) start(tok html.Token) {
	switch tok.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Title:
		c.skip++
	case atom.Br:
		c.buf = append(c.buf, '\n')
		c.space = false
	case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Table, atom.Blockquote, atom.Hr, atom.Dl:
		c.newline(2)
	case atom.Pre:
		c.newline(2)
		c.pre++
	case atom.Div, atom.Tr, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Dt, atom.Dd:
		c.newline(1)
	case atom.Li:
		c.newline(1)
		c.buf = append(c.buf, "* "...)
		c.space = false
	case atom.Td, atom.Th:
		c.space = true
	case atom.Img:
		if alt := attr(tok, "alt"); alt != "" {
			c.text("[" + alt + "]")
		}
	case atom.A:
		c.href = attr(tok, "href")
		c.linkStart = len(c.buf)
	}
}

func (c *converter) end(tok html.Token) {
	switch tok.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Title:
		if c.skip > 0 {
			c.skip--
		}
	case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Table, atom.Blockquote, atom.Dl:
		c.newline(2)
	case atom.Pre:
		if c.pre > 0 {
			c.pre--
		}
		c.newline(2)
	case atom.Div, atom.Tr, atom.Li, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Dt, atom.Dd:
		c.newline(1)
	case atom.A:
		if c.href != "" && c.linkStart <= len(c.buf) {
			label := strings.TrimSpace(string(c.buf[c.linkStart:]))
			if showHref(c.href, label) {
				c.space = true
				c.text("<" + c.href + ">")
			}
		}
		c.href = ""
	}
}

func (c *converter) text(s string) {
	if c.skip > 0 {
		return
	}
	if c.pre > 0 {
		c.buf = append(c.buf, s...)
		c.space = false
		return
	}

	words := strings.Fields(s)
	if len(words) == 0 {
		if s != "" {
			c.space = true
		}
		return
	}
	if startsWithSpace(s) {
		c.space = true
	}
	for i, w := range words {
		if i > 0 || c.space {
			c.sep()
		}
		c.buf = append(c.buf, w...)
	}
	c.space = endsWithSpace(s)
}

// sep writes a single space unless the output is at a line or item start.
func (c *converter) sep() {
	if n := len(c.buf); n > 0 && c.buf[n-1] != '\n' && c.buf[n-1] != ' ' {
		c.buf = append(c.buf, ' ')
	}
}

// newline ends the current line and makes sure at least n line breaks
// precede what follows. Nothing is written at the start of the output.
func (c *converter) newline(n int) {
	c.space = false
	if len(c.buf) == 0 {
		return
	}
	for len(c.buf) > 0 && c.buf[len(c.buf)-1] == ' ' {
		c.buf = c.buf[:len(c.buf)-1]
	}
	have := 0
	for i := len(c.buf) - 1; i >= 0 && c.buf[i] == '\n'; i-- {
		have++
	}
	for ; have < n; have++ {
		c.buf = append(c.buf, '\n')
	}
}

func showHref(href, label string) bool {
	switch {
	case strings.HasPrefix(href, "#"), strings.HasPrefix(href, "javascript:"):
		return false
	case strings.HasPrefix(href, "mailto:"):
		return strings.TrimPrefix(href, "mailto:") != label
	}
	return href != label
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func isVoid(a atom.Atom) bool {
	switch a {
	case atom.Br, atom.Hr, atom.Img, atom.Input, atom.Meta, atom.Link, atom.Col, atom.Wbr:
		return true
	}
	return false
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f'
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f'
}

// wrap breaks line at spaces so no segment exceeds width runes. Words
// longer than width are left whole.
func wrap(line string, width int) string {
	if utf8.RuneCountInString(line) <= width {
		return line
	}
	var b strings.Builder
	n := 0
	for _, w := range strings.Split(line, " ") {
		wl := utf8.RuneCountInString(w)
		switch {
		case n == 0:
		case n+1+wl > width:
			b.WriteByte('\n')
			n = 0
		default:
			b.WriteByte(' ')
			n++
		}
		b.WriteString(w)
		n += wl
	}
	return b.String()
}
