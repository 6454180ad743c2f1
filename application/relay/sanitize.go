package relay

import (
	"io"
	"strings"

	"chat-relay/domain/chat"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// strippedElements are removed together with everything inside them. embed
// is void and needs no entry: it has no content and its tag is dropped like
// any other.
var strippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Noscript: true,
	atom.Template: true,
}

// SanitizeContent removes markup from s. Executable and embedding elements
// are dropped with their content; every other tag is dropped and its text
// kept. Text is copied as written, entities included, and anything that only
// looks like a tag (i<n, Vec<String>) is kept verbatim. Content without
// markup is returned unchanged.
func SanitizeContent(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	b.Grow(len(s))
	depth := 0

	for {
		tt := z.Next()
		// TagName lower-cases the buffer in place, so take the raw bytes first.
		raw := string(z.Raw())

		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF && depth == 0 {
				b.WriteString(raw)
			}
			return b.String()
		case html.TextToken:
			if depth == 0 {
				b.WriteString(raw)
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			a, ok := elementTag(z)
			switch {
			case ok && strippedElements[a]:
				// The tokenizer switches to raw text after <script/> too, so a
				// self-closing stripped element still opens a skipped region.
				depth++
			case !ok && depth == 0:
				b.WriteString(raw)
			}
		case html.EndTagToken:
			a, ok := elementTag(z)
			switch {
			case ok && strippedElements[a] && depth > 0:
				depth--
			case !ok && depth == 0:
				b.WriteString(raw)
			}
		case html.CommentToken:
			// "<? x" without a closing bracket is text, not a comment.
			if depth == 0 && !strings.HasSuffix(raw, ">") {
				b.WriteString(raw)
			}
		}
	}
}

// elementTag reports whether the current tag token is real markup: a known
// HTML element whose attribute names are all well formed. Stripped elements
// always count, whatever their attributes.
func elementTag(z *html.Tokenizer) (atom.Atom, bool) {
	name, more := z.TagName()
	a := atom.Lookup(name)
	if a == 0 {
		return 0, false
	}
	if strippedElements[a] {
		return a, true
	}
	for more {
		var key []byte
		key, _, more = z.TagAttr()
		if !validAttrName(key) {
			return a, false
		}
	}
	return a, true
}

func validAttrName(key []byte) bool {
	if len(key) == 0 {
		return false
	}
	for i, c := range key {
		switch {
		case 'a' <= c && c <= 'z', c == '_', c == ':':
		case i > 0 && ('0' <= c && c <= '9' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

// SanitizeTurns returns a copy of turns with every content sanitized.
func SanitizeTurns(turns []chat.Turn) []chat.Turn {
	out := make([]chat.Turn, len(turns))
	for i, t := range turns {
		out[i] = chat.Turn{Role: t.Role, Content: SanitizeContent(t.Content)}
	}
	return out
}
