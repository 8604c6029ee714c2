package feed

import (
	"strings"

	"golang.org/x/net/html"
)

// stripScripts removes script elements, event handler attributes and
// javascript: URLs from an HTML fragment. Everything else, text included, is
// written back byte for byte.
func stripScripts(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return fragment
	}

	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	b.Grow(len(fragment))
	inScript := false

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF, or an unreadable tail that is dropped.
			return b.String()
		}

		// TagName and TagAttr lowercase the buffer in place, so take the raw
		// bytes first.
		raw := string(z.Raw())

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) == "script" {
				inScript = tt == html.StartTagToken
				continue
			}
			if inScript {
				continue
			}
			if hasAttr {
				if tag, changed := safeTag(z, string(name), tt == html.SelfClosingTagToken); changed {
					b.WriteString(tag)
					continue
				}
			}
			b.WriteString(raw)
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "script" {
				inScript = false
				continue
			}
			if !inScript {
				b.WriteString(raw)
			}
		default:
			if !inScript {
				b.WriteString(raw)
			}
		}
	}
}

// safeTag rebuilds the current tag without unsafe attributes. changed is false
// when every attribute is kept, in which case the raw tag should be used.
func safeTag(z *html.Tokenizer, name string, selfClosing bool) (tag string, changed bool) {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(name)
	for {
		key, val, more := z.TagAttr()
		k, v := string(key), string(val)
		if unsafeAttr(k, v) {
			changed = true
		} else {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString(`="`)
			b.WriteString(html.EscapeString(v))
			b.WriteString(`"`)
		}
		if !more {
			break
		}
	}
	if selfClosing {
		b.WriteString(" /")
	}
	b.WriteString(">")
	return b.String(), changed
}

func unsafeAttr(key, val string) bool {
	if strings.HasPrefix(key, "on") {
		return true
	}
	compact := strings.Map(func(r rune) rune {
		if r <= ' ' {
			return -1
		}
		return r
	}, val)
	return strings.HasPrefix(strings.ToLower(compact), "javascript:")
}
