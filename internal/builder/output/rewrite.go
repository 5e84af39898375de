package output

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html"
)

var urlAttributes = map[string]bool{
	"src":  true,
	"href": true,
}

// RewriteFile rewrites root-relative asset references in the HTML file at
// path in place and returns how many attributes changed.
func RewriteFile(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	changed, err := Rewrite(bytes.NewReader(data), &buf)
	if err != nil {
		return 0, err
	}
	if changed == 0 {
		return 0, nil
	}
	if err := os.WriteFile(path, buf.Bytes(), info.Mode().Perm()); err != nil {
		return 0, err
	}
	return changed, nil
}

// Rewrite copies an HTML document from r to w, turning every src, href and
// srcset URL that starts at the site root ("/assets/app.js") into one
// relative to the document ("./assets/app.js"). Tokens it does not touch are
// written byte for byte.
func Rewrite(r io.Reader, w io.Writer) (int, error) {
	z := html.NewTokenizer(r)
	changed := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return changed, nil
			}
			return changed, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := append([]byte(nil), z.Raw()...)
			tok := z.Token()
			n := rewriteAttributes(&tok)
			if n == 0 {
				if _, err := w.Write(raw); err != nil {
					return changed, err
				}
				continue
			}
			changed += n
			if _, err := io.WriteString(w, tok.String()); err != nil {
				return changed, err
			}
		default:
			if _, err := w.Write(z.Raw()); err != nil {
				return changed, err
			}
		}
	}
}

func rewriteAttributes(tok *html.Token) int {
	n := 0
	for i, attr := range tok.Attr {
		if attr.Namespace != "" {
			continue
		}
		key := strings.ToLower(attr.Key)
		switch {
		case urlAttributes[key]:
			if v, ok := relativize(attr.Val); ok {
				tok.Attr[i].Val = v
				n++
			}
		case key == "srcset":
			if v, ok := relativizeSrcset(attr.Val); ok {
				tok.Attr[i].Val = v
				n++
			}
		}
	}
	return n
}

// relativize maps "/x" to "./x". Protocol-relative URLs ("//cdn") are left alone.
func relativize(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if !IsRootRelative(trimmed) {
		return value, false
	}
	return "." + trimmed, true
}

func relativizeSrcset(value string) (string, bool) {
	candidates := strings.Split(value, ",")
	changed := false
	for i, candidate := range candidates {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		if v, ok := relativize(fields[0]); ok {
			fields[0] = v
			candidates[i] = strings.Join(fields, " ")
			changed = true
		}
	}
	if !changed {
		return value, false
	}
	for i := range candidates {
		candidates[i] = strings.TrimSpace(candidates[i])
	}
	return strings.Join(candidates, ", "), true
}

// IsRootRelative reports whether a URL is anchored at the site root.
func IsRootRelative(value string) bool {
	return strings.HasPrefix(value, "/") && !strings.HasPrefix(value, "//")
}
