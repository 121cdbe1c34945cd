package rewrite

import (
	"regexp"
	"strings"
)

// DefaultPublicAliases are public addresses of the backends that clients
// can't reach directly. References to them are rewritten like references
// to the target.
var DefaultPublicAliases = []string{"http://ptrjestate.rebinmas.com:8002"}

var (
	htmlAttrRx = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(<script[^>]+src=["']\s*)/([^/]|$)`),
		regexp.MustCompile(`(?i)(<link[^>]+href=["']\s*)/([^/]|$)`),
		regexp.MustCompile(`(?i)(<img[^>]+src=["']\s*)/([^/]|$)`),
		regexp.MustCompile(`(?i)(<a[^>]+href=["']\s*)/([^/]|$)`),
	}

	headRx = regexp.MustCompile(`(?i)<head>`)
	viteRx = regexp.MustCompile(`(["'])/@vite/`)

	jsFromRx   = regexp.MustCompile(`(from\s+["'])/([^/]|$)`)
	jsImportRx = regexp.MustCompile(`(import\s+["'])/([^/]|$)`)
	jsFetchRx  = regexp.MustCompile(`(fetch\(["'])/([^/]|$)`)

	cssURLRx = regexp.MustCompile(`(url\(["']?)/([^/]|$)`)
)

// Options of the regexp based rewriter.
type Options struct {

	// PublicAliases are replaced with the mount path the same way as
	// the backend target.
	PublicAliases []string
}

// Regexp is the Rewriter implementation based on regular expressions.
type Regexp struct {
	aliases []string
}

// New creates a regexp based rewriter.
func New(o Options) *Regexp {
	return &Regexp{aliases: o.PublicAliases}
}

// prefixTemplate builds the replacement that puts the mount prefix
// between the first and the second submatch.
func prefixTemplate(prefix string) string {
	return "${1}" + strings.ReplaceAll(prefix, "$", "$$") + "/${2}"
}

func rewriteHTML(body, prefix string) string {
	tpl := prefixTemplate(prefix)
	for _, rx := range htmlAttrRx {
		body = rx.ReplaceAllString(body, tpl)
	}

	if !strings.Contains(body, "<base") {
		if loc := headRx.FindStringIndex(body); loc != nil {
			body = body[:loc[1]] + "\n  <base href=\"" + prefix + "/\">" + body[loc[1]:]
		}
	}

	return viteRx.ReplaceAllString(body, "${1}"+strings.ReplaceAll(prefix, "$", "$$")+"/@vite/")
}

func rewriteJS(body, prefix string) string {
	tpl := prefixTemplate(prefix)
	body = jsFromRx.ReplaceAllString(body, tpl)
	body = jsImportRx.ReplaceAllString(body, tpl)
	return jsFetchRx.ReplaceAllString(body, tpl)
}

func rewriteCSS(body, prefix string) string {
	return cssURLRx.ReplaceAllString(body, prefixTemplate(prefix))
}

// Rewrite implements Rewriter.
func (r *Regexp) Rewrite(m Mount, k Kind, body []byte) ([]byte, error) {
	prefix := m.prefix()
	s := string(body)
	if t := m.target(); t != "" {
		s = strings.ReplaceAll(s, t, prefix)
	}

	for _, a := range r.aliases {
		if a = strings.TrimSuffix(a, "/"); a != "" {
			s = strings.ReplaceAll(s, a, prefix)
		}
	}

	switch k {
	case HTML:
		s = rewriteHTML(s, prefix)
	case JS:
		s = rewriteJS(s, prefix)
	case CSS:
		s = rewriteCSS(s, prefix)
	}

	return []byte(s), nil
}
