package scrape

import (
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/dshills/postgraph/graph"
)

// skipped elements contribute neither text nor images.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Header:   true,
	atom.Form:     true,
	atom.Svg:      true,
	atom.Template: true,
}

// block elements end a line of text.
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Section: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Tr: true, atom.Figcaption: true,
}

// Extract parses an HTML document fetched from base into an Article. Text
// and images come from the first <article>, else <main>, else <body>.
// Metadata holds <meta> name/property values; og:image and twitter:image
// are added to the assets when not already present.
func Extract(base *url.URL, r io.Reader) (graph.Article, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return graph.Article{}, err
	}

	meta := map[string]string{}
	var title string
	collectHead(doc, meta, &title)
	if title == "" {
		title = meta["og:title"]
	}

	root := find(doc, atom.Article)
	if root == nil {
		root = find(doc, atom.Main)
	}
	if root == nil {
		root = find(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	var assets []graph.Asset
	seen := map[string]bool{}
	walk(root, base, &sb, &assets, seen)

	for _, key := range []string{"og:image", "twitter:image"} {
		if u := resolve(base, meta[key]); u != "" && !seen[u] {
			seen[u] = true
			meta[key] = u
			assets = append(assets, graph.Asset{URL: u, AltText: meta["og:image:alt"]})
		}
	}

	return graph.Article{
		Title:    strings.TrimSpace(title),
		Text:     normalizeText(sb.String()),
		Assets:   assets,
		Metadata: meta,
	}, nil
}

func collectHead(n *html.Node, meta map[string]string, title *string) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if *title == "" && n.FirstChild != nil {
				*title = n.FirstChild.Data
			}
		case atom.Meta:
			key := attr(n, "property")
			if key == "" {
				key = attr(n, "name")
			}
			if key != "" {
				key = strings.ToLower(key)
				if _, ok := meta[key]; !ok {
					meta[key] = strings.TrimSpace(attr(n, "content"))
				}
			}
		case atom.Body:
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectHead(c, meta, title)
	}
}

func walk(n *html.Node, base *url.URL, sb *strings.Builder, assets *[]graph.Asset, seen map[string]bool) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.Img {
			src := attr(n, "src")
			if src == "" {
				src = attr(n, "data-src")
			}
			if u := resolve(base, src); u != "" && !seen[u] {
				seen[u] = true
				*assets = append(*assets, graph.Asset{
					URL:     u,
					AltText: strings.TrimSpace(attr(n, "alt")),
					Width:   atoi(attr(n, "width")),
					Height:  atoi(attr(n, "height")),
				})
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, base, sb, assets, seen)
	}
	if n.Type == html.ElementNode && block[n.DataAtom] {
		sb.WriteString("\n")
	}
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// resolve returns ref as an absolute http(s) URL, or "" when it is not one.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// normalizeText collapses runs of whitespace within lines and drops blank
// lines.
func normalizeText(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
