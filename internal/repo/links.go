package repo

import (
	"bytes"
	"net/url"

	"golang.org/x/net/html"
)

// extractLinks walks a PEP 503 simple-index page's anchor tags and resolves
// each href against parent, the same tree-walk internal/checkupstream uses
// for upstream release pages — a simple index is just another flavor of
// "page full of links to follow".
func extractLinks(parent *url.URL, b []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href, ok := hrefOf(n); ok {
				if uri, err := url.Parse(href); err == nil {
					links = append(links, parent.ResolveReference(uri).String())
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

func hrefOf(n *html.Node) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == "href" && attr.Val != "" {
			return attr.Val, true
		}
	}
	return "", false
}
