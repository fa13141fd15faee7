// Package htmlnorm removes the head elements pdftohtml repeats for every
// converted page fragment.
package htmlnorm

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Normalize keeps the first <title> and the first <meta> in document order,
// drops every later one, and returns the outer HTML of the <html> element.
// Malformed input is repaired by the HTML5 parser rather than rejected.
func Normalize(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}

	removeDuplicates(doc, atom.Title)
	removeDuplicates(doc, atom.Meta)

	root := documentElement(doc)
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// removeDuplicates detaches every element of type a after the first one.
func removeDuplicates(doc *html.Node, a atom.Atom) {
	var found []*html.Node
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = append(found, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(doc)

	for _, n := range found[min(1, len(found)):] {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func documentElement(doc *html.Node) *html.Node {
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Html {
			return c
		}
	}
	return nil
}
