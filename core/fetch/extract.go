package fetch

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extract returns the visible text of document, one non-empty stripped text
// node per line, and the absolute URL of every img element. Script, style,
// meta and link elements contribute no text.
func Extract(document string, base *url.URL) (string, []string, error) {
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return "", nil, err
	}
	var lines []string
	images := make([]string, 0)
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.ElementNode:
			switch node.DataAtom {
			case atom.Script, atom.Style, atom.Meta, atom.Link:
				return
			case atom.Img:
				if ref := imageSource(node); ref != "" {
					images = append(images, resolve(base, ref))
				}
			}
		case html.TextNode:
			if trimmed := strings.TrimSpace(node.Data); trimmed != "" {
				lines = append(lines, trimmed)
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return strings.Join(lines, "\n"), images, nil
}

func imageSource(node *html.Node) string {
	var src, dataSrc string
	for _, attr := range node.Attr {
		switch attr.Key {
		case "src":
			src = strings.TrimSpace(attr.Val)
		case "data-src":
			dataSrc = strings.TrimSpace(attr.Val)
		}
	}
	if src != "" {
		return src
	}
	return dataSrc
}

func resolve(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
