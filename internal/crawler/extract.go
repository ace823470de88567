package crawler

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxLinks = 100

var errNoContent = errors.New("no readable content")

// boilerplate elements removed before conversion
var stripped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Template: true,
}

// Page is the extracted, normalized content of one URL.
type Page struct {
	Markdown string   `json:"markdown"`
	Title    string   `json:"title,omitempty"`
	Links    []string `json:"links,omitempty"`
}

// extract turns a response body into a Page. HTML is stripped of
// boilerplate and converted to markdown; plain text and markdown pass
// through; any other media type fails.
func extract(body []byte, contentType string, base *url.URL, maxChars int) (*Page, error) {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse content type %q: %w", contentType, err)
	}

	var page *Page
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		page, err = extractHTML(body, base)
		if err != nil {
			return nil, err
		}
	case "text/plain", "text/markdown", "text/x-markdown":
		if !utf8.Valid(body) {
			return nil, fmt.Errorf("body is not valid UTF-8")
		}
		page = &Page{Markdown: strings.TrimSpace(string(body))}
	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}

	if page.Markdown == "" {
		return nil, errNoContent
	}
	page.Markdown = truncate(page.Markdown, maxChars)
	return page, nil
}

func extractHTML(body []byte, base *url.URL) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &Page{Title: findTitle(doc)}
	removeBoilerplate(doc)

	root := findFirst(doc, atom.Main)
	if root == nil {
		root = findFirst(doc, atom.Article)
	}
	if root == nil {
		root = findFirst(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}
	page.Links = collectLinks(root, base)
	absolutize(root, base)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return nil, fmt.Errorf("convert to markdown: %w", err)
	}
	page.Markdown = strings.TrimSpace(md)
	return page, nil
}

func findTitle(doc *html.Node) string {
	n := findFirst(doc, atom.Title)
	if n == nil {
		return ""
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func removeBoilerplate(n *html.Node) {
	var doomed []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.CommentNode || (c.Type == html.ElementNode && stripped[c.DataAtom]) {
				doomed = append(doomed, c)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	for _, d := range doomed {
		d.Parent.RemoveChild(d)
	}
}

func collectLinks(root *html.Node, base *url.URL) []string {
	seen := make(map[string]bool)
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(links) >= maxLinks {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if abs := resolveLink(base, attr.Val); abs != "" && !seen[abs] {
					seen[abs] = true
					links = append(links, abs)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return links
}

// absolutize rewrites link and image targets against the page URL so the
// markdown keeps working once it leaves the page. Relative paths resolve
// against the page's directory, not the site root.
func absolutize(root *html.Node, base *url.URL) {
	if base == nil {
		return
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.A || n.DataAtom == atom.Img) {
			key := "href"
			if n.DataAtom == atom.Img {
				key = "src"
			}
			for i, attr := range n.Attr {
				if attr.Key != key {
					continue
				}
				if ref, err := url.Parse(strings.TrimSpace(attr.Val)); err == nil {
					n.Attr[i].Val = base.ResolveReference(ref).String()
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

// truncate cuts s to at most maxChars runes.
func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + "\n\n[Content truncated]"
}
