package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"rewrite-proxy-go/internal/urlcodec"
)

// attrRule names one URL-bearing attribute. Adding a rewritable attribute
// is a new table row.
type attrRule struct {
	selector   string
	attr       string
	stylesheet bool
}

var attrTable = []attrRule{
	{selector: "a[href]", attr: "href"},
	{selector: "img[src]", attr: "src"},
	{selector: "script[src]", attr: "src"},
	{selector: "iframe[src]", attr: "src"},
	{selector: "frame[src]", attr: "src"},
	{selector: "embed[src]", attr: "src"},
	{selector: "object[data]", attr: "data"},
	{selector: "video[src]", attr: "src"},
	{selector: "video[poster]", attr: "poster"},
	{selector: "audio[src]", attr: "src"},
	{selector: "source[src]", attr: "src"},
	{selector: `input[type="image"][src]`, attr: "src"},
	{selector: "form[action]", attr: "action"},
	{selector: `link[rel*="icon"][href]`, attr: "href"},
	{selector: `link[rel~="stylesheet"][href]`, attr: "href", stylesheet: true},
	{selector: "area[href]", attr: "href"},
	{selector: "base[href]", attr: "href"},
}

// refreshPattern splits a meta refresh value into its "<n>; url=" prefix
// and the target.
var refreshPattern = regexp.MustCompile(`(?is)^(\s*\d*\.?\d*\s*[;,]\s*url\s*=\s*)(['"]?)(.*?)(['"]?)\s*$`)

// Markup parses an HTML document, rewrites every embedded reference and
// renders it back.
func Markup(doc string, ctx *Context) (string, error) {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	// A document's own <base> changes what relative references mean.
	if href, ok := d.Find("base[href]").First().Attr("href"); ok {
		if abs, ok := ctx.resolveHTTP(href); ok {
			ctx = ctx.WithBase(abs)
		}
	}
	hadBase := d.Find("base").Length() > 0

	// rel tokens are case-insensitive; the selectors below are not.
	d.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("rel", strings.ToLower(s.AttrOr("rel", "")))
	})

	for _, r := range attrTable {
		rewriteFn := ctx.Reference
		if r.stylesheet {
			rewriteFn = ctx.Stylesheet
		}
		d.Find(r.selector).Each(func(_ int, s *goquery.Selection) {
			setAttr(s, r.attr, rewriteFn)
		})
	}

	d.Find("[srcset]").Each(func(_ int, s *goquery.Selection) {
		setAttr(s, "srcset", func(v string) string { return srcset(v, ctx) })
	})

	d.Find("meta[http-equiv][content]").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "refresh") {
			return
		}
		setAttr(s, "content", func(v string) string { return metaRefresh(v, ctx) })
	})

	d.Find("style").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if out := CSS(text, ctx); out != text {
			setText(s, out)
		}
	})

	d.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		setAttr(s, "style", func(v string) string { return CSS(v, ctx) })
	})

	d.Find("script").Not("[src]").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if strings.TrimSpace(text) == "" {
			return
		}
		if out := Script(text, ctx); out != text {
			setText(s, out)
		}
	})

	if !hadBase {
		if origin, ok := targetOrigin(ctx); ok {
			d.Find("head").First().PrependNodes(&html.Node{
				Type:     html.ElementNode,
				Data:     "base",
				DataAtom: atom.Base,
				Attr:     []html.Attribute{{Key: "href", Val: origin + "/"}},
			})
		}
	}

	insertComment(d, fmt.Sprintf(" proxied target=%s base=%s proxy=%s ", ctx.Target, ctx.Base, ctx.ProxyBase))

	out, err := d.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

func setAttr(s *goquery.Selection, name string, fn func(string) string) {
	v, ok := s.Attr(name)
	if !ok {
		return
	}
	if nv := fn(v); nv != v {
		s.SetAttr(name, nv)
	}
}

// setText replaces the children of every node in s with a single raw text
// node. goquery's SetText escapes, which would corrupt script and style.
func setText(s *goquery.Selection, text string) {
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// srcset rewrites the URL of every image candidate.
func srcset(v string, ctx *Context) string {
	// Commas inside data: URIs make naive splitting unsafe.
	if strings.Contains(strings.ToLower(v), "data:") {
		return v
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		fields[0] = ctx.Reference(fields[0])
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

// metaRefresh rewrites only the target of "<seconds>; url=<target>".
func metaRefresh(v string, ctx *Context) string {
	m := refreshPattern.FindStringSubmatch(v)
	if m == nil || m[3] == "" {
		return v
	}
	return m[1] + m[2] + ctx.Reference(m[3]) + m[4]
}

func targetOrigin(ctx *Context) (string, bool) {
	u, err := urlcodec.Resolve(ctx.Target, nil)
	if err != nil {
		if ctx.Base == nil {
			return "", false
		}
		u = ctx.Base
	}
	return urlcodec.Origin(u), true
}

// insertComment places a comment after the doctype, or first when there is
// none, so it never pushes the document into quirks mode.
func insertComment(d *goquery.Document, text string) {
	root := d.Nodes[0]
	c := &html.Node{Type: html.CommentNode, Data: strings.ReplaceAll(text, "--", "- -")}
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.DoctypeNode {
			root.InsertBefore(c, n.NextSibling)
			return
		}
	}
	root.InsertBefore(c, root.FirstChild)
}
