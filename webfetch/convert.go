package webfetch

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped elements never contribute text.
var dropped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Template: true,
	atom.Form:     true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// ConvertHTML parses a document and returns its title and a markdown-ish
// rendering of the visible text. Relative links resolve against base.
func ConvertHTML(raw, base string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", collapse(raw)
	}
	baseURL, _ := url.Parse(base)

	c := &converter{base: baseURL}
	title = strings.Join(strings.Fields(textOf(find(doc, atom.Title))), " ")
	root := find(doc, atom.Main)
	if root == nil {
		root = doc
	}
	c.walk(root)
	return title, collapse(c.sb.String())
}

type converter struct {
	sb   strings.Builder
	base *url.URL
	pre  int
}

func (c *converter) block() {
	c.sb.WriteString("\n\n")
}

func (c *converter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if c.pre > 0 {
			c.sb.WriteString(n.Data)
			return
		}
		c.text(n.Data)
		return
	case html.ElementNode:
		if dropped[n.DataAtom] {
			return
		}
	}

	switch {
	case headingLevel[n.DataAtom] > 0:
		c.block()
		c.sb.WriteString(strings.Repeat("#", headingLevel[n.DataAtom]) + " ")
		c.children(n)
		c.block()
	case n.DataAtom == atom.Li:
		c.sb.WriteString("\n- ")
		c.children(n)
	case n.DataAtom == atom.Br:
		c.sb.WriteString("\n")
	case n.DataAtom == atom.Pre:
		c.block()
		c.sb.WriteString("```\n")
		c.pre++
		c.children(n)
		c.pre--
		c.sb.WriteString("\n```")
		c.block()
	case n.DataAtom == atom.A:
		c.link(n)
	case isBlock(n.DataAtom):
		c.block()
		c.children(n)
		c.block()
	default:
		c.children(n)
	}
}

// text writes a text node with its inner whitespace collapsed. Leading or
// trailing whitespace becomes a single separating space.
func (c *converter) text(s string) {
	t := strings.Join(strings.Fields(s), " ")
	if t == "" {
		if s != "" {
			c.space()
		}
		return
	}
	if isSpace(s[0]) {
		c.space()
	}
	c.sb.WriteString(t)
	if isSpace(s[len(s)-1]) {
		c.space()
	}
}

func (c *converter) space() {
	str := c.sb.String()
	if str == "" {
		return
	}
	if last := str[len(str)-1]; last == ' ' || last == '\n' {
		return
	}
	c.sb.WriteByte(' ')
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f'
}

func (c *converter) children(n *html.Node) {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.walk(ch)
	}
}

func (c *converter) link(n *html.Node) {
	label := strings.Join(strings.Fields(textOf(n)), " ")
	href := attr(n, "href")
	if label == "" {
		return
	}
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		c.sb.WriteString(label)
		return
	}
	if c.base != nil {
		if u, err := c.base.Parse(href); err == nil {
			href = u.String()
		}
	}
	c.sb.WriteString("[" + label + "](" + href + ")")
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main, atom.Header,
		atom.Blockquote, atom.Ul, atom.Ol, atom.Table, atom.Tr, atom.Dl,
		atom.Dd, atom.Dt, atom.Figcaption, atom.Figure, atom.Details,
		atom.Summary, atom.Hr, atom.Aside:
		return true
	}
	return false
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if found := find(ch, a); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		sb.WriteString(textOf(ch))
	}
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapse trims every line outside code fences and squeezes runs of
// blank lines.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank, fenced := false, false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fenced = !fenced
			line = strings.TrimSpace(line)
		} else if !fenced {
			line = strings.TrimSpace(line)
		}
		if line == "" && !fenced {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
