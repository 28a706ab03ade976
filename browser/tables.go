package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Table is one parsed HTML table: header cells (from <th>, possibly empty)
// and body rows of cell text.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ParseTables extracts every <table> in the document. Portal record lists
// are almost always server-rendered tables; adapters match columns by header
// name rather than position where they can.
func ParseTables(doc string) ([]Table, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("browser: parse html: %w", err)
	}

	var tables []Table
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table {
			tables = append(tables, parseTable(n))
			return // nested tables inside cells are rare and ignored
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return tables, nil
}

func parseTable(table *html.Node) Table {
	var t Table
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			headers, cells := parseRow(n)
			if len(headers) > 0 && t.Headers == nil {
				t.Headers = headers
				return
			}
			if len(cells) > 0 {
				t.Rows = append(t.Rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return t
}

func parseRow(tr *html.Node) (headers, cells []string) {
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Th:
			headers = append(headers, collectText(c))
		case atom.Td:
			cells = append(cells, collectText(c))
		}
	}
	return headers, cells
}

// collectText extracts all visible text from a node subtree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
