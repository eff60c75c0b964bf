package sources

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Node-walking helpers shared by the HTML portals.

func parseHTML(body []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(body))
}

func walkHTML(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, fn)
	}
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, f := range strings.Fields(attrVal(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText concatenates all text under the node, whitespace-collapsed.
func nodeText(n *html.Node) string {
	var b strings.Builder
	walkHTML(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// firstByClass returns the first descendant carrying the CSS class.
func firstByClass(n *html.Node, class string) *html.Node {
	var found *html.Node
	walkHTML(n, func(c *html.Node) {
		if found == nil && hasClass(c, class) {
			found = c
		}
	})
	return found
}

// eachByClass calls fn for every descendant carrying the CSS class.
func eachByClass(n *html.Node, class string, fn func(*html.Node)) {
	walkHTML(n, func(c *html.Node) {
		if hasClass(c, class) {
			fn(c)
		}
	})
}

var (
	roomsRe = regexp.MustCompile(`(\d+)\s*[-\s]?комн`)
	areaRe  = regexp.MustCompile(`([\d]+(?:[.,]\d+)?)\s*м²`)
	floorRe = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
	digitRe = regexp.MustCompile(`\d`)
)

// parseRoomsText reads "2-комн." style fragments; 0 when absent.
func parseRoomsText(s string) int {
	m := roomsRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// parseAreaText reads "45.5 м²" style fragments; 0 when absent.
func parseAreaText(s string) float64 {
	m := areaRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	f, _ := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	return f
}

// parseFloorText reads "3/9" style fragments into the canonical "n/N".
func parseFloorText(s string) string {
	m := floorRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1] + "/" + m[2]
}

// parsePriceText extracts the digits of a human price like "50 000 $";
// 0 when the text holds none.
func parsePriceText(s string) int64 {
	digits := digitRe.FindAllString(s, -1)
	if len(digits) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(strings.Join(digits, ""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
