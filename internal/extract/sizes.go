package extract

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ParseSizes reads size availability from a product detail page. Sizes
// marked disabled or sold out count as 0; sizes listed without a stock count
// count as 1. It returns an empty map when the page lists no sizes.
func ParseSizes(body []byte) map[string]int {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return map[string]int{}
	}
	return sizesIn(goquery.NewDocumentFromNode(root).Selection)
}
