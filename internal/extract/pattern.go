package extract

import (
	"html"
	"regexp"

	"github.com/xenking/stockwatch/internal/domain/product"
)

const patternWindow = 2000

var (
	productLinkPattern = regexp.MustCompile(`href=["']([^"'\s]*-p-\d+[^"'\s]*)["']`)
	imagePattern       = regexp.MustCompile(`(?:data-src|data-original|src)=["']([^"'\s]+\.(?:jpe?g|png|webp)[^"'\s]*)["']`)
	titlePattern       = regexp.MustCompile(`(?:title|alt|aria-label)=["']([^"']{3,200})["']`)
	pricePattern       = regexp.MustCompile(`(?:₹|Rs\.?|INR|\$)\s*([\d,]+(?:\.\d+)?)`)
)

// pattern is the last-resort scan: every product-looking link plus whatever
// image, title and price appear shortly after it.
func (e *Engine) pattern(src *source, emit emitFunc) {
	body := string(src.body)
	links := productLinkPattern.FindAllStringSubmatchIndex(body, -1)

	for i, m := range links {
		end := min(m[0]+patternWindow, len(body))
		if i+1 < len(links) && links[i+1][0] < end {
			end = links[i+1][0]
		}
		window := body[m[0]:end]

		b := product.Builder{URL: html.UnescapeString(body[m[2]:m[3]])}
		if sm := imagePattern.FindStringSubmatch(window); sm != nil {
			b.ImageURL = html.UnescapeString(sm[1])
		}
		if sm := titlePattern.FindStringSubmatch(window); sm != nil {
			b.Name = html.UnescapeString(sm[1])
		}
		if sm := pricePattern.FindStringSubmatch(window); sm != nil {
			b.Amount = sm[1]
		}
		if !emit(b) {
			return
		}
	}
}
