package extract

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xenking/stockwatch/internal/domain/product"
)

const (
	containerSelector = ".S-product-item, .c-product-list__item, .product-card, .j-expose__product-item, div[data-product-id]"
	nameSelector      = ".product-name, .goods-name, .name, .product-card__title, .goods-title-link"
	priceSelector     = ".price, .current-price, .goods-price, .product-card__price, .normal-price-ctn__sale-price"
	soldOutSelector   = ".sold-out, .soldout, .product-card__sold-out, .out-of-stock"
	sizeSelector      = ".product-size-select option, .sku-item, .size-option, [data-size]"
)

var soldOutClasses = []string{"sold-out", "soldout", "out-of-stock", "unavailable", "disabled"}

func (e *Engine) markup(src *source, emit emitFunc) {
	doc := src.document()
	if doc == nil {
		return
	}
	doc.Find(containerSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var b product.Builder
		if !guard(func() { b = mapContainer(s) }) {
			return true
		}
		return emit(b)
	})
}

// mapContainer pulls link, image, name and price from one listing container,
// falling back field by field.
func mapContainer(s *goquery.Selection) product.Builder {
	link := s.Find("a[href]").First()
	if goquery.NodeName(s) == "a" {
		link = s
	}

	img := s.Find("img").First()
	b := product.Builder{
		NativeID: firstAttr(s, "data-product-id", "data-goods-id", "data-id"),
		URL:      link.AttrOr("href", ""),
		ImageURL: imageSrc(img),
		Amount:   text(s.Find(priceSelector).First()),
		SoldOut:  containerSoldOut(s),
	}
	if b.Amount == "" {
		b.Amount = firstAttr(s, "data-price", "data-sale-price")
	}

	b.Name = text(s.Find(nameSelector).First())
	if b.Name == "" {
		b.Name = strings.TrimSpace(img.AttrOr("alt", ""))
	}
	if b.Name == "" {
		b.Name = strings.TrimSpace(link.AttrOr("title", ""))
	}

	if sizes := sizesIn(s); len(sizes) > 0 {
		b.Sizes = sizes
	}
	return b
}

func imageSrc(img *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-original", "data-lazy-src", "src"} {
		v := strings.TrimSpace(img.AttrOr(attr, ""))
		if v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	return ""
}

func containerSoldOut(s *goquery.Selection) bool {
	if hasAnyClass(s, "sold-out", "soldout", "out-of-stock") {
		return true
	}
	if s.Find(soldOutSelector).Length() > 0 {
		return true
	}
	return strings.Contains(strings.ToLower(s.Text()), "sold out")
}

// sizesIn reads size availability from option-like children of s.
func sizesIn(s *goquery.Selection) map[string]int {
	sizes := make(map[string]int)
	s.Find(sizeSelector).Each(func(_ int, opt *goquery.Selection) {
		label := firstAttr(opt, "data-size", "data-value")
		if label == "" {
			label = text(opt)
		}
		if label == "" || isPlaceholder(label) {
			return
		}

		qty := 1
		if v := firstAttr(opt, "data-stock", "data-quantity"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				qty = max(n, 0)
			}
		}
		if _, disabled := opt.Attr("disabled"); disabled || hasAnyClass(opt, soldOutClasses...) {
			qty = 0
		}
		sizes[label] = max(qty, sizes[label])
	})
	return sizes
}

func isPlaceholder(label string) bool {
	l := strings.ToLower(label)
	return strings.HasPrefix(l, "select") || strings.HasPrefix(l, "choose") || l == "-"
}

func hasAnyClass(s *goquery.Selection, classes ...string) bool {
	for _, c := range classes {
		if s.HasClass(c) {
			return true
		}
	}
	return false
}

func firstAttr(s *goquery.Selection, attrs ...string) string {
	for _, a := range attrs {
		if v := strings.TrimSpace(s.AttrOr(a, "")); v != "" {
			return v
		}
	}
	return ""
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}
