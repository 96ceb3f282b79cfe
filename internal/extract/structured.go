package extract

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/stockwatch/internal/domain/product"
)

const maxJSONDepth = 32

// listingKeys name arrays that hold listing entries, most specific first.
var listingKeys = []string{"goods", "products", "goodsList", "productList", "items", "listings", "list", "results"}

var (
	idKeys        = []string{"goods_id", "goodsId", "productId", "product_id", "id", "sku", "goods_sn"}
	nameKeys      = []string{"goods_name", "goodsName", "productName", "product_name", "name", "title"}
	priceKeys     = []string{"salePrice", "sale_price", "price", "retailPrice", "retail_price", "currentPrice"}
	priceSubKeys  = []string{"amount", "amountWithSymbol", "value", "usdAmount"}
	urlKeys       = []string{"goods_url_path", "goods_url", "productUrl", "product_url", "detail_url", "url", "link", "href"}
	imageKeys     = []string{"goods_img", "goodsImg", "imageUrl", "image_url", "image", "img", "thumbnail", "goods_thumb"}
	sizeListKeys  = []string{"sku_list", "skuList", "skus", "sizes", "size_list", "variants"}
	sizeLabelKeys = []string{"size", "attr_value_name", "sizeName", "label", "name"}
	stockKeys     = []string{"stock", "quantity", "inventory", "qty"}
)

var slugPattern = regexp.MustCompile(`[^A-Za-z0-9]+`)

func (e *Engine) structured(src *source, emit emitFunc) {
	body := bytes.TrimSpace(src.body)
	if len(body) == 0 || (body[0] != '{' && body[0] != '[') {
		return
	}
	root, err := decodeJSON(body)
	if err != nil {
		return
	}
	emitListing(findListing(root, 0), emit)
}

// emitListing maps every object entry; entries that fail to map are skipped.
// It returns false once emit asks to stop.
func emitListing(entries []any, emit emitFunc) bool {
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		var b product.Builder
		if !guard(func() { b = mapEntry(obj) }) {
			continue
		}
		if !emit(b) {
			return false
		}
	}
	return true
}

// findListing locates the first array of objects under a listing key,
// searching breadth-first so "info.goods" beats a nested "related.goods".
func findListing(node any, depth int) []any {
	if arr, ok := node.([]any); ok && depth == 0 && hasObject(arr) {
		return arr
	}
	level := []any{node}
	for d := 0; d < 5 && len(level) > 0; d++ {
		var next []any
		for _, n := range level {
			obj, ok := n.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range listingKeys {
				if arr, ok := obj[key].([]any); ok && hasObject(arr) {
					return arr
				}
			}
			for _, v := range obj {
				if _, ok := v.(map[string]any); ok {
					next = append(next, v)
				}
			}
		}
		level = next
	}
	return nil
}

func hasObject(arr []any) bool {
	for _, v := range arr {
		if _, ok := v.(map[string]any); ok {
			return true
		}
	}
	return false
}

// mapEntry converts one listing object into a Builder.
func mapEntry(obj map[string]any) product.Builder {
	b := product.Builder{
		NativeID: firstString(obj, idKeys),
		Name:     firstString(obj, nameKeys),
		Amount:   priceOf(obj),
		URL:      firstString(obj, urlKeys),
		ImageURL: firstString(obj, imageKeys),
		SoldOut:  soldOut(obj),
	}
	if b.URL == "" && b.NativeID != "" {
		slug := strings.Trim(slugPattern.ReplaceAllString(firstString(obj, []string{"goods_url_name"}), "-"), "-")
		if slug == "" {
			slug = "product"
		}
		b.URL = "/" + slug + "-p-" + b.NativeID + ".html"
	}
	if sizes := sizesOf(obj); len(sizes) > 0 {
		b.Sizes = sizes
	}
	return b
}

func priceOf(obj map[string]any) string {
	for _, k := range priceKeys {
		switch v := obj[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if s := firstString(v, priceSubKeys); s != "" {
				return s
			}
		}
	}
	return ""
}

func soldOut(obj map[string]any) bool {
	for _, k := range []string{"is_sold_out", "isSoldOut", "soldOut", "sold_out"} {
		if truthy(obj[k]) {
			return true
		}
	}
	if v, ok := obj["is_on_sale"]; ok && !truthy(v) {
		return true
	}
	for _, k := range stockKeys {
		if s, ok := obj[k].(string); ok {
			if n, err := strconv.Atoi(s); err == nil && n <= 0 {
				return true
			}
		}
	}
	return false
}

func sizesOf(obj map[string]any) map[string]int {
	for _, k := range sizeListKeys {
		arr, ok := obj[k].([]any)
		if !ok {
			continue
		}
		sizes := make(map[string]int, len(arr))
		for _, item := range arr {
			sku, ok := item.(map[string]any)
			if !ok {
				continue
			}
			label := firstString(sku, sizeLabelKeys)
			if label == "" {
				continue
			}
			qty, known := stockOf(sku)
			if !known {
				// Listed without a count: available unless flagged otherwise.
				qty = 1
			}
			if truthy(sku["is_sold_out"]) || truthy(sku["soldOut"]) {
				qty = 0
			}
			sizes[label] = max(qty, sizes[label])
		}
		if len(sizes) > 0 {
			return sizes
		}
	}
	return nil
}

func stockOf(obj map[string]any) (int, bool) {
	for _, k := range stockKeys {
		if s, ok := obj[k].(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return max(int(f), 0), true
			}
		}
	}
	if v, ok := obj["available"].(bool); ok {
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func truthy(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "1", "true", "yes", "y":
			return true
		}
	}
	return false
}

// decodeJSON decodes the first JSON value in data into maps, slices, strings
// (numbers keep their literal text), bools and nils.
func decodeJSON(data []byte) (any, error) {
	return decodeValue(jx.DecodeBytes(data), 0)
}

func decodeValue(d *jx.Decoder, depth int) (any, error) {
	if depth > maxJSONDepth {
		return nil, errors.New("json nesting too deep")
	}
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		return n.String(), nil
	case jx.Bool:
		return d.Bool()
	case jx.Null:
		return nil, d.Null()
	case jx.Array:
		var arr []any
		err := d.Arr(func(d *jx.Decoder) error {
			v, err := decodeValue(d, depth+1)
			if err != nil {
				return err
			}
			arr = append(arr, v)
			return nil
		})
		return arr, err
	case jx.Object:
		obj := make(map[string]any)
		err := d.Obj(func(d *jx.Decoder, key string) error {
			v, err := decodeValue(d, depth+1)
			if err != nil {
				return err
			}
			obj[key] = v
			return nil
		})
		return obj, err
	default:
		return nil, errors.New("invalid json value")
	}
}
