package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// scriptKeys introduce inline listing arrays in page state blobs such as
// window.gbProductListSsrData or __NEXT_DATA__.
var scriptKeys = []string{`"goods"`, `"products"`, `"goodsList"`, `"productList"`}

var unescaper = strings.NewReplacer(`\"`, `"`, `\/`, `/`, `\u002F`, `/`, `\u0022`, `"`)

func (e *Engine) script(src *source, emit emitFunc) {
	doc := src.document()
	if doc == nil {
		return
	}
	var bodies []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if t := s.Text(); strings.Contains(t, "[") {
			bodies = append(bodies, t)
		}
	})

	for _, body := range bodies {
		variants := []string{body}
		if strings.Contains(body, `\"`) {
			variants = append(variants, unescaper.Replace(body))
		}
		for _, v := range variants {
			for _, raw := range listingArrays(v) {
				root, err := decodeJSON([]byte(raw))
				if err != nil {
					continue
				}
				arr, ok := root.([]any)
				if !ok || !hasObject(arr) {
					continue
				}
				if !emitListing(arr, emit) {
					return
				}
			}
		}
	}
}

// listingArrays returns the JSON array literals that follow any scriptKeys
// occurrence in s.
func listingArrays(s string) []string {
	var out []string
	for _, key := range scriptKeys {
		for offset := 0; offset < len(s); {
			i := strings.Index(s[offset:], key)
			if i < 0 {
				break
			}
			pos := offset + i + len(key)
			offset = pos

			pos = skipSpace(s, pos)
			if pos >= len(s) || s[pos] != ':' {
				continue
			}
			pos = skipSpace(s, pos+1)
			if pos >= len(s) || s[pos] != '[' {
				continue
			}
			if arr, ok := cutArray(s, pos); ok {
				out = append(out, arr)
				offset = pos + len(arr)
			}
		}
	}
	return out
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

// cutArray returns the bracket-balanced array starting at s[start], skipping
// brackets inside string literals.
func cutArray(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
