// Package classify assigns a category to a listing from keyword rules.
package classify

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-faster/errors"

	"github.com/xenking/stockwatch/internal/domain/product"
)

// Default keyword sets. Keywords match whole words; a trailing "*" makes a
// keyword match any word it starts.
var (
	DefaultPriorityKeywords = []string{
		"men", "mens", "menswear", "man", "male", "boy", "boys", "guy", "guys", "unisex",
	}
	DefaultOtherKeywords = []string{
		"women", "womens", "womenswear", "woman", "female", "girl", "girls", "lady", "ladies",
		"dress*", "skirt*", "bra", "bras", "boyfriend",
	}
)

// Config describes the two keyword sets and the fallback category.
type Config struct {
	Priority         product.Category
	PriorityKeywords []string
	Other            product.Category
	OtherKeywords    []string
	// Default is returned when neither set matches.
	Default product.Category
}

// Classifier is a deterministic keyword classifier. The zero value is not
// usable; construct with New.
type Classifier struct {
	priority product.Category
	other    product.Category
	def      product.Category
	pk       []string
	ok       []string
}

// New validates cfg and returns a Classifier.
func New(cfg Config) (*Classifier, error) {
	if cfg.Priority == "" || cfg.Other == "" {
		return nil, errors.New("both category labels are required")
	}
	if cfg.Priority == cfg.Other {
		return nil, errors.Errorf("category labels must differ, got %q twice", cfg.Priority)
	}
	if cfg.Default == "" {
		return nil, errors.New("default category is required")
	}
	c := &Classifier{
		priority: cfg.Priority,
		other:    cfg.Other,
		def:      cfg.Default,
		pk:       normalize(cfg.PriorityKeywords),
		ok:       normalize(cfg.OtherKeywords),
	}
	if len(c.pk) == 0 && len(c.ok) == 0 {
		return nil, errors.New("at least one keyword is required")
	}
	return c, nil
}

// Priority returns the priority (monitored) category label.
func (c *Classifier) Priority() product.Category { return c.priority }

// Classify returns exactly one category for the pair. The name is consulted
// first; URL path segments only when the name matches neither set. A match of
// both sets at the same level resolves to the priority category.
func (c *Classifier) Classify(name, rawURL string) product.Category {
	if cat, ok := c.match(strings.ToLower(name)); ok {
		return cat
	}
	if cat, ok := c.match(urlText(rawURL)); ok {
		return cat
	}
	return c.def
}

// Apply sets rec.Category when it has not been assigned yet.
func (c *Classifier) Apply(rec *product.Record) {
	if rec.Category == "" || rec.Category == product.CategoryUnclassified {
		rec.Category = c.Classify(rec.Name, rec.URL)
	}
}

func (c *Classifier) match(text string) (product.Category, bool) {
	if text == "" {
		return "", false
	}
	if anyWord(text, c.pk) {
		return c.priority, true
	}
	if anyWord(text, c.ok) {
		return c.other, true
	}
	return "", false
}

func urlText(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Path)
}

func normalize(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func anyWord(text string, keywords []string) bool {
	for _, k := range keywords {
		if kw, ok := strings.CutSuffix(k, "*"); ok {
			if kw != "" && containsWord(text, kw, true) {
				return true
			}
			continue
		}
		if containsWord(text, k, false) {
			return true
		}
	}
	return false
}

// containsWord reports whether kw occurs in text at a position not preceded
// by a letter and, unless prefix is set, not followed by one. So "men"
// matches "men's" but neither "women" nor "mentor", and "man" does not match
// "mango".
func containsWord(text, kw string, prefix bool) bool {
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return false
		}
		at := offset + i
		end := at + len(kw)
		offset = at + 1

		if at > 0 {
			if prev, _ := utf8.DecodeLastRuneInString(text[:at]); unicode.IsLetter(prev) {
				continue
			}
		}
		if !prefix && end < len(text) {
			if next, _ := utf8.DecodeRuneInString(text[end:]); unicode.IsLetter(next) {
				continue
			}
		}
		return true
	}
	return false
}
