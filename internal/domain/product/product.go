// Package product defines the canonical listing record shared by the fetch,
// extraction, tracking and alerting stages.
package product

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

const (
	// UnknownPrice is the price sentinel for listings without a readable amount.
	UnknownPrice = "unknown"
	// UnknownName is the placeholder for listings without a readable title.
	UnknownName = "Unknown Product"
	// MaxNameLength bounds Name in runes so rendered alerts stay within
	// messaging limits.
	MaxNameLength = 100
)

// ErrInvalidURL is returned when a product link cannot be made absolute.
var ErrInvalidURL = errors.New("invalid product url")

// Category is a classification label such as "men" or "women".
type Category string

// Recognized categories.
const (
	CategoryMen          Category = "men"
	CategoryWomen        Category = "women"
	CategoryUnclassified Category = "unclassified"
)

// Record is a single product listing as observed at ObservedAt.
type Record struct {
	ID       string
	NativeID string
	Name     string
	Price    string
	Amount   decimal.NullDecimal
	URL      string
	ImageURL string
	Category Category
	Sizes    map[string]int
	SoldOut  bool

	ObservedAt time.Time
}

// Available returns the total quantity across all listed sizes.
func (r Record) Available() int {
	total := 0
	for _, q := range r.Sizes {
		total += q
	}
	return total
}

// OutOfStock reports whether the listing is explicitly sold out, or lists
// sizes none of which are available. A listing with no size information and
// no sold-out marker counts as in stock.
func (r Record) OutOfStock() bool {
	if r.SoldOut {
		return true
	}
	return len(r.Sizes) > 0 && r.Available() == 0
}

// Builder collects raw fields for a Record and normalizes them in Build.
type Builder struct {
	NativeID string
	Name     string
	Amount   string
	URL      string
	ImageURL string
	Sizes    map[string]int
	SoldOut  bool
	// Base resolves relative URL and ImageURL values.
	Base *url.URL
	// Currency is prefixed to formatted amounts.
	Currency string
	// Host, when set, replaces the host of the canonical URL so links seen
	// through mirror hosts map to the same identity.
	Host string
}

// Build normalizes the collected fields into a Record. It fails only when no
// absolute product URL can be derived, because the URL is the identity.
func (b Builder) Build(observedAt time.Time) (Record, error) {
	link, err := Canonicalize(b.URL, b.Base)
	if err != nil {
		return Record{}, err
	}
	if b.Host != "" {
		link = withHost(link, b.Host)
	}

	rec := Record{
		ID:         DeriveID(link),
		NativeID:   strings.TrimSpace(b.NativeID),
		Name:       NormalizeName(b.Name),
		Price:      UnknownPrice,
		URL:        link,
		Category:   CategoryUnclassified,
		Sizes:      make(map[string]int, len(b.Sizes)),
		SoldOut:    b.SoldOut,
		ObservedAt: observedAt,
	}
	if amount, ok := ParseAmount(b.Amount); ok {
		rec.Amount = decimal.NullDecimal{Decimal: amount, Valid: true}
		rec.Price = FormatPrice(amount, b.Currency)
	}
	if b.ImageURL != "" {
		if img, err := resolve(b.ImageURL, b.Base); err == nil {
			rec.ImageURL = img
		}
	}
	for size, qty := range b.Sizes {
		size = strings.TrimSpace(size)
		if size == "" {
			continue
		}
		rec.Sizes[size] = max(qty, 0)
	}
	if rec.NativeID == "" {
		rec.NativeID = NativeIDFromURL(link)
	}
	return rec, nil
}

// DeriveID returns the stable identifier for a canonical product URL.
func DeriveID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:8])
}

// Canonicalize resolves raw against base and strips everything that does not
// identify the product: query, fragment, trailing slash, host case.
func Canonicalize(raw string, base *url.URL) (string, error) {
	abs, err := resolve(raw, base)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(abs)
	if err != nil {
		return "", errors.Wrap(ErrInvalidURL, err.Error())
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String(), nil
}

func withHost(link, host string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	u.Host = strings.ToLower(host)
	return u.String()
}

func resolve(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.Wrap(ErrInvalidURL, "empty")
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidURL, "parse %q", raw)
	}
	if !u.IsAbs() {
		if base == nil {
			return "", errors.Wrapf(ErrInvalidURL, "relative %q without base", raw)
		}
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Wrapf(ErrInvalidURL, "scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Wrapf(ErrInvalidURL, "no host in %q", raw)
	}
	return u.String(), nil
}

// NormalizeName collapses whitespace and truncates to MaxNameLength runes.
func NormalizeName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return UnknownName
	}
	if utf8.RuneCountInString(s) <= MaxNameLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxNameLength-3])) + "..."
}
