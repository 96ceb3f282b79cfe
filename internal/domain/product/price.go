package product

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	amountPattern   = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	nativeIDPattern = regexp.MustCompile(`-p-(\d+)(?:\.html|$|/)`)
)

// ParseAmount extracts the first numeric amount from a price string such as
// "₹1,299.00", "Rs. 499" or "799". Negative and unparsable inputs are
// rejected.
func ParseAmount(s string) (decimal.Decimal, bool) {
	m := amountPattern.FindString(s)
	if m == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", ""))
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// FormatPrice renders an amount with a currency prefix and thousands
// separators. Whole amounts are printed without a fractional part.
func FormatPrice(amount decimal.Decimal, currency string) string {
	var s string
	if amount.Equal(amount.Truncate(0)) {
		s = amount.Truncate(0).String()
	} else {
		s = amount.StringFixed(2)
	}

	intPart, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	b.WriteString(currency)
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// NativeIDFromURL returns the catalog's numeric product id embedded in links
// of the form "/name-p-12345.html", or "" when absent.
func NativeIDFromURL(link string) string {
	m := nativeIDPattern.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return m[1]
}
