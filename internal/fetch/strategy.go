package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Strategy builds the request for one retrieval method.
type Strategy struct {
	Name string
	// Mobile selects user agents from the mobile pool.
	Mobile bool
	build  func(u *url.URL, now time.Time) plan
}

// plan is what a strategy sends for one attempt. A nil body means GET.
type plan struct {
	method string
	url    *url.URL
	header http.Header
	body   []byte
}

// Built-in strategy names.
const (
	StrategyDirect   = "direct"
	StrategyRendered = "rendered"
	StrategyMobile   = "mobile"
)

const (
	acceptJSON = "application/json, text/plain, */*"
	acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
)

// CategoryParam is the query parameter that turns a direct request into a
// listing filter POST.
const CategoryParam = "cat_id"

// Filter is the listing query the direct strategy posts to filter endpoints.
type Filter struct {
	PageSize int
	// Sort is the catalog sort code, "7" is newest first.
	Sort     string
	Language string
	Country  string
	Currency string
}

// DefaultFilter asks for the newest 60 items of the Indian storefront.
var DefaultFilter = Filter{
	PageSize: 60,
	Sort:     "7",
	Language: "en",
	Country:  "IN",
	Currency: "INR",
}

func (f Filter) withDefaults() Filter {
	if f.PageSize <= 0 {
		f.PageSize = DefaultFilter.PageSize
	}
	if f.Sort == "" {
		f.Sort = DefaultFilter.Sort
	}
	if f.Language == "" {
		f.Language = DefaultFilter.Language
	}
	if f.Country == "" {
		f.Country = DefaultFilter.Country
	}
	if f.Currency == "" {
		f.Currency = DefaultFilter.Currency
	}
	return f
}

// encode renders the filter body for category catID, first page.
func (f Filter) encode(catID string) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("filterParams", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("catId", func(e *jx.Encoder) { e.Str(catID) })
				e.Field("page", func(e *jx.Encoder) { e.Int(1) })
				e.Field("pageSize", func(e *jx.Encoder) { e.Int(f.PageSize) })
				e.Field("sort", func(e *jx.Encoder) { e.Str(f.Sort) })
			})
		})
		e.Field("language", func(e *jx.Encoder) { e.Str(f.Language) })
		e.Field("country", func(e *jx.Encoder) { e.Str(f.Country) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(f.Currency) })
	})
	return e.Bytes()
}

// Direct calls the listing API with DefaultFilter.
func Direct() Strategy {
	return DirectFilter(DefaultFilter)
}

// DirectFilter calls the listing API. A URL carrying cat_id is sent as a
// JSON POST of f for that category, with cat_id moved into the body; any
// other URL is requested as-is.
func DirectFilter(f Filter) Strategy {
	f = f.withDefaults()
	return Strategy{
		Name: StrategyDirect,
		build: func(u *url.URL, _ time.Time) plan {
			h := http.Header{}
			h.Set("Accept", acceptJSON)
			h.Set("X-Requested-With", "XMLHttpRequest")
			h.Set("Referer", origin(u)+"/")
			h.Set("Origin", origin(u))

			q := u.Query()
			catID := q.Get(CategoryParam)
			if catID == "" {
				return plan{method: http.MethodGet, url: u, header: h}
			}
			q.Del(CategoryParam)
			target := *u
			target.RawQuery = q.Encode()
			h.Set("Content-Type", "application/json")
			return plan{method: http.MethodPost, url: &target, header: h, body: f.encode(catID)}
		},
	}
}

// Rendered requests the rendered page with a cache-busting parameter.
func Rendered() Strategy {
	return Strategy{
		Name: StrategyRendered,
		build: func(u *url.URL, now time.Time) plan {
			busted := *u
			q := busted.Query()
			q.Set("v", strconv.FormatInt(now.Unix(), 10))
			busted.RawQuery = q.Encode()

			h := http.Header{}
			h.Set("Accept", acceptHTML)
			h.Set("Cache-Control", "no-cache")
			h.Set("Upgrade-Insecure-Requests", "1")
			h.Set("Referer", origin(u)+"/")
			return plan{method: http.MethodGet, url: &busted, header: h}
		},
	}
}

// Mobile requests the page from the mobile host variant.
func Mobile() Strategy {
	return Strategy{
		Name:   StrategyMobile,
		Mobile: true,
		build: func(u *url.URL, _ time.Time) plan {
			m := *u
			m.Host = MobileHost(u.Host)

			h := http.Header{}
			h.Set("Accept", acceptHTML)
			h.Set("Referer", origin(&m)+"/")
			return plan{method: http.MethodGet, url: &m, header: h}
		},
	}
}

// StrategiesByName resolves configured strategy names in order. The direct
// strategy posts f.
func StrategiesByName(names []string, f Filter) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case StrategyDirect:
			out = append(out, DirectFilter(f))
		case StrategyRendered:
			out = append(out, Rendered())
		case StrategyMobile:
			out = append(out, Mobile())
		case "":
		default:
			return nil, errors.Errorf("unknown fetch strategy %q", name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one fetch strategy is required")
	}
	return out, nil
}

// MobileHost maps "www.example.com" and "example.com" to "m.example.com".
func MobileHost(host string) string {
	switch {
	case strings.HasPrefix(host, "m."):
		return host
	case strings.HasPrefix(host, "www."):
		return "m." + strings.TrimPrefix(host, "www.")
	default:
		return "m." + host
	}
}

// newRequest builds the HTTP request for s against raw using identity id.
func (s Strategy) newRequest(ctx context.Context, raw string, id *identity, now time.Time) (*http.Request, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse target url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("target url %q must be http or https", raw)
	}

	pl := s.build(u, now)
	var req *http.Request
	if pl.body != nil {
		req, err = http.NewRequestWithContext(ctx, pl.method, pl.url.String(), bytes.NewReader(pl.body))
	} else {
		req, err = http.NewRequestWithContext(ctx, pl.method, pl.url.String(), nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, v := range pl.header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", id.userAgent)
	req.Header.Set("Accept-Language", id.acceptLanguage)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("DNT", "1")
	for _, c := range id.cookies(pl.url) {
		req.AddCookie(c)
	}
	return req, nil
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
