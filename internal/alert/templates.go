package alert

import (
	"html"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-faster/errors"
)

const productTemplate = `{{.Emoji}} <b>{{.Label}}</b> {{.Emoji}}

🏷️ <b>{{esc .Name}}</b>

💰 <b>Price:</b> {{esc .Price}}
🗂️ <b>Category:</b> {{esc .Category}}
📏 <b>Available Sizes:</b>
{{- if .Sizes}}{{range .Sizes}}
• {{esc .Label}}{{if gt .Qty 1}} ({{.Qty}}){{end}}{{end}}
📦 <b>Total Stock:</b> {{.Total}}
{{- else if .SoldOut}}
Currently sold out
{{- else}}
Check product page for sizes
{{- end}}
{{if .AppLink}}
🛒 <b>BUY NOW:</b> <a href="{{esc .AppLink}}">Open in App</a>{{end}}
🔗 <b>Web Link:</b> <a href="{{esc .URL}}">Click Here</a>

⏰ <i>{{clock .Time}}</i>`

const startupTemplate = `🤖 <b>{{esc .Name}} ACTIVATED</b> 🤖

✅ <b>Tracking:</b> {{esc .Tracking}}
✅ <b>Targets:</b> {{.Targets}}
✅ <b>Alerts:</b> New products and restocks with images and links
🕒 <b>Check Interval:</b> {{.Interval}}
{{- if .Version}}
🔖 <b>Version:</b> {{esc .Version}}{{end}}

🎯 <i>Ready to monitor stock...</i>`

const summaryTemplate = `📊 <b>{{esc .Name}} - STATUS SUMMARY</b>

📅 {{date .Time}}

📦 <b>Total Products:</b> {{.TotalTracked}}
🆕 <b>New Today:</b> {{.NewToday}}
🔄 <b>Restocks Today:</b> {{.RestocksToday}}
🚨 <b>Alerts Sent:</b> {{.AlertsSent}}

⏰ <b>Last Check:</b> {{if .LastCheck.IsZero}}N/A{{else}}{{clock .LastCheck}}{{end}}
✅ <b>Bot Status:</b> Running`

const shutdownTemplate = `🛑 <b>{{esc .Name}} STOPPED</b>

⏰ <i>{{clock .Time}}</i>`

type templates struct {
	product  *template.Template
	startup  *template.Template
	summary  *template.Template
	shutdown *template.Template
}

func parseTemplates(loc *time.Location) (*templates, error) {
	funcs := template.FuncMap{
		"esc": html.EscapeString,
		"clock": func(t time.Time) string {
			return t.In(loc).Format("15:04:05")
		},
		"date": func(t time.Time) string {
			return t.In(loc).Format("02 Jan 2006 15:04")
		},
	}
	parse := func(name, text string) (*template.Template, error) {
		t, err := template.New(name).Option("missingkey=zero").Funcs(funcs).Parse(text)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s template", name)
		}
		return t, nil
	}

	var (
		ts  templates
		err error
	)
	if ts.product, err = parse("product", productTemplate); err != nil {
		return nil, err
	}
	if ts.startup, err = parse("startup", startupTemplate); err != nil {
		return nil, err
	}
	if ts.summary, err = parse("summary", summaryTemplate); err != nil {
		return nil, err
	}
	if ts.shutdown, err = parse("shutdown", shutdownTemplate); err != nil {
		return nil, err
	}
	return &ts, nil
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", errors.Wrapf(err, "render %s", t.Name())
	}
	return strings.TrimSpace(b.String()), nil
}

type sizeLine struct {
	Label string
	Qty   int
}

// sizeOrder ranks common apparel sizes; anything else sorts after them.
var sizeOrder = []string{"XXS", "XS", "S", "M", "L", "XL", "XXL", "2XL", "XXXL", "3XL", "4XL", "5XL"}

// availableSizes lists sizes with stock in wearing order, then numerically,
// then alphabetically.
func availableSizes(sizes map[string]int) []sizeLine {
	var out []sizeLine
	for label, qty := range sizes {
		if qty > 0 {
			out = append(out, sizeLine{Label: label, Qty: qty})
		}
	}
	slices.SortFunc(out, func(a, b sizeLine) int {
		ra, rb := sizeRank(a.Label), sizeRank(b.Label)
		if ra != rb {
			return ra - rb
		}
		na, errA := strconv.Atoi(a.Label)
		nb, errB := strconv.Atoi(b.Label)
		if errA == nil && errB == nil {
			return na - nb
		}
		return strings.Compare(a.Label, b.Label)
	})
	return out
}

func sizeRank(label string) int {
	if i := slices.Index(sizeOrder, strings.ToUpper(label)); i >= 0 {
		return i
	}
	return len(sizeOrder)
}
