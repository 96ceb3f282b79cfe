package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/stockwatch/internal/domain/product"
	"github.com/xenking/stockwatch/internal/telegram"
	"github.com/xenking/stockwatch/internal/tracker"
)

// --- Mock implementations ---

type sent struct {
	photo   string
	text    string
	chatID  string
	isPhoto bool
}

type mockMessenger struct {
	mu        sync.Mutex
	calls     []sent
	photoErrs []error
	textErrs  []error
}

func (m *mockMessenger) SendPhoto(_ context.Context, chatID, photoURL, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sent{photo: photoURL, text: caption, chatID: chatID, isPhoto: true})
	return pop(&m.photoErrs)
}

func (m *mockMessenger) SendText(_ context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sent{text: text, chatID: chatID})
	return pop(&m.textErrs)
}

// pop returns the next scripted error; the last one repeats.
func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	if len(*errs) > 1 {
		*errs = (*errs)[1:]
	}
	return err
}

func (m *mockMessenger) count(photo bool) int {
	n := 0
	for _, c := range m.calls {
		if c.isPhoto == photo {
			n++
		}
	}
	return n
}

type mockRecorder struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *mockRecorder) RecordAlert(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, at)
}

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

// --- Helpers ---

var fixedNow = time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)

func newTestDispatcher(t *testing.T, m *mockMessenger, rec Recorder, sl *sleepRecorder) *Dispatcher {
	t.Helper()
	d, err := New(Config{ChatID: "-100", Name: "SHEIN VERSE", DeepLink: "shein://product?id="}, m, rec, zap.NewNop(),
		WithClock(func() time.Time { return fixedNow }),
		WithSleep(sl.sleep),
	)
	require.NoError(t, err)
	return d
}

func record() product.Record {
	return product.Record{
		ID:       "a1",
		NativeID: "101",
		Name:     "Men Oversized Tee",
		Price:    "₹499",
		URL:      "https://www.shein.in/Men-Oversized-Tee-p-101.html",
		ImageURL: "https://img.ltwebstatic.com/a.jpg",
		Category: product.CategoryMen,
		Sizes:    map[string]int{"L": 1, "M": 3, "S": 0},
	}
}

// --- Tests ---

func TestDispatch_Photo(t *testing.T) {
	m, rec, sl := &mockMessenger{}, &mockRecorder{}, &sleepRecorder{}
	d := newTestDispatcher(t, m, rec, sl)

	res := d.Dispatch(context.Background(), record(), tracker.New)

	assert.True(t, res.Delivered)
	assert.True(t, res.Photo)
	require.NoError(t, res.Err)
	require.Len(t, m.calls, 1)
	assert.Equal(t, "https://img.ltwebstatic.com/a.jpg", m.calls[0].photo)
	assert.Equal(t, "-100", m.calls[0].chatID)
	assert.Equal(t, []time.Time{fixedNow}, rec.times)
}

func TestDispatch_PhotoFailsTextSucceeds(t *testing.T) {
	m := &mockMessenger{photoErrs: []error{&telegram.APIError{Code: 400, Description: "Bad Request: wrong file identifier"}}}
	rec, sl := &mockRecorder{}, &sleepRecorder{}
	d := newTestDispatcher(t, m, rec, sl)

	res := d.Dispatch(context.Background(), record(), tracker.Restocked)

	assert.True(t, res.Delivered)
	assert.False(t, res.Photo)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, m.count(true))
	assert.Equal(t, 1, m.count(false))
	assert.Len(t, rec.times, 1, "exactly one alert recorded")
	assert.Equal(t, m.calls[0].text, m.calls[1].text, "text carries the same content")
	assert.Empty(t, sl.waits)
}

func TestDispatch_NoImageSendsText(t *testing.T) {
	m, rec, sl := &mockMessenger{}, &mockRecorder{}, &sleepRecorder{}
	d := newTestDispatcher(t, m, rec, sl)
	r := record()
	r.ImageURL = ""

	res := d.Dispatch(context.Background(), r, tracker.New)

	assert.True(t, res.Delivered)
	assert.Equal(t, 0, m.count(true))
	assert.Equal(t, 1, m.count(false))
}

func TestDispatch_LongCaptionSkipsPhoto(t *testing.T) {
	m, rec, sl := &mockMessenger{}, &mockRecorder{}, &sleepRecorder{}
	d := newTestDispatcher(t, m, rec, sl)
	r := record()
	r.Sizes = make(map[string]int)
	for i := range 120 {
		r.Sizes[fmt.Sprintf("EU-%03d", i)] = 5
	}

	res := d.Dispatch(context.Background(), r, tracker.New)

	assert.True(t, res.Delivered)
	assert.Equal(t, 0, m.count(true))
}

func TestDispatch_TextRetries(t *testing.T) {
	tests := []struct {
		name          string
		textErrs      []error
		wantDelivered bool
		wantAttempts  int
		wantWaits     []time.Duration
	}{
		{
			name:          "transient then success",
			textErrs:      []error{errors.New("connection reset"), errors.New("connection reset"), nil},
			wantDelivered: true,
			wantAttempts:  3,
			wantWaits:     []time.Duration{2 * time.Second, 4 * time.Second},
		},
		{
			name:          "flood control honours retry_after",
			textErrs:      []error{&telegram.APIError{Code: 429, RetryAfter: 7 * time.Second}, nil},
			wantDelivered: true,
			wantAttempts:  2,
			wantWaits:     []time.Duration{7 * time.Second},
		},
		{
			name:          "retry_after capped",
			textErrs:      []error{&telegram.APIError{Code: 429, RetryAfter: time.Hour}, nil},
			wantDelivered: true,
			wantAttempts:  2,
			wantWaits:     []time.Duration{time.Minute},
		},
		{
			name:         "unauthorized is permanent",
			textErrs:     []error{&telegram.APIError{Code: 401, Description: "Unauthorized"}},
			wantAttempts: 1,
		},
		{
			name:         "every attempt fails",
			textErrs:     []error{errors.New("timeout")},
			wantAttempts: 3,
			wantWaits:    []time.Duration{2 * time.Second, 4 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockMessenger{textErrs: tt.textErrs}
			rec, sl := &mockRecorder{}, &sleepRecorder{}
			d := newTestDispatcher(t, m, rec, sl)
			r := record()
			r.ImageURL = ""

			res := d.Dispatch(context.Background(), r, tracker.New)

			assert.Equal(t, tt.wantDelivered, res.Delivered)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
			assert.Equal(t, tt.wantWaits, sl.waits)
			if tt.wantDelivered {
				assert.NoError(t, res.Err)
				assert.Len(t, rec.times, 1)
			} else {
				assert.Error(t, res.Err)
				assert.Empty(t, rec.times)
			}
		})
	}
}

func TestDispatch_Unchanged(t *testing.T) {
	m, rec, sl := &mockMessenger{}, &mockRecorder{}, &sleepRecorder{}
	d := newTestDispatcher(t, m, rec, sl)

	res := d.Dispatch(context.Background(), record(), tracker.Unchanged)

	assert.ErrorIs(t, res.Err, ErrNoChange)
	assert.Empty(t, m.calls)
}

func TestRender(t *testing.T) {
	d := newTestDispatcher(t, &mockMessenger{}, nil, &sleepRecorder{})

	t.Run("new product", func(t *testing.T) {
		r := record()
		r.Name = `Tee <Limited> & "Co"`
		body, err := d.Render(r, tracker.New)
		require.NoError(t, err)

		assert.Contains(t, body, "🆕 NEW PRODUCT")
		assert.Contains(t, body, "Tee &lt;Limited&gt; &amp; &#34;Co&#34;")
		assert.Contains(t, body, "₹499")
		assert.Contains(t, body, "men")
		assert.Contains(t, body, "• M (3)\n• L\n📦 <b>Total Stock:</b> 4")
		assert.NotContains(t, body, "• S")
		assert.Contains(t, body, `<a href="shein://product?id=101">`)
		assert.Contains(t, body, `<a href="https://www.shein.in/Men-Oversized-Tee-p-101.html">`)
		assert.Contains(t, body, "14:05:09")
	})

	t.Run("restock without sizes or native id", func(t *testing.T) {
		r := record()
		r.Sizes = nil
		r.NativeID = ""
		body, err := d.Render(r, tracker.Restocked)
		require.NoError(t, err)

		assert.Contains(t, body, "🔄 RESTOCK")
		assert.Contains(t, body, "Check product page for sizes")
		assert.NotContains(t, body, "shein://")
		assert.NotContains(t, body, "Total Stock")
	})

	t.Run("new but sold out", func(t *testing.T) {
		r := record()
		r.SoldOut = true
		r.Sizes = map[string]int{"M": 0}
		body, err := d.Render(r, tracker.New)
		require.NoError(t, err)
		assert.Contains(t, body, "Currently sold out")
	})
}

func TestAvailableSizes(t *testing.T) {
	got := availableSizes(map[string]int{"XL": 1, "32": 2, "S": 4, "30": 1, "One Size": 1, "M": 0, "xs": 1})
	var labels []string
	for _, s := range got {
		labels = append(labels, s.Label)
	}
	assert.Equal(t, []string{"xs", "S", "XL", "30", "32", "One Size"}, labels)
}

func TestServiceMessages(t *testing.T) {
	m, sl := &mockMessenger{}, &sleepRecorder{}
	d := newTestDispatcher(t, m, nil, sl)
	ctx := context.Background()

	require.NoError(t, d.SendStartup(ctx, StartupInfo{Tracking: "Shein Verse - Men", Targets: 2, Interval: 30 * time.Second}))
	require.NoError(t, d.SendSummary(ctx, Summary{
		TotalTracked:  120,
		NewToday:      4,
		RestocksToday: 2,
		AlertsSent:    6,
		LastCheck:     fixedNow.Add(-30 * time.Second),
	}))
	require.NoError(t, d.SendSummary(ctx, Summary{}))
	require.NoError(t, d.SendShutdown(ctx))

	require.Len(t, m.calls, 4)
	assert.Contains(t, m.calls[0].text, "SHEIN VERSE ACTIVATED")
	assert.Contains(t, m.calls[0].text, "Shein Verse - Men")
	assert.Contains(t, m.calls[0].text, "30s")

	summary := m.calls[1].text
	for _, want := range []string{"120", "New Today:</b> 4", "Restocks Today:</b> 2", "Alerts Sent:</b> 6", "14:04:39", "01 Mar 2026"} {
		assert.Contains(t, summary, want)
	}
	assert.Contains(t, m.calls[2].text, "Last Check:</b> N/A")
	assert.True(t, strings.HasPrefix(m.calls[3].text, "🛑"))

	assert.Zero(t, m.count(true))
}

func TestServiceMessages_Error(t *testing.T) {
	m := &mockMessenger{textErrs: []error{&telegram.APIError{Code: 401}}}
	d := newTestDispatcher(t, m, nil, &sleepRecorder{})

	err := d.SendShutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, telegram.ErrUnauthorized)
}

func TestNew_RequiresChat(t *testing.T) {
	_, err := New(Config{}, &mockMessenger{}, nil, zap.NewNop())
	assert.Error(t, err)
}
