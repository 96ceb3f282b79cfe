package fetch

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Mock implementations ---

type step struct {
	status int
	body   string
	header http.Header
	err    error
}

type scriptedDoer struct {
	mu    sync.Mutex
	steps []step
	reqs  []*http.Request
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reqs = append(d.reqs, req)
	if len(d.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := d.steps[0]
	d.steps = d.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	h := s.header
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Request:    req,
	}, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.waits = append(r.waits, d)
	}
	return ctx.Err()
}

// --- Helpers ---

const validJSON = `{"info":{"goods":[{"goods_id":"1"}]}}`

func testConfig() Config {
	return Config{
		CooldownMin:      time.Second,
		CooldownMax:      2 * time.Second,
		CooldownCap:      8 * time.Second,
		MaxAttempts:      2,
		TransportRetries: 1,
		BackoffBase:      500 * time.Millisecond,
		ExpectedMarkers:  []string{"shein"},
		Cookies:          "cookieConsent=1; region=IN",
	}
}

func newTestEngine(t *testing.T, cfg Config, doer Doer, sleeper *sleepRecorder) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, doer, zap.NewNop(),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithSleep(sleeper.sleep),
	)
	require.NoError(t, err)
	return e
}

func testTarget() Target {
	return Target{Name: "verse-men", URLs: []string{"https://www.shein.in/sheinverse/men-c-2513.html"}}
}

// --- Tests ---

func TestFetch_SoftBlockBetweenValidResponses(t *testing.T) {
	doer := &scriptedDoer{steps: []step{
		{status: http.StatusOK, body: validJSON},
		{status: http.StatusForbidden},
		{status: http.StatusOK, body: `[{"goods_id":"2"}]`},
	}}
	sleeper := &sleepRecorder{}
	e := newTestEngine(t, testConfig(), doer, sleeper)

	first, err := e.Fetch(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, validJSON, string(first.Body))
	assert.Equal(t, KindStructured, first.Kind)
	assert.Equal(t, StrategyDirect, first.Strategy)
	assert.Equal(t, int64(0), e.State().SoftBlocks)

	second, err := e.Fetch(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, `[{"goods_id":"2"}]`, string(second.Body))
	assert.Equal(t, int64(1), e.State().SoftBlocks)
	assert.Equal(t, int64(3), e.State().Requests)
	assert.Zero(t, e.State().BackoffLevel)

	require.Len(t, sleeper.waits, 1)
	assert.GreaterOrEqual(t, sleeper.waits[0], time.Second)
	assert.LessOrEqual(t, sleeper.waits[0], 2*time.Second)
}

func TestFetch_AllStrategiesSoftBlocked(t *testing.T) {
	var steps []step
	for range 6 {
		steps = append(steps, step{status: http.StatusTooManyRequests})
	}
	doer := &scriptedDoer{steps: steps}
	e := newTestEngine(t, testConfig(), doer, &sleepRecorder{})

	p, err := e.Fetch(context.Background(), testTarget())
	require.Error(t, err)
	assert.Nil(t, p)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "verse-men", failure.Target)
	assert.Equal(t, 6, failure.SoftBlocks())
	assert.Len(t, failure.Errors(), 6)
	assert.Len(t, doer.reqs, 6, "three strategies with two attempts each")
	assert.Equal(t, int64(6), e.State().SoftBlocks)
}

func TestFetch_ContentSniffFailureIsSoftBlock(t *testing.T) {
	doer := &scriptedDoer{steps: []step{
		{status: http.StatusOK, body: "<html><body>Please complete the CAPTCHA</body></html>"},
		{status: http.StatusOK, body: "<html><title>SHEIN India</title></html>"},
	}}
	e := newTestEngine(t, testConfig(), doer, &sleepRecorder{})

	p, err := e.Fetch(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, KindMarkup, p.Kind)
	assert.Equal(t, int64(1), e.State().SoftBlocks)
}

func TestFetch_UnrecognizedMarkupIsSoftBlock(t *testing.T) {
	doer := &scriptedDoer{steps: []step{
		{status: http.StatusOK, body: "<html>parked domain</html>"},
		{status: http.StatusOK, body: "   "},
	}}
	cfg := testConfig()
	cfg.Strategies = []Strategy{Direct()}
	e := newTestEngine(t, cfg, doer, &sleepRecorder{})

	_, err := e.Fetch(context.Background(), testTarget())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSoftBlock)
}

func TestFetch_TransportErrorBacksOff(t *testing.T) {
	doer := &scriptedDoer{steps: []step{
		{err: errors.New("connection reset")},
		{status: http.StatusOK, body: validJSON},
	}}
	sleeper := &sleepRecorder{}
	e := newTestEngine(t, testConfig(), doer, sleeper)

	p, err := e.Fetch(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, p.Strategy)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, sleeper.waits)
	assert.Equal(t, int64(1), e.State().TransportErrors)
	assert.Zero(t, e.State().SoftBlocks)
}

func TestFetch_TransportRetriesExhaustedMovesOn(t *testing.T) {
	doer := &scriptedDoer{steps: []step{
		{err: errors.New("timeout")},
		{status: http.StatusBadGateway},
		{status: http.StatusOK, body: "<html>shein</html>"},
	}}
	e := newTestEngine(t, testConfig(), doer, &sleepRecorder{})

	p, err := e.Fetch(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, StrategyRendered, p.Strategy)
	assert.Equal(t, int64(2), e.State().TransportErrors)
}

func TestFetch_UnexpectedStatusSkipsStrategy(t *testing.T) {
	doer := &scriptedDoer{steps: []step{
		{status: http.StatusNotFound},
		{status: http.StatusOK, body: "<html>shein</html>"},
	}}
	sleeper := &sleepRecorder{}
	e := newTestEngine(t, testConfig(), doer, sleeper)

	p, err := e.Fetch(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, StrategyRendered, p.Strategy)
	assert.Empty(t, sleeper.waits)
}

func TestFetch_FallsThroughTargetURLs(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []Strategy{Direct()}
	cfg.MaxAttempts = 1
	doer := &scriptedDoer{steps: []step{
		{status: http.StatusForbidden},
		{status: http.StatusOK, body: validJSON},
	}}
	e := newTestEngine(t, cfg, doer, &sleepRecorder{})

	target := Target{Name: "t", URLs: []string{"https://www.shein.in/a", "https://www.shein.in/api/b"}}
	p, err := e.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, "/api/b", p.URL.Path)
}

func TestFetch_NoURLs(t *testing.T) {
	e := newTestEngine(t, testConfig(), &scriptedDoer{}, &sleepRecorder{})

	_, err := e.Fetch(context.Background(), Target{Name: "empty"})
	require.ErrorIs(t, err, ErrNoTargetURLs)
}

func TestFetch_CancelledContext(t *testing.T) {
	doer := &scriptedDoer{steps: []step{{status: http.StatusForbidden}}}
	e := newTestEngine(t, testConfig(), doer, &sleepRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Fetch(ctx, testTarget())
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetch_DropsSessionAfterSoftBlock(t *testing.T) {
	blocked := http.Header{}
	blocked.Add("Set-Cookie", "sess=tainted; Path=/")
	ok := http.Header{}
	ok.Add("Set-Cookie", "sess=good; Path=/")

	cfg := testConfig()
	cfg.MaxAttempts = 3
	doer := &scriptedDoer{steps: []step{
		{status: http.StatusOK, body: validJSON, header: ok},
		{status: http.StatusOK, body: validJSON},
		{status: http.StatusForbidden, header: blocked},
		{status: http.StatusOK, body: validJSON},
	}}
	e := newTestEngine(t, cfg, doer, &sleepRecorder{})

	for range 3 {
		_, err := e.Fetch(context.Background(), testTarget())
		require.NoError(t, err)
	}
	require.Len(t, doer.reqs, 4)

	// Session cookie is replayed while the identity lives.
	c, err := doer.reqs[1].Cookie("sess")
	require.NoError(t, err)
	assert.Equal(t, "good", c.Value)

	// After the block the new identity starts clean but keeps seed cookies.
	_, err = doer.reqs[3].Cookie("sess")
	assert.ErrorIs(t, err, http.ErrNoCookie)
	seed, err := doer.reqs[3].Cookie("region")
	require.NoError(t, err)
	assert.Equal(t, "IN", seed.Value)
}

func TestFetch_DirectPostsFilterOnEveryAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []Strategy{Direct()}
	doer := &scriptedDoer{steps: []step{
		{status: http.StatusForbidden},
		{status: http.StatusOK, body: validJSON},
	}}
	e := newTestEngine(t, cfg, doer, &sleepRecorder{})

	target := Target{Name: "verse-men", URLs: []string{"https://www.shein.in/api/user/goods/findGoodsListByFilter?cat_id=2513"}}
	p, err := e.Fetch(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, p.URL.RawQuery)

	require.Len(t, doer.reqs, 2)
	for _, req := range doer.reqs {
		assert.Equal(t, http.MethodPost, req.Method)
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"catId":"2513"`)
	}
}

func TestFetch_RotatesIdentityEveryAttempt(t *testing.T) {
	doer := &scriptedDoer{steps: []step{
		{err: errors.New("connection reset")},
		{status: http.StatusOK, body: validJSON},
		{err: errors.New("connection reset")},
		{status: http.StatusOK, body: validJSON},
		{status: http.StatusOK, body: validJSON},
	}}
	e := newTestEngine(t, testConfig(), doer, &sleepRecorder{})

	for range 3 {
		_, err := e.Fetch(context.Background(), testTarget())
		require.NoError(t, err)
	}
	require.Len(t, doer.reqs, 5)

	agents := make(map[string]struct{})
	for i, req := range doer.reqs {
		agents[req.Header.Get("User-Agent")] = struct{}{}
		if i > 0 {
			assert.NotEqual(t, doer.reqs[i-1].Header.Get("User-Agent"), req.Header.Get("User-Agent"),
				"attempt %d reused the previous user agent", i)
		}
	}
	assert.Greater(t, len(agents), 1)
}

func TestFetch_DecodesGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	_, err := gz.Write([]byte(validJSON))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	h := http.Header{}
	h.Set("Content-Encoding", "gzip")
	doer := &scriptedDoer{steps: []step{{status: http.StatusOK, body: buf.String(), header: h}}}
	e := newTestEngine(t, testConfig(), doer, &sleepRecorder{})

	p, err := e.Fetch(context.Background(), testTarget())
	require.NoError(t, err)
	assert.Equal(t, validJSON, string(p.Body))
	assert.Equal(t, "gzip", doer.reqs[0].Header.Get("Accept-Encoding"))
}

func TestFetch_RandomDelayFromInjectedSource(t *testing.T) {
	cfg := testConfig()
	cfg.DelayMin = 2 * time.Second
	cfg.DelayMax = 5 * time.Second

	run := func() []time.Duration {
		sleeper := &sleepRecorder{}
		doer := &scriptedDoer{steps: []step{{status: http.StatusOK, body: validJSON}}}
		e := newTestEngine(t, cfg, doer, sleeper)
		_, err := e.Fetch(context.Background(), testTarget())
		require.NoError(t, err)
		return sleeper.waits
	}

	first := run()
	require.Len(t, first, 1)
	assert.GreaterOrEqual(t, first[0], 2*time.Second)
	assert.LessOrEqual(t, first[0], 5*time.Second)
	assert.Equal(t, first, run(), "same seed yields the same delay")
}

func TestCooldown_Escalates(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownMin = time.Second
	cfg.CooldownMax = time.Second
	cfg.CooldownCap = 3 * time.Second
	e := newTestEngine(t, cfg, &scriptedDoer{}, &sleepRecorder{})

	assert.Equal(t, time.Second, e.cooldown(1))
	assert.Equal(t, 2*time.Second, e.cooldown(2))
	assert.Equal(t, 3*time.Second, e.cooldown(3))
	assert.Equal(t, 3*time.Second, e.cooldown(10))
}

func TestNewEngine_InvalidProxy(t *testing.T) {
	cfg := testConfig()
	cfg.Proxies = []string{"::not a url"}

	_, err := NewEngine(cfg, &scriptedDoer{}, zap.NewNop())
	require.Error(t, err)
}

func TestParseCookies(t *testing.T) {
	got := ParseCookies(" a=1; b = two ;broken; =x; c=")
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "two", got[1].Value)
	assert.Equal(t, "c", got[2].Name)
	assert.Empty(t, got[2].Value)
}
