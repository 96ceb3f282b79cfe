package archive

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/stockwatch/internal/fetch"
)

func TestArchiveRead(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "payloads"))
	require.NoError(t, err)

	u, err := url.Parse("https://www.shein.in/api/goodsList/get?cat_id=2513")
	require.NoError(t, err)
	p := &fetch.Payload{
		Target:    "verse men",
		Strategy:  "direct",
		URL:       u,
		Body:      []byte(`{"info":{"goods":[]}}`),
		FetchedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	path, err := w.Archive(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "verse_men-20260301T100000.000000000.gz", filepath.Base(path))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "verse_men", got.Target)
	assert.Equal(t, "direct", got.Strategy)
	assert.Equal(t, u.String(), got.URL.String())
	assert.Equal(t, p.Body, got.Body)
	assert.True(t, p.FetchedAt.Equal(got.FetchedAt))

	files, err := List(filepath.Join(dir, "payloads"))
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestArchive_CancelledContext(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Archive(ctx, &fetch.Payload{Target: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRead_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gz")
	require.NoError(t, os.WriteFile(path, []byte("plain"), 0o600))

	_, err := Read(path)
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "a.gz")
	fresh := filepath.Join(dir, "b.gz")
	require.NoError(t, os.WriteFile(old, nil, 0o600))
	require.NoError(t, os.WriteFile(fresh, nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600))

	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))

	n, err := Prune(dir, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	files, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, files)
}
