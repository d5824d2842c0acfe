package client

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lazypower/fdleak/internal/server"
	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/lazypower/fdleak/pkg/store"
	"github.com/lazypower/fdleak/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Client, *tracker.Tracker) {
	t.Helper()
	st, err := store.OpenDir(filepath.Join(t.TempDir(), "records"))
	require.NoError(t, err)

	tr := tracker.New(st, leak.NewFactory(leak.Policy{Matchers: []string{""}}),
		tracker.WithInterval(time.Hour))
	tr.Start()
	t.Cleanup(tr.Close)

	ts := httptest.NewServer(server.New(st, tr, "test"))
	t.Cleanup(ts.Close)
	return New(ts.URL), tr
}

func TestNewFallsBackToEnv(t *testing.T) {
	t.Setenv("FDLEAK_URL", "http://example.invalid:1")
	assert.Equal(t, "http://example.invalid:1", New("").URL())

	t.Setenv("FDLEAK_URL", "")
	assert.Equal(t, DefaultServerURL, New("").URL())
}

func TestHealth(t *testing.T) {
	c, tr := newTestServer(t)
	tr.Acquire(leak.KindFile, "/tmp/x", []string{"a.go:1 in main.a"})

	assert.True(t, c.Healthy())
	h, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.Tracking)
	assert.Equal(t, 1, h.Live)
}

func TestSweepAndRecords(t *testing.T) {
	c, tr := newTestServer(t)
	id := tr.Acquire(leak.KindFile, "/tmp/x", []string{"a.go:1 in main.a"})

	n, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	handles, err := c.Handles()
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, id, handles[0].ID)
	assert.NotEmpty(t, handles[0].RecordID)

	records, err := c.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.go:1 in main.a", records[0].Identifier)

	deleted, err := c.DeleteRecord(records[0].ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.DeleteRecord(records[0].ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	assert.False(t, c.Healthy())
	_, err := c.Health()
	assert.Error(t, err)
}
