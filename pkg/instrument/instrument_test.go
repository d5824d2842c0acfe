package instrument

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/lazypower/fdleak/pkg/store"
	"github.com/lazypower/fdleak/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acquired struct {
	kind  leak.Kind
	owner string
	stack []string
}

type recordingTracker struct {
	mu         sync.Mutex
	next       leak.HandleID
	acquired   map[leak.HandleID]acquired
	released   []leak.HandleID
	releaseErr error
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{acquired: make(map[leak.HandleID]acquired)}
}

func (r *recordingTracker) Acquire(kind leak.Kind, owner string, stack []string) leak.HandleID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.acquired[r.next] = acquired{kind, owner, stack}
	return r.next
}

func (r *recordingTracker) Release(id leak.HandleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, id)
	return r.releaseErr
}

func (r *recordingTracker) releases() []leak.HandleID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]leak.HandleID(nil), r.released...)
}

func TestCreateRecordsCallSite(t *testing.T) {
	rt := newRecordingTracker()
	path := filepath.Join(t.TempDir(), "out.txt")

	f, err := Create(rt, path)
	require.NoError(t, err)
	defer f.Close()

	a := rt.acquired[f.HandleID()]
	assert.Equal(t, leak.KindFile, a.kind)
	assert.Equal(t, path, a.owner)
	require.NotEmpty(t, a.stack)
	assert.Contains(t, a.stack[0], "TestCreateRecordsCallSite")
}

func TestCloseReleasesOnce(t *testing.T) {
	rt := newRecordingTracker()
	f, err := CreateTemp(rt, t.TempDir(), "fdleak-*")
	require.NoError(t, err)

	_, err = f.WriteString("tested")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = f.Close()
	assert.True(t, errors.Is(err, os.ErrClosed), "second close reports the file's own error")
	assert.Equal(t, []leak.HandleID{f.HandleID()}, rt.releases())
}

func TestCloseReturnsReleaseError(t *testing.T) {
	rt := newRecordingTracker()
	rt.releaseErr = errors.New("store unavailable")

	f, err := CreateTemp(rt, t.TempDir(), "fdleak-*")
	require.NoError(t, err)

	err = f.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestDetachStopsTracking(t *testing.T) {
	rt := newRecordingTracker()
	f, err := CreateTemp(rt, t.TempDir(), "fdleak-*")
	require.NoError(t, err)

	raw, err := f.Detach()
	require.NoError(t, err)
	assert.Equal(t, []leak.HandleID{f.HandleID()}, rt.releases())

	// The raw file is still open and usable.
	_, err = raw.WriteString("still open")
	assert.NoError(t, err)
	require.NoError(t, raw.Close())

	// Closing the wrapper afterwards does not release again.
	_ = f.Close()
	assert.Len(t, rt.releases(), 1)
}

func TestOpenMissingFile(t *testing.T) {
	rt := newRecordingTracker()

	_, err := Open(rt, filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, rt.acquired, "failed opens are not tracked")
}

func TestListenDialAccept(t *testing.T) {
	rt := newRecordingTracker()

	l, err := Listen(rt, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := Dial(rt, "tcp", l.Addr().String())
	require.NoError(t, err)

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("Accept timed out")
	}

	rt.mu.Lock()
	assert.Len(t, rt.acquired, 3, "listener, client and server conns")
	assert.Contains(t, rt.acquired[client.HandleID()].owner, "tcp 127.0.0.1:")
	assert.Contains(t, rt.acquired[l.HandleID()].owner, "listen")
	rt.mu.Unlock()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
	require.NoError(t, l.Close())
	assert.Len(t, rt.releases(), 3)
}

func TestTrackerIntegration(t *testing.T) {
	st, err := store.OpenDir(filepath.Join(t.TempDir(), "records"))
	require.NoError(t, err)

	tr := tracker.New(st, leak.NewFactory(leak.Policy{MinAge: 0, Matchers: []string{"TestTrackerIntegration"}}),
		tracker.WithInterval(time.Hour))
	tr.Start()
	defer tr.Close()

	path := filepath.Join(t.TempDir(), "leaky.txt")
	f, err := Create(tr, path)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Len())

	handles := tr.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, path, handles[0].Owner)
	assert.WithinDuration(t, time.Now(), handles[0].CreatedAt, 5*time.Second)

	require.NoError(t, tr.Sweep())
	records, err := st.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Identifier, "TestTrackerIntegration")

	require.NoError(t, f.Close())
	assert.Zero(t, tr.Len())
	records, err = st.List()
	require.NoError(t, err)
	assert.Empty(t, records, "closing the file removes its record")
}

func TestClosedTrackerDoesNotTrack(t *testing.T) {
	tr := tracker.New(store.NewLog(nil), leak.NewFactory(leak.DefaultPolicy()))

	f, err := CreateTemp(tr, t.TempDir(), "fdleak-*")
	require.NoError(t, err)
	assert.Equal(t, leak.NoHandle, f.HandleID())
	assert.NoError(t, f.Close())
}
