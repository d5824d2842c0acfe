package instrument

import (
	"os"

	"github.com/lazypower/fdleak/pkg/leak"
)

// File is an *os.File whose lifetime is reported to a Tracker.
type File struct {
	*os.File
	rel *releaser
}

func trackFile(t Tracker, f *os.File, stack []string) *File {
	return &File{
		File: f,
		rel:  newReleaser(t, leak.KindFile, f.Name(), stack),
	}
}

// Open is os.Open with tracking.
func Open(t Tracker, name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return trackFile(t, f, leak.CaptureStack(1)), nil
}

// Create is os.Create with tracking.
func Create(t Tracker, name string) (*File, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return trackFile(t, f, leak.CaptureStack(1)), nil
}

// OpenFile is os.OpenFile with tracking.
func OpenFile(t Tracker, name string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return trackFile(t, f, leak.CaptureStack(1)), nil
}

// CreateTemp is os.CreateTemp with tracking.
func CreateTemp(t Tracker, dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return trackFile(t, f, leak.CaptureStack(1)), nil
}

// Close closes the file and releases its handle. Closing twice releases
// once; the second call returns the file's own error.
func (f *File) Close() error {
	return f.rel.closeAndRelease(f.File.Close)
}

// Detach stops tracking and hands the underlying file to the caller, who
// becomes responsible for closing it.
func (f *File) Detach() (*os.File, error) {
	return f.File, f.rel.release()
}

// HandleID returns the tracker id of the file, or leak.NoHandle if the
// tracker was closed when the file was opened.
func (f *File) HandleID() leak.HandleID {
	return f.rel.id
}
