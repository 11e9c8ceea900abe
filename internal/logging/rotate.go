package logging

import (
	"os"
	"sync"
)

// sizeRotatingWriter is a minimal size-based log rotator: once the current
// file would exceed maxBytes, it is renamed with a ".1" suffix (replacing
// any previous ".1") and a fresh file is opened. This mirrors the shape of
// the original's file_size_mb rotation without pulling in a dedicated
// rotation library, since none of the teacher's or the pack's dependency
// surfaces include one.
type sizeRotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
}

func newSizeRotatingWriter(path string, maxBytes int64) *sizeRotatingWriter {
	w := &sizeRotatingWriter{path: path, maxBytes: maxBytes}
	w.open()
	return w
}

func (w *sizeRotatingWriter) open() {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.file = nil
		w.size = 0
		return
	}
	info, statErr := f.Stat()
	w.file = f
	if statErr == nil {
		w.size = info.Size()
	}
}

func (w *sizeRotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		w.open()
		if w.file == nil {
			return len(p), nil
		}
	}

	if w.maxBytes > 0 && w.size+int64(len(p)) > w.maxBytes {
		w.rotate()
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *sizeRotatingWriter) rotate() {
	w.file.Close()
	rotated := w.path + ".1"
	os.Remove(rotated)
	os.Rename(w.path, rotated)
	w.open()
}
