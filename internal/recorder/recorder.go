// Package recorder implements the append-only recording file and its index:
// every payload passed to WriteFrame is appended as a
// (timestamp int64 nanos)(length uint32)(payload) frame, and a separate
// index pass builds an in-memory (timestamp -> offset) table for
// seek-to-time playback.
//
// The file lifecycle (CreateFile once,
// WriteHeader once, then repeated WriteFrame/Flush calls, a
// recordsWritten counter, explicit Close) is grounded in off/off_test.go's
// Writer. The index's scan-and-tolerate-truncation behavior is grounded in
// original_source/crates/framework/src/index.rs, which rebuilds its index
// by scanning to EOF and treating a short trailing read as "nothing more
// was written yet" rather than a corrupt file.
package recorder

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Writer appends frames to one recording file. It is not safe for
// concurrent use by multiple goroutines; callers serialize writes through
// a single recording goroutine per session, the same shape WriteRecord's
// caller used.
type Writer struct {
	path           string
	file           *os.File
	buffered       *bufio.Writer
	headerWritten  bool
	recordsWritten int
}

// NewWriter creates a Writer for path. The file is not created until
// CreateFile is called, so constructing a Writer that never records costs
// nothing.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// CreateFile creates (or truncates) the backing file. Must be called before
// WriteHeader or WriteFrame.
func (w *Writer) CreateFile() error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("recorder: creating %s: %w", w.path, err)
	}
	w.file = f
	w.buffered = bufio.NewWriter(f)
	return nil
}

// Header is the single descriptive record written once at the start of a
// recording file, ahead of any data frames.
type Header struct {
	StartedAt   time.Time         `json:"started_at"`
	Label       string            `json:"label"`
	CyclerPaths []string          `json:"cycler_paths"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// WriteHeader writes the session header exactly once. A second call
// returns an error rather than silently writing a duplicate header,
// matching off_test.go's TestOff expectation that WriteHeader called twice
// fails.
func (w *Writer) WriteHeader(h Header) error {
	if w.headerWritten {
		return fmt.Errorf("recorder: header already written to %s", w.path)
	}
	encoded, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("recorder: encoding header: %w", err)
	}
	if err := writeFrame(w.buffered, h.StartedAt, encoded); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// WriteFrame appends one data frame: a committed snapshot's timestamp and
// its JSON-encoded payload.
func (w *Writer) WriteFrame(timestamp time.Time, payload []byte) error {
	if !w.headerWritten {
		return fmt.Errorf("recorder: cannot write a frame to %s before WriteHeader", w.path)
	}
	if err := writeFrame(w.buffered, timestamp, payload); err != nil {
		return err
	}
	w.recordsWritten++
	return nil
}

func writeFrame(w io.Writer, timestamp time.Time, payload []byte) error {
	if err := binary.Write(w, binary.LittleEndian, timestamp.UnixNano()); err != nil {
		return fmt.Errorf("recorder: writing frame timestamp: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("recorder: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("recorder: writing frame payload: %w", err)
	}
	return nil
}

// Flush pushes buffered frames to disk without closing the file, so an
// index build concurrent with an in-progress recording sees up-to-date
// data.
func (w *Writer) Flush() error {
	if w.buffered == nil {
		return nil
	}
	return w.buffered.Flush()
}

// Close flushes and closes the backing file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.buffered.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// RecordsWritten returns the number of data frames written so far (the
// header does not count).
func (w *Writer) RecordsWritten() int { return w.recordsWritten }

// HeaderWritten reports whether WriteHeader has succeeded.
func (w *Writer) HeaderWritten() bool { return w.headerWritten }

// Entry is one indexed frame: where it starts and how long its payload is.
type Entry struct {
	Timestamp time.Time
	Offset    int64
	Length    uint32
}

// Index is the in-memory (timestamp -> offset) table built by scanning a
// recording file once, used to seek directly to any point in a playback
// without re-reading everything before it.
type Index struct {
	Header  Entry
	Entries []Entry
}

// BuildIndex scans path from the start, recording every frame's offset,
// timestamp, and length. A short read at EOF — a frame whose declared
// length extends past the actual file size, meaning the writer was still
// mid-write when the index was built — ends the scan without error rather
// than failing the whole index, so a recording can be indexed while it is
// still being appended to.
func BuildIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: opening %s: %w", path, err)
	}
	defer f.Close()

	idx := &Index{}
	first := true
	var offset int64
	for {
		entry, ok, err := readFrameHeader(f, offset)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if first {
			idx.Header = entry
			first = false
		} else {
			idx.Entries = append(idx.Entries, entry)
		}
		offset = entry.Offset + 8 + 4 + int64(entry.Length)
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("recorder: seeking past frame: %w", err)
		}
	}
	return idx, nil
}

// readFrameHeader reads one frame's (timestamp, length) at the file's
// current position and reports ok=false, with no error, on a clean or
// truncated EOF.
func readFrameHeader(f *os.File, offset int64) (Entry, bool, error) {
	var nanos int64
	if err := binary.Read(f, binary.LittleEndian, &nanos); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("recorder: reading frame timestamp at offset %d: %w", offset, err)
	}
	var length uint32
	if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
		// A timestamp with no following length means the writer was
		// interrupted mid-frame-header; treat it the same as EOF.
		return Entry{}, false, nil
	}
	info, err := f.Stat()
	if err != nil {
		return Entry{}, false, fmt.Errorf("recorder: stat %s: %w", f.Name(), err)
	}
	if offset+8+4+int64(length) > info.Size() {
		// Declared payload runs past the current file size: the frame is
		// still being written. Stop the scan here, not an error.
		return Entry{}, false, nil
	}
	return Entry{
		Timestamp: time.Unix(0, nanos),
		Offset:    offset,
		Length:    length,
	}, true, nil
}

// SeekToTime returns the last indexed frame whose timestamp is <= target,
// and whether one exists.
func (idx *Index) SeekToTime(target time.Time) (Entry, bool) {
	i := sort.Search(len(idx.Entries), func(i int) bool {
		return idx.Entries[i].Timestamp.After(target)
	})
	if i == 0 {
		return Entry{}, false
	}
	return idx.Entries[i-1], true
}

// ReadPayload reads one frame's payload given its indexed Entry.
func ReadPayload(path string, e Entry) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(e.Offset+8+4, io.SeekStart); err != nil {
		return nil, fmt.Errorf("recorder: seeking to payload: %w", err)
	}
	payload := make([]byte, e.Length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("recorder: reading payload: %w", err)
	}
	return payload, nil
}

// WriteLabelSidecar writes a small "<path>.label" JSON file naming this
// recording session, so a client listing recordings can show a
// human-assigned label without re-reading the (potentially large)
// recording file's header frame.
func WriteLabelSidecar(path, label string) error {
	encoded, err := json.Marshal(struct {
		Label string `json:"label"`
	}{Label: label})
	if err != nil {
		return err
	}
	return os.WriteFile(path+".label", encoded, 0o644)
}

// ReadLabelSidecar reads back a label written by WriteLabelSidecar, if any.
func ReadLabelSidecar(path string) (string, error) {
	raw, err := os.ReadFile(path + ".label")
	if err != nil {
		return "", err
	}
	var decoded struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	return decoded.Label, nil
}
