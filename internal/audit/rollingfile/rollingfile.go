// Package rollingfile appends audit events as newline-delimited JSON to a
// sequence of files in one directory. A file is closed and a new one started
// when the next write would cross the size limit or the current file already
// holds the configured number of events. At most MaxFiles files are retained;
// a manifest.json in the directory lists them so a restarted writer resumes
// the sequence instead of overwriting history.
package rollingfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/safego"
	"github.com/auditcore/auditcore/internal/telemetry"
)

const (
	// ManifestName is the manifest file name inside the audit directory.
	ManifestName = "manifest.json"

	defaultBaseName = "audit"
	archiveTimeout  = 5 * time.Minute
)

func init() {
	audit.RegisterWriter("file", func(cfg config.AuditWriterConfig, deps audit.Deps) (audit.Writer, error) {
		if cfg.File == nil {
			return nil, fmt.Errorf("file config is required for file writer")
		}
		opts := Options{
			Dir:          cfg.File.Dir,
			BaseName:     cfg.File.BaseName,
			MaxSizeBytes: cfg.File.MaxSizeBytes,
			MaxEvents:    cfg.File.MaxEvents,
			MaxFiles:     cfg.File.MaxFiles,
			Logger:       deps.Logger,
		}
		if cfg.File.Archive {
			opts.Archiver = deps.Archiver
		}
		return Open(opts)
	})
}

// Options configures a Writer. Zero limits disable the corresponding rotation
// or retention rule.
type Options struct {
	Dir          string
	BaseName     string
	MaxSizeBytes int64
	MaxEvents    int
	MaxFiles     int
	// Archiver, when set, receives every closed file.
	Archiver audit.Archiver
	Logger   *slog.Logger
}

// Manifest describes the files a writer has produced and still retains,
// oldest first. The last entry is the file being written.
type Manifest struct {
	BaseName  string    `json:"base_name"`
	Sequence  int       `json:"sequence"`
	Current   string    `json:"current"`
	Files     []string  `json:"files"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Writer is a rolling NDJSON audit writer. It is safe for concurrent use.
type Writer struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	file   *os.File
	seq    int
	size   int64
	events int
	files  []string // names relative to Dir, oldest first
	closed bool

	archiving sync.WaitGroup
	pending   map[string]chan struct{} // archive uploads in flight, by name
}

// FileName returns the name of the file with the given sequence number.
func FileName(base string, seq int) string {
	return fmt.Sprintf("%s.%06d.ndjson", base, seq)
}

// Open creates the directory if needed and resumes from an existing manifest.
func Open(opts Options) (*Writer, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("rolling file writer requires a directory")
	}
	if opts.BaseName == "" {
		opts.BaseName = defaultBaseName
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	w := &Writer{
		opts:    opts,
		log:     opts.Logger.With(slog.String(telemetry.ComponentKey, "audit.file")),
		pending: make(map[string]chan struct{}),
	}

	m, err := ReadManifest(opts.Dir)
	switch {
	case err == nil && m.Sequence > 0 && m.BaseName == opts.BaseName:
		w.seq = m.Sequence
		w.files = m.Files
	case err == nil || errors.Is(err, fs.ErrNotExist):
		w.seq = 1
		w.files = []string{FileName(opts.BaseName, 1)}
	default:
		return nil, err
	}
	if len(w.files) == 0 || w.files[len(w.files)-1] != FileName(opts.BaseName, w.seq) {
		w.files = append(w.files, FileName(opts.BaseName, w.seq))
	}

	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	if err := w.writeManifest(); err != nil {
		_ = w.file.Close()
		return nil, err
	}
	return w, nil
}

// openCurrent opens the current sequence file for appending and restores the
// size and event counters from its contents.
func (w *Writer) openCurrent() error {
	path := filepath.Join(w.opts.Dir, FileName(w.opts.BaseName, w.seq))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	events := 0
	if info.Size() > 0 {
		events, err = countLines(path)
		if err != nil {
			_ = f.Close()
			return err
		}
	}
	w.file = f
	w.size = info.Size()
	w.events = events
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// Append writes e as one JSON line, rotating first when the line would not fit.
func (w *Writer) Append(_ context.Context, e audit.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("rolling file writer is closed")
	}
	// A failed rotation leaves no open file; resume the current sequence.
	if w.file == nil {
		if err := w.openCurrent(); err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}

	if w.shouldRotate(int64(len(data))) {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit log: %w", err)
		}
	}
	n, err := w.file.Write(data)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	w.events++
	return nil
}

// shouldRotate never rotates an empty file, so an event larger than the size
// limit still gets written exactly once.
func (w *Writer) shouldRotate(next int64) bool {
	if w.events == 0 {
		return false
	}
	if w.opts.MaxSizeBytes > 0 && w.size+next > w.opts.MaxSizeBytes {
		return true
	}
	return w.opts.MaxEvents > 0 && w.events >= w.opts.MaxEvents
}

func (w *Writer) rotate() error {
	closedName := FileName(w.opts.BaseName, w.seq)
	if err := w.file.Sync(); err != nil {
		w.log.Warn("failed to sync audit file before rotation", "file", closedName, "error", err)
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return err
	}

	w.seq++
	if err := w.openCurrent(); err != nil {
		w.seq--
		return err
	}
	w.files = append(w.files, FileName(w.opts.BaseName, w.seq))
	telemetry.AuditFileRotationsTotal.Inc()
	w.log.Info("rotated audit file", "closed", closedName, "current", FileName(w.opts.BaseName, w.seq))

	if w.opts.Archiver != nil {
		w.archive(closedName)
	}

	if w.opts.MaxFiles > 0 {
		for len(w.files) > w.opts.MaxFiles {
			oldest := w.files[0]
			w.files = w.files[1:]
			w.remove(oldest)
		}
	}
	return w.writeManifest()
}

// archive uploads a closed file in the background. Failures are logged and
// never block rotation.
func (w *Writer) archive(name string) {
	done := make(chan struct{})
	w.pending[name] = done
	w.archiving.Add(1)
	path := filepath.Join(w.opts.Dir, name)

	safego.Go("audit-archive", func() {
		defer w.archiving.Done()
		defer func() {
			w.mu.Lock()
			delete(w.pending, name)
			w.mu.Unlock()
			close(done)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := w.opts.Archiver.Archive(ctx, path); err != nil {
			w.log.Error("failed to archive audit file", "file", name, "error", err)
			return
		}
		w.log.Debug("archived audit file", "file", name)
	})
}

// remove deletes a file dropped by retention. A file still being archived is
// removed once its upload has finished.
func (w *Writer) remove(name string) {
	path := filepath.Join(w.opts.Dir, name)
	if done, ok := w.pending[name]; ok {
		w.archiving.Add(1)
		safego.Go("audit-retention", func() {
			defer w.archiving.Done()
			<-done
			w.removeFile(path)
		})
		return
	}
	w.removeFile(path)
}

func (w *Writer) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warn("failed to remove expired audit file", "file", path, "error", err)
	}
}

// writeManifest replaces manifest.json atomically.
func (w *Writer) writeManifest() error {
	m := Manifest{
		BaseName:  w.opts.BaseName,
		Sequence:  w.seq,
		Current:   FileName(w.opts.BaseName, w.seq),
		Files:     append([]string(nil), w.files...),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(w.opts.Dir, ManifestName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write audit manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write audit manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync audit manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(w.opts.Dir, ManifestName)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace audit manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid audit manifest: %w", err)
	}
	return m, nil
}

// Files returns the retained file names, oldest first.
func (w *Writer) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.files...)
}

// Flush syncs the current file to disk.
func (w *Writer) Flush(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the current file and waits for background archive uploads.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	var err error
	if w.file != nil {
		err = w.file.Close()
	}
	w.mu.Unlock()

	w.archiving.Wait()
	return err
}
