package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/auditcore/auditcore/internal/telemetry"
	"github.com/auditcore/auditcore/pkg/checksum"
)

// Archiver uploads closed audit files to a Storage backend. It satisfies
// audit.Archiver so the rolling-file writer can ship rotated files.
type Archiver struct {
	store  Storage
	prefix string
	log    *slog.Logger
}

// NewArchiver returns an archiver writing objects under prefix.
func NewArchiver(store Storage, prefix string, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{store: store, prefix: prefix, log: log.With(telemetry.ComponentKey, "archive")}
}

// Key returns the object path for a local file.
func (a *Archiver) Key(file string) string {
	return path.Join(a.prefix, filepath.Base(file))
}

// Exists probes the backend. It lets the archiver double as a readiness check.
func (a *Archiver) Exists(ctx context.Context, p string) (bool, error) {
	return a.store.Exists(ctx, p)
}

// Archive uploads the file at local path. A file that already exists remotely
// is skipped, so archiving after a crash-restart is idempotent.
func (a *Archiver) Archive(ctx context.Context, file string) error {
	key := a.Key(file)

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to check archive object %s: %w", key, err)
	}
	if exists {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("skipped").Inc()
		a.log.DebugContext(ctx, "archive object already present", "key", key)
		return nil
	}

	f, err := os.Open(file)
	if err != nil {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to stat %s: %w", file, err)
	}

	localSum, err := checksum.CalculateSHA256(f)
	if err != nil {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to hash %s: %w", file, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to rewind %s: %w", file, err)
	}

	res, err := a.store.Upload(ctx, key, f, info.Size())
	if err != nil {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	// A mismatched object must not satisfy the Exists check on the next attempt.
	if res.Checksum != localSum {
		telemetry.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		if derr := a.store.Delete(ctx, key); derr != nil {
			a.log.WarnContext(ctx, "failed to remove corrupt archive object", "key", key, "error", derr)
		}
		return fmt.Errorf("archive object %s checksum %s does not match local %s", key, res.Checksum, localSum)
	}

	telemetry.AuditArchiveUploadsTotal.WithLabelValues("success").Inc()
	a.log.InfoContext(ctx, "audit file archived", "key", res.Path, "bytes", res.Size, "sha256", res.Checksum)
	return nil
}
