package db

import (
	"path/filepath"
	"testing"

	"github.com/auditcore/auditcore/internal/config"
)

func sqliteConfig(t *testing.T) *config.DatabaseConfig {
	t.Helper()
	return &config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "audit.db")}
}

func TestDriverName(t *testing.T) {
	tests := []struct {
		driver  string
		want    string
		wantErr bool
	}{
		{"postgres", "postgres", false},
		{"sqlite", "sqlite", false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		got, err := DriverName(tt.driver)
		if (err != nil) != tt.wantErr {
			t.Errorf("DriverName(%q) error = %v, wantErr %v", tt.driver, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("DriverName(%q) = %q, want %q", tt.driver, got, tt.want)
		}
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	if _, err := Connect(&config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Error("Connect() with unsupported driver = nil error")
	}
}

func TestMigrations_SQLiteUpDown(t *testing.T) {
	conn, err := Connect(sqliteConfig(t))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()

	if err := RunMigrations(conn.DB, "sqlite", "up"); err != nil {
		t.Fatalf("RunMigrations(up) error: %v", err)
	}
	// Running again is a no-op.
	if err := RunMigrations(conn.DB, "sqlite", "up"); err != nil {
		t.Fatalf("second RunMigrations(up) error: %v", err)
	}

	version, dirty, err := MigrationVersion(conn.DB, "sqlite")
	if err != nil {
		t.Fatalf("MigrationVersion() error: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("version = %d dirty = %v, want 2 clean", version, dirty)
	}

	var n int
	if err := conn.Get(&n, `SELECT COUNT(*) FROM audit_events`); err != nil {
		t.Fatalf("audit_events missing after migration: %v", err)
	}

	if err := RunMigrations(conn.DB, "sqlite", "down"); err != nil {
		t.Fatalf("RunMigrations(down) error: %v", err)
	}
	if err := conn.Get(&n, `SELECT COUNT(*) FROM audit_events`); err == nil {
		t.Error("audit_events still present after down migration")
	}
}

func TestMigrations_AppendOnly(t *testing.T) {
	conn, err := Connect(sqliteConfig(t))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()
	if err := RunMigrations(conn.DB, "sqlite", "up"); err != nil {
		t.Fatalf("RunMigrations(up) error: %v", err)
	}

	_, err = conn.Exec(`INSERT INTO audit_events (id, timestamp, event_type, actor_kind, resource_type, action, outcome)
		VALUES ('e1', CURRENT_TIMESTAMP, 'system_event', 'system', 'system', 'startup', 'success')`)
	if err != nil {
		t.Fatalf("insert error: %v", err)
	}
	if _, err := conn.Exec(`UPDATE audit_events SET outcome = 'failure' WHERE id = 'e1'`); err == nil {
		t.Error("UPDATE on audit_events succeeded, want append-only rejection")
	}
}

func TestRunMigrations_InvalidDirection(t *testing.T) {
	conn, err := Connect(sqliteConfig(t))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()
	if err := RunMigrations(conn.DB, "sqlite", "sideways"); err == nil {
		t.Error("RunMigrations(sideways) = nil error")
	}
	if err := RunMigrations(conn.DB, "oracle", "up"); err == nil {
		t.Error("RunMigrations with unsupported driver = nil error")
	}
}

func TestForceVersion_ClearsRecordedState(t *testing.T) {
	conn, err := Connect(sqliteConfig(t))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()
	if err := RunMigrations(conn.DB, "sqlite", "up"); err != nil {
		t.Fatalf("RunMigrations(up) error: %v", err)
	}

	if err := ForceVersion(conn.DB, "sqlite", 1); err != nil {
		t.Fatalf("ForceVersion() error: %v", err)
	}
	version, dirty, err := MigrationVersion(conn.DB, "sqlite")
	if err != nil {
		t.Fatalf("MigrationVersion() error: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", version, dirty)
	}
}
