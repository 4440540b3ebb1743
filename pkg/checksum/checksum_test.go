package checksum

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

const (
	// sha256 of "hello"
	helloSum = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	// sha256 of ""
	emptySum = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// errReader is an io.Reader that always fails.
type errReader struct{}

func (errReader) Read(_ []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestCalculateSHA256(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"known digest", "hello", helloSum},
		{"empty input", "", emptySum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateSHA256(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("CalculateSHA256() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CalculateSHA256(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	t.Run("lowercase hex of fixed length", func(t *testing.T) {
		got, _ := CalculateSHA256(bytes.NewReader([]byte{0x00, 0xFF}))
		if len(got) != 64 || strings.ToLower(got) != got {
			t.Errorf("CalculateSHA256() = %q, want 64 lowercase hex chars", got)
		}
	})

	t.Run("read error is propagated", func(t *testing.T) {
		if _, err := CalculateSHA256(errReader{}); err == nil {
			t.Error("CalculateSHA256() = nil error for a failing reader")
		}
	})
}

func TestBuffer(t *testing.T) {
	t.Run("returns content and digest", func(t *testing.T) {
		data, sum, err := Buffer(strings.NewReader("hello"), 5)
		if err != nil {
			t.Fatalf("Buffer() error: %v", err)
		}
		if string(data) != "hello" || sum != helloSum {
			t.Errorf("Buffer() = %q, %q", data, sum)
		}
	})

	t.Run("size hint is only a hint", func(t *testing.T) {
		for _, hint := range []int64{-1, 0, 2, 1 << 10} {
			data, _, err := Buffer(strings.NewReader("audit-line"), hint)
			if err != nil || string(data) != "audit-line" {
				t.Errorf("Buffer(hint=%d) = %q, %v", hint, data, err)
			}
		}
	})

	t.Run("agrees with CalculateSHA256", func(t *testing.T) {
		in := bytes.Repeat([]byte("{\"id\":\"x\"}\n"), 100)
		_, got, _ := Buffer(bytes.NewReader(in), 0)
		want, _ := CalculateSHA256(bytes.NewReader(in))
		if got != want {
			t.Errorf("Buffer() checksum = %q, CalculateSHA256() = %q", got, want)
		}
	})

	t.Run("read error is propagated", func(t *testing.T) {
		if _, _, err := Buffer(errReader{}, 0); err == nil {
			t.Error("Buffer() = nil error for a failing reader")
		}
	})
}
