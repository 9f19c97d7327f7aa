package backends

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		backend string
	}{
		{"default is file", Config{Path: filepath.Join(dir, "files")}, "file"},
		{"sqlite", Config{Backend: "sqlite", Path: filepath.Join(dir, "agrosync.db")}, "sqlite"},
		{"memory", Config{Backend: "memory"}, "memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			if s.Backend() != tt.backend {
				t.Errorf("Backend() = %q, want %q", s.Backend(), tt.backend)
			}
		})
	}
}

func TestOpen_Unknown(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "floppy"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
