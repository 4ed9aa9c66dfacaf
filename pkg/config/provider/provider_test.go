package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		input   string
		want    Type
		wantErr bool
	}{
		{"file", TypeFile, false},
		{"", TypeFile, false},
		{"consul", "", true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseType(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseType(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Run("requires path", func(t *testing.T) {
		if _, err := New(ProviderConfig{Type: TypeFile}); err == nil {
			t.Fatal("expected error for empty path")
		}
	})

	t.Run("file provider", func(t *testing.T) {
		p, err := New(ProviderConfig{Type: TypeFile, Path: "config.yaml"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Type() != TypeFile {
			t.Errorf("type = %q, want file", p.Type())
		}
		_ = p.Close()
	})
}

func TestFileProvider_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("name: test\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer p.Close()

	data, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("load returned %q, want %q", data, content)
	}
}

func TestFileProvider_LoadMissing(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer p.Close()

	if _, err := p.Load(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileProvider_WatchSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("name: a\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Watch(ctx)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				t.Fatal("watch channel closed unexpectedly")
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("name: b\n"), 0644); err != nil {
				t.Fatalf("failed to rewrite file: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for change signal")
		}
	}
}

func TestFileProvider_WatchAfterClose(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := p.Watch(context.Background()); err == nil {
		t.Fatal("expected error when watching a closed provider")
	}
}
