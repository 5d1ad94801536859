package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnvironmentProviderReadsAndRequires(t *testing.T) {
	t.Setenv(KeyIoTHubConnectionString, "conn-string")
	p, err := New(Config{Mode: ModeEnvironment})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := p.Get(KeyIoTHubConnectionString)
	if !ok || v != "conn-string" {
		t.Fatalf("expected conn-string, got %q ok=%v", v, ok)
	}
	if err := p.Required(KeyIoTHubConnectionString); err != nil {
		t.Fatalf("expected required key present: %v", err)
	}
	if err := p.Required(KeyOcrAPIKey); err == nil {
		t.Fatalf("expected missing optional key to fail Required")
	}
}

func TestFileProviderRejectsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "environment")
	if err := os.WriteFile(path, []byte("WELLMONITOR_IOTHUB_CONNECTION_STRING=abc\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(Config{Mode: ModeFile, FilePath: path}); err == nil {
		t.Fatalf("expected permission rejection for 0644 file")
	}
}

func TestFileProviderReadsValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "environment")
	content := "# comment\nWELLMONITOR_IOTHUB_CONNECTION_STRING=\"abc123\"\n\nWELLMONITOR_OCR_API_KEY=key1\n"
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := New(Config{Mode: ModeFile, FilePath: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := p.Get(KeyIoTHubConnectionString)
	if !ok || v != "abc123" {
		t.Fatalf("expected abc123, got %q ok=%v", v, ok)
	}
	if _, ok := p.Get(KeyOcrAPIKey); !ok {
		t.Fatalf("expected ocr api key present")
	}
}

func TestNewUnknownMode(t *testing.T) {
	if _, err := New(Config{Mode: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
