package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDataDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BLECORE_DIR", dir)

	if got := GetDataDir(); got != dir {
		t.Errorf("GetDataDir() = %q, want %q", got, dir)
	}
	if got, want := GetConfigPath(), filepath.Join(dir, "config.yaml"); got != want {
		t.Errorf("GetConfigPath() = %q, want %q", got, want)
	}

	journal, err := GetJournalDir()
	if err != nil {
		t.Fatalf("GetJournalDir() error = %v", err)
	}
	if info, err := os.Stat(journal); err != nil || !info.IsDir() {
		t.Errorf("journal dir %q not created: %v", journal, err)
	}
}
