package jsonfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	if err := Write(path, map[string]string{"COIN_AGENT": "agent://coin"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Write(path, map[string]string{"COIN_AGENT": "agent://coin-v2"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	var got map[string]string
	ok, err := Read(path, &got)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if got["COIN_AGENT"] != "agent://coin-v2" {
		t.Fatalf("unexpected content %v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestReadMissingFile(t *testing.T) {
	var v map[string]any
	ok, err := Read(filepath.Join(t.TempDir(), "absent.json"), &v)
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}
