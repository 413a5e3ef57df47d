package observability

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ripplebiz/MeshCore/internal/config"
)

func TestFileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	lg, err := SetupLogger(config.LogConfig{Level: "warning", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatal(err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())

	lg.Info("hidden")
	lg.Warn("shown", zap.Int("hops", 3))
	log.Print("from stdlib")
	lg.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines %q", lines)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "shown" || rec["hops"] != float64(3) {
		t.Fatalf("record %v", rec)
	}
}

func TestRotatedOutput(t *testing.T) {
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")
	lg, err := SetupLogger(config.LogConfig{
		Level:    "debug",
		Outputs:  []string{filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{Enable: true, Filename: rotated},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())

	lg.Debug("rotating")
	lg.Sync()
	b, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "rotating") {
		t.Fatalf("log %q", b)
	}
}

func TestBadLevel(t *testing.T) {
	if _, err := SetupLogger(config.LogConfig{Level: "loud", Outputs: []string{"stderr"}}); err == nil {
		t.Fatal("bad level accepted")
	}
}
