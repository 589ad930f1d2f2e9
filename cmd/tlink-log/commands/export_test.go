package commands

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

func exportEvents() []log.Event {
	return []log.Event{
		{
			Timestamp:    testTime,
			ConnectionID: "abc12345",
			Direction:    log.DirectionOut,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			SessionID:    9,
			Target:       "lab.local:8443",
			Message:      &log.MessageEvent{Type: wire.MessageTypeData, Seq: 5},
		},
		{
			Timestamp: testTime,
			Layer:     log.LayerRacer,
			Category:  log.CategoryRace,
			Race:      &log.RaceEvent{Candidates: 2, Winner: 1},
		},
	}
}

func TestExportToJSONL(t *testing.T) {
	path := createTestLogFile(t, exportEvents())
	out := filepath.Join(t.TempDir(), "out.jsonl")

	if err := RunExport(path, "jsonl", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"ConnectionID":"abc12345"`) {
		t.Errorf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"Winner":1`) {
		t.Errorf("unexpected second line: %s", lines[1])
	}
}

func TestExportToCSV(t *testing.T) {
	path := createTestLogFile(t, exportEvents())
	out := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][5] != "session_id" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[1][5] != "9" || rows[1][6] != "lab.local:8443" || rows[1][7] != "data" || rows[1][8] != "5" {
		t.Errorf("unexpected message row: %v", rows[1])
	}
	if rows[2][7] != "Race" || rows[2][8] != "won:1" {
		t.Errorf("unexpected race row: %v", rows[2])
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, exportEvents())
	if err := RunExport(path, "xml", filepath.Join(t.TempDir(), "out")); err == nil {
		t.Error("expected error for unknown format")
	}
}
