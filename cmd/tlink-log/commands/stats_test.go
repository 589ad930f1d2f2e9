package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

func TestStatsCounts(t *testing.T) {
	events := []log.Event{
		{Timestamp: testTime, ConnectionID: "conn-aaaaaaaa", Layer: log.LayerTransport, Category: log.CategoryMessage, Target: "lab.local:8443"},
		{Timestamp: testTime.Add(time.Second), ConnectionID: "conn-aaaaaaaa", Layer: log.LayerWire, Category: log.CategoryMessage,
			SessionID: 4, Message: &log.MessageEvent{Type: wire.MessageTypeData, Sealed: true}},
		{Timestamp: testTime, Layer: log.LayerRacer, Category: log.CategoryRace, Race: &log.RaceEvent{Winner: 0}},
		{Timestamp: testTime, Layer: log.LayerRacer, Category: log.CategoryRace, Race: &log.RaceEvent{Winner: -1, Kind: "timeout"}},
		{Timestamp: testTime, Layer: log.LayerCrypto, Category: log.CategoryError, Error: &log.ErrorEventData{Message: "bad tag"}},
	}
	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"Total Events: 5",
		"TRANSPORT:",
		"RACER:",
		"CRYPTO:",
		"RACE:",
		"Races: 1 won, 1 failed",
		"timeout:",
		"Connections: 1",
		"[conn-aaa]",
		"Target: lab.local:8443",
		"Session: 4",
		"Sealed messages: 1",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got:\n%s", want, output)
		}
	}
}

func TestStatsEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
