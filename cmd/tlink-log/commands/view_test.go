package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tlog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

var testTime = time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)

func TestFormatFrameEvent(t *testing.T) {
	event := log.Event{
		Timestamp:    testTime,
		ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
		Direction:    log.DirectionOut,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame:        &log.FrameEvent{Size: 128, Data: []byte{0xa1, 0x01}, Truncated: true},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{"2026-01-28T10:15:32.123456Z", "[conn:abc12345]", "OUT", "TRANSPORT", "Frame", "128 bytes", "a101 (truncated)"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatDataMessage(t *testing.T) {
	event := log.Event{
		Timestamp: testTime,
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		SessionID: 7,
		Target:    "lab.local:8443",
		Message:   &log.MessageEvent{Type: wire.MessageTypeData, Seq: 3, Binary: true, PayloadSize: 42, Sealed: true},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{"Target: lab.local:8443", "Session: 7", "Seq: 3", "binary, 42 bytes", "(sealed)"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatControlEvent(t *testing.T) {
	reason := uint8(wire.CloseGoingAway)
	event := log.Event{
		Timestamp:  testTime,
		Category:   log.CategoryControl,
		ControlMsg: &log.ControlMsgEvent{Type: wire.MessageTypeClose, CloseReason: &reason},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "CTRL") {
		t.Errorf("expected CTRL label, got: %s", output)
	}
	if !strings.Contains(output, "Reason: going-away") {
		t.Errorf("expected close reason, got: %s", output)
	}
}

func TestFormatAttemptAndRace(t *testing.T) {
	attempt := log.Event{
		Timestamp: testTime,
		Layer:     log.LayerRacer,
		Category:  log.CategoryAttempt,
		Attempt: &log.AttemptEvent{
			Index: 1, ProxyIndex: 0, State: "failed", Kind: "proxy",
			Elapsed: 1500 * time.Microsecond, ResolvedAddress: "10.0.0.1:3128", ConnectCount: 1, SNI: "front.example.net",
		},
	}
	var buf bytes.Buffer
	formatEvent(&buf, attempt)
	output := buf.String()
	for _, want := range []string{"Attempt 1 (proxy 0): failed [proxy] after 1.500ms", "Address: 10.0.0.1:3128", "SNI: front.example.net"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}

	buf.Reset()
	formatEvent(&buf, log.Event{
		Timestamp: testTime,
		Layer:     log.LayerRacer,
		Category:  log.CategoryRace,
		Race:      &log.RaceEvent{Candidates: 3, Winner: -1, Kind: "timeout", Duration: 2 * time.Second},
	})
	if !strings.Contains(buf.String(), "Failed after 3 candidates in 2.000s: timeout") {
		t.Errorf("unexpected race output: %s", buf.String())
	}
}

func TestFormatErrorEvent(t *testing.T) {
	event := log.Event{
		Timestamp: testTime,
		Category:  log.CategoryError,
		Error:     &log.ErrorEventData{Layer: log.LayerCrypto, Message: "open failed", Kind: "io", Context: "seq 4"},
	}
	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()
	for _, want := range []string{"Layer: CRYPTO", "Message: open failed", "Kind: io", "Context: seq 4"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("Racer"); err != nil || l != log.LayerRacer {
		t.Errorf("ParseLayerFlag(Racer) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("service"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("IN"); err != nil || d != log.DirectionIn {
		t.Errorf("ParseDirectionFlag(IN) = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("sideways"); err == nil {
		t.Error("expected error for unknown direction")
	}
	if c, err := ParseCategoryFlag("attempt"); err != nil || c != log.CategoryAttempt {
		t.Errorf("ParseCategoryFlag(attempt) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("snapshot"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestRunViewFilters(t *testing.T) {
	racer := log.LayerRacer
	events := []log.Event{
		{Timestamp: testTime, Layer: log.LayerRacer, Category: log.CategoryRace, Race: &log.RaceEvent{Candidates: 1, Winner: 0}},
		{Timestamp: testTime, Layer: log.LayerWire, Category: log.CategoryMessage, Message: &log.MessageEvent{Type: wire.MessageTypeData}},
	}
	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Layer: &racer}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Race") {
		t.Errorf("expected race event, got: %s", output)
	}
	if strings.Contains(output, "WIRE") {
		t.Errorf("wire event should be filtered out, got: %s", output)
	}

	if err := RunView(filepath.Join(t.TempDir(), "missing.tlog"), ViewFilter{}, &buf); err == nil {
		t.Error("expected error for missing file")
	}
}
