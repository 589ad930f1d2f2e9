// Package commands implements the tlink-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	SessionID int64
}

func (f ViewFilter) matches(e log.Event) bool {
	filter := log.Filter{
		Layer:     f.Layer,
		Direction: f.Direction,
		Category:  f.Category,
		SessionID: f.SessionID,
	}
	return filter.Matches(e)
}

// eventType returns the label of the payload an event carries.
func eventType(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Message != nil:
		return event.Message.Type.String()
	case event.StateChange != nil:
		return "State"
	case event.ControlMsg != nil:
		return event.ControlMsg.Type.String()
	case event.Attempt != nil:
		return "Attempt"
	case event.Race != nil:
		return "Race"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)

	layerStr := event.Layer.String()
	if event.Category == log.CategoryControl {
		layerStr = "CTRL"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n", ts, connID, event.Direction.String(), layerStr, eventType(event))
	if event.Target != "" || event.SessionID != 0 {
		fmt.Fprintf(w, "  Target: %s  Session: %d\n", event.Target, event.SessionID)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.ControlMsg != nil:
		formatControlDetails(w, event.ControlMsg)
	case event.Attempt != nil:
		formatAttemptDetails(w, event.Attempt)
	case event.Race != nil:
		formatRaceDetails(w, event.Race)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	if msg.Type != wire.MessageTypeData {
		return
	}
	kind := "text"
	if msg.Binary {
		kind = "binary"
	}
	fmt.Fprintf(w, "  Seq: %d  %s, %d bytes", msg.Seq, kind, msg.PayloadSize)
	if msg.Sealed {
		fmt.Fprint(w, " (sealed)")
	}
	fmt.Fprintln(w)
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatControlDetails(w io.Writer, ctrl *log.ControlMsgEvent) {
	if ctrl.Sequence != 0 {
		fmt.Fprintf(w, "  Sequence: %d\n", ctrl.Sequence)
	}
	if ctrl.CloseReason != nil {
		fmt.Fprintf(w, "  Reason: %s\n", wire.CloseReason(*ctrl.CloseReason).String())
	}
}

func formatAttemptDetails(w io.Writer, a *log.AttemptEvent) {
	via := "direct"
	if a.ProxyIndex >= 0 {
		via = fmt.Sprintf("proxy %d", a.ProxyIndex)
	}
	fmt.Fprintf(w, "  Attempt %d (%s): %s", a.Index, via, a.State)
	if a.Kind != "" {
		fmt.Fprintf(w, " [%s]", a.Kind)
	}
	if a.Elapsed > 0 {
		fmt.Fprintf(w, " after %s", formatDuration(a.Elapsed))
	}
	fmt.Fprintln(w)
	if a.ResolvedAddress != "" {
		fmt.Fprintf(w, "  Address: %s (connects: %d)\n", a.ResolvedAddress, a.ConnectCount)
	}
	if a.SNI != "" {
		fmt.Fprintf(w, "  SNI: %s\n", a.SNI)
	}
}

func formatRaceDetails(w io.Writer, r *log.RaceEvent) {
	if r.Winner >= 0 {
		fmt.Fprintf(w, "  Won by attempt %d of %d in %s\n", r.Winner, r.Candidates, formatDuration(r.Duration))
	} else {
		fmt.Fprintf(w, "  Failed after %d candidates in %s: %s\n", r.Candidates, formatDuration(r.Duration), r.Kind)
	}
	if r.CustomSNI {
		fmt.Fprintln(w, "  Custom SNI attempt")
	}
	if r.KeptOthers > 0 {
		fmt.Fprintf(w, "  Kept others: %d\n", r.KeptOthers)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Kind != "" {
		fmt.Fprintf(w, "  Kind: %s\n", err.Kind)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	for _, l := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerSession, log.LayerRacer, log.LayerCrypto} {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, session, racer or crypto)", s)
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	for _, c := range allCategories {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid category: %s (must be message, control, state, error, attempt or race)", s)
}

var allCategories = []log.Category{
	log.CategoryMessage,
	log.CategoryControl,
	log.CategoryState,
	log.CategoryError,
	log.CategoryAttempt,
	log.CategoryRace,
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for event, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if filter.matches(event) {
			formatEvent(output, event)
		}
	}
	return nil
}
