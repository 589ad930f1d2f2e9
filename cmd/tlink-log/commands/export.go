package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tlink-protocol/tlink-go/pkg/log"
)

// exporter writes events in one output format.
type exporter interface {
	write(event log.Event) error
	flush() error
}

type jsonlExporter struct{ enc *json.Encoder }

func (e jsonlExporter) write(event log.Event) error { return e.enc.Encode(event) }
func (e jsonlExporter) flush() error                { return nil }

var csvHeader = []string{"timestamp", "connection_id", "direction", "layer", "category", "session_id", "target", "type", "detail"}

type csvExporter struct{ w *csv.Writer }

func (e csvExporter) write(event log.Event) error {
	return e.w.Write([]string{
		event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		event.ConnectionID,
		event.Direction.String(),
		event.Layer.String(),
		event.Category.String(),
		strconv.FormatInt(event.SessionID, 10),
		event.Target,
		eventType(event),
		eventDetail(event),
	})
}

func (e csvExporter) flush() error {
	e.w.Flush()
	return e.w.Error()
}

func newExporter(format string, w io.Writer) (exporter, error) {
	switch format {
	case "jsonl":
		return jsonlExporter{enc: json.NewEncoder(w)}, nil
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return nil, err
		}
		return csvExporter{w: cw}, nil
	}
	return nil, fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
}

// RunExport converts the log at path to format, writing to output or
// stdout when output is empty.
func RunExport(path, format, output string) error {
	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	exp, err := newExporter(format, w)
	if err != nil {
		return err
	}

	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for event, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := exp.write(event); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	return exp.flush()
}

// eventDetail is the one-column summary of the CSV export.
func eventDetail(event log.Event) string {
	switch {
	case event.Message != nil:
		return strconv.FormatUint(event.Message.Seq, 10)
	case event.StateChange != nil:
		return event.StateChange.NewState
	case event.Attempt != nil:
		return fmt.Sprintf("%d:%s", event.Attempt.Index, event.Attempt.State)
	case event.Race != nil:
		if event.Race.Winner >= 0 {
			return "won:" + strconv.Itoa(event.Race.Winner)
		}
		return "failed:" + event.Race.Kind
	case event.Error != nil:
		return event.Error.Message
	}
	return ""
}
