package commands

import (
	"fmt"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/log"
)

// FilterOptions are the criteria of the filter command. Empty fields match
// everything; times are RFC 3339.
type FilterOptions struct {
	Output    string
	ConnID    string
	SessionID int64
	Target    string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
}

func parseTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format: %w", name, err)
	}
	return &t, nil
}

// optional parses value with parse unless it is empty.
func optional[T any](value string, parse func(string) (T, error)) (*T, error) {
	if value == "" {
		return nil, nil
	}
	v, err := parse(value)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func buildFilter(opts FilterOptions) (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: opts.ConnID,
		SessionID:    opts.SessionID,
		Target:       opts.Target,
	}
	var err error
	if filter.TimeStart, err = parseTime("time-start", opts.TimeStart); err != nil {
		return log.Filter{}, err
	}
	if filter.TimeEnd, err = parseTime("time-end", opts.TimeEnd); err != nil {
		return log.Filter{}, err
	}
	if filter.Layer, err = optional(opts.Layer, ParseLayerFlag); err != nil {
		return log.Filter{}, err
	}
	if filter.Direction, err = optional(opts.Direction, ParseDirectionFlag); err != nil {
		return log.Filter{}, err
	}
	if filter.Category, err = optional(opts.Category, ParseCategoryFlag); err != nil {
		return log.Filter{}, err
	}
	return filter, nil
}

// RunFilter copies the matching events of path into opts.Output and
// returns how many were copied.
func RunFilter(path string, opts FilterOptions) (int, error) {
	filter, err := buildFilter(opts)
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	out, err := log.NewFileLogger(opts.Output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}
	defer out.Close()

	count := 0
	for event, err := range reader.All() {
		if err != nil {
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		out.Log(event)
		count++
	}
	return count, nil
}
