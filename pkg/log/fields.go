package log

// field is one key/value pair of a flattened event. Values are string,
// int, int64, uint64, bool or time.Duration.
type field struct {
	key   string
	value any
}

// eventFields flattens an event for the structured logger adapters.
func eventFields(event Event) []field {
	fs := []field{
		{"conn_id", event.ConnectionID},
		{"direction", event.Direction.String()},
		{"layer", event.Layer.String()},
		{"category", event.Category.String()},
	}
	if event.SessionID != 0 {
		fs = append(fs, field{"session_id", event.SessionID})
	}
	if event.Target != "" {
		fs = append(fs, field{"target", event.Target})
	}
	if event.RemoteAddr != "" {
		fs = append(fs, field{"remote", event.RemoteAddr})
	}

	switch {
	case event.Frame != nil:
		fs = append(fs,
			field{"frame_size", event.Frame.Size},
			field{"truncated", event.Frame.Truncated},
		)
	case event.Message != nil:
		fs = append(fs,
			field{"msg_type", event.Message.Type.String()},
			field{"payload_size", event.Message.PayloadSize},
		)
		if event.Message.Seq != 0 {
			fs = append(fs, field{"seq", event.Message.Seq})
		}
		if event.Message.Sealed {
			fs = append(fs, field{"sealed", true})
		}
	case event.StateChange != nil:
		fs = append(fs,
			field{"entity", event.StateChange.Entity.String()},
			field{"old_state", event.StateChange.OldState},
			field{"new_state", event.StateChange.NewState},
		)
		if event.StateChange.Reason != "" {
			fs = append(fs, field{"reason", event.StateChange.Reason})
		}
	case event.ControlMsg != nil:
		fs = append(fs, field{"ctrl_type", event.ControlMsg.Type.String()})
	case event.Error != nil:
		fs = append(fs,
			field{"error_layer", event.Error.Layer.String()},
			field{"error_msg", event.Error.Message},
		)
		if event.Error.Kind != "" {
			fs = append(fs, field{"error_kind", event.Error.Kind})
		}
		if event.Error.Context != "" {
			fs = append(fs, field{"error_context", event.Error.Context})
		}
	case event.Attempt != nil:
		a := event.Attempt
		fs = append(fs,
			field{"attempt", a.Index},
			field{"proxy", a.ProxyIndex},
			field{"state", a.State},
		)
		if a.Kind != "" {
			fs = append(fs, field{"kind", a.Kind})
		}
		if a.Elapsed > 0 {
			fs = append(fs, field{"elapsed", a.Elapsed})
		}
		if a.ResolvedAddress != "" {
			fs = append(fs, field{"addr", a.ResolvedAddress})
		}
		if a.SNI != "" {
			fs = append(fs, field{"sni", a.SNI})
		}
	case event.Race != nil:
		fs = append(fs,
			field{"candidates", event.Race.Candidates},
			field{"winner", event.Race.Winner},
			field{"duration", event.Race.Duration},
		)
		if event.Race.Kind != "" {
			fs = append(fs, field{"kind", event.Race.Kind})
		}
	}
	return fs
}
