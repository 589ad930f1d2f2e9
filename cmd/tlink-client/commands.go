package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const helpText = `Commands:
  open [path]        - Race a new session (becomes current)
  list               - List open sessions
  use <id>           - Select the current session
  send <text>        - Send a text message on the current session
  hex <bytes>        - Send a binary message, e.g. "hex 0102ff"
  close [id]         - Close a session (default: current)
  help               - Show this help
  quit               - Exit
`

// waitTimeout bounds how long "open" waits for the race.
var waitTimeout = 30 * time.Second

// execute runs one command line. It reports whether the client should
// exit.
func (c *client) execute(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s", helpText)

	case "open", "o":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		id, err := c.open(path)
		if err != nil {
			return false, err
		}
		c.printf("[%d] racing %s\n", id, c.base.Host)
		wctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()
		return false, c.wait(wctx, id)

	case "list", "ls":
		ids, current := c.list()
		if len(ids) == 0 {
			c.printf("no open sessions\n")
		}
		for _, id := range ids {
			marker := " "
			if id == current {
				marker = "*"
			}
			c.printf("%s %d\n", marker, id)
		}

	case "use":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: use <id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid session id %q", args[0])
		}
		return false, c.use(id)

	case "send", "s":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: send <text>")
		}
		// keep the text as typed, including inner spacing
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		return false, c.send(0, []byte(text), false)

	case "hex", "x":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: hex <bytes>")
		}
		data, err := hex.DecodeString(strings.Join(args, ""))
		if err != nil {
			return false, fmt.Errorf("invalid hex: %w", err)
		}
		return false, c.send(0, data, true)

	case "close", "c":
		var id int64
		if len(args) > 0 {
			var err error
			if id, err = strconv.ParseInt(args[0], 10, 64); err != nil {
				return false, fmt.Errorf("invalid session id %q", args[0])
			}
		}
		return false, c.closeSession(id)

	case "quit", "exit", "q":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	return false, nil
}
