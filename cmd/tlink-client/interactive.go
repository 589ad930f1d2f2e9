package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/chzyer/readline"
)

// interactive reads commands until quit, EOF or ctx ends.
func interactive(ctx context.Context, c *client, rl *readline.Instance) {
	c.printf("%s", helpText)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return
		}

		quit, err := c.execute(ctx, line)
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
		if quit {
			return
		}
	}
}
