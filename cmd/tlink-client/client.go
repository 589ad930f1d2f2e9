package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/session"
)

var (
	errUnknownSession = errors.New("unknown session")
	errNoSession      = errors.New("no session selected")
)

// client opens sessions from one base configuration and prints what
// happens to them.
type client struct {
	base      connection.Config
	opts      session.Options
	container *session.Container

	mu       sync.Mutex
	out      io.Writer
	nextID   int64
	current  int64
	sessions map[int64]*session.Session
	ready    map[int64]chan error

	// onMessage, when set before the first open, runs after each
	// printed message.
	onMessage func()
}

func newClient(base connection.Config, opts session.Options, logger log.Logger, out io.Writer) *client {
	return &client{
		base:      base,
		opts:      opts,
		container: session.NewContainer(logger),
		out:       out,
		sessions:  make(map[int64]*session.Session),
		ready:     make(map[int64]chan error),
	}
}

// run delivers race outcomes until ctx ends.
func (c *client) run(ctx context.Context) error {
	return c.container.Run(ctx)
}

func (c *client) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// open starts a race for a new session. An empty path keeps the base path.
func (c *client) open(path string) (int64, error) {
	cfg := c.base
	if path != "" {
		cfg.Path = path
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ready := make(chan error, 1)
	c.ready[id] = ready
	c.mu.Unlock()

	_, err := c.container.Create(id, cfg, c.observer(id), c.opts)
	if err != nil {
		c.mu.Lock()
		delete(c.ready, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

func (c *client) observer(id int64) session.Observer {
	return session.Funcs{
		Connected: func(s *session.Session, stats []connection.Stats, winner int, active bool) {
			c.mu.Lock()
			if active {
				c.sessions[id] = s
				c.current = id
			}
			ready := c.ready[id]
			delete(c.ready, id)
			c.mu.Unlock()

			if !active {
				c.printf("[%d] extra connection %s, closing\n", id, s.ConnectionID())
				_ = s.Close()
				return
			}
			neg := s.Negotiated()
			c.printf("[%d] connected via attempt %d conn=%s version=%s box=%s\n", id, winner, s.ConnectionID(), neg.Version, neg.Box)
			printStats(c, id, stats)
			if ready != nil {
				ready <- nil
			}
		},
		ConnectFailed: func(stats []connection.Stats, kind connection.ErrorKind) {
			c.mu.Lock()
			ready := c.ready[id]
			delete(c.ready, id)
			c.mu.Unlock()

			c.printf("[%d] connect failed: %s\n", id, kind)
			printStats(c, id, stats)
			if ready != nil {
				ready <- fmt.Errorf("connect failed: %s", kind)
			}
		},
		Close: func(s *session.Session) {
			c.mu.Lock()
			if c.sessions[id] == s {
				delete(c.sessions, id)
			}
			c.mu.Unlock()
			if err := s.Err(); err != nil {
				c.printf("[%d] closed: %v\n", id, err)
			} else {
				c.printf("[%d] closed\n", id)
			}
		},
		Message: func(_ *session.Session, data []byte, binary bool) {
			if binary {
				c.printf("[%d] < %s\n", id, hex.EncodeToString(data))
			} else {
				c.printf("[%d] < %s\n", id, data)
			}
			if c.onMessage != nil {
				c.onMessage()
			}
		},
	}
}

func printStats(c *client, id int64, stats []connection.Stats) {
	for _, st := range stats {
		c.printf("[%d]   %s\n", id, st)
	}
}

// wait blocks until the race for id is decided.
func (c *client) wait(ctx context.Context, id int64) error {
	c.mu.Lock()
	ready, ok := c.ready[id]
	_, open := c.sessions[id]
	c.mu.Unlock()
	if open {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownSession, id)
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session returns the session id, or the current one for id 0.
func (c *client) session(id int64) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		id = c.current
		if id == 0 {
			return nil, errNoSession
		}
	}
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errUnknownSession, id)
	}
	return s, nil
}

func (c *client) use(id int64) error {
	if _, err := c.session(id); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
	return nil
}

func (c *client) send(id int64, data []byte, binary bool) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.Send(data, binary)
}

func (c *client) closeSession(id int64) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	return s.Close()
}

// list returns the open session ids in order, and the current one.
func (c *client) list() ([]int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, c.current
}

func (c *client) close() error {
	return c.container.Close()
}
