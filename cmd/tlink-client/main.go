// Command tlink-client races connections to a tlink server and exchanges
// messages with it.
//
// Usage:
//
//	tlink-client [flags]
//
// Flags:
//
//	-config string        Client profile (YAML, TOML or JSON)
//	-host string          Server host (overrides profile)
//	-port int             Server port (overrides profile)
//	-path string          Request path (overrides profile)
//	-box string           Payload box: none, aes-gcm, chacha20-poly1305
//	-insecure             Skip certificate verification
//	-browse duration      List servers announced via mDNS and exit
//	-instance string      Connect to the announced server with this name
//	-send string          Send one message, print the first reply and exit
//	-watch                Keep an unprotected link up, reconnecting with backoff
//	-protocol-log string  Write the protocol log to this file
//
// Examples:
//
//	# Browse the local network
//	tlink-client -browse 3s
//
//	# Interactive session against a lab server with a self-signed cert
//	tlink-client -host lab.local -insecure
//
//	# One-shot echo through the profile's proxies
//	tlink-client -config ~/.tlink/tlink-client.yaml -send hello
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/tlink-protocol/tlink-go/internal/observability"
	"github.com/tlink-protocol/tlink-go/pkg/config"
	"github.com/tlink-protocol/tlink-go/pkg/connection"
	"github.com/tlink-protocol/tlink-go/pkg/discovery"
	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/session"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
)

type options struct {
	configPath  string
	host        string
	port        int
	path        string
	box         string
	insecure    bool
	browse      time.Duration
	instance    string
	send        string
	watch       bool
	protocolLog string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Client profile (YAML, TOML or JSON)")
	flag.StringVar(&opts.host, "host", "", "Server host (overrides profile)")
	flag.IntVar(&opts.port, "port", 0, "Server port (overrides profile)")
	flag.StringVar(&opts.path, "path", "", "Request path (overrides profile)")
	flag.StringVar(&opts.box, "box", "", "Payload box: none, aes-gcm, chacha20-poly1305")
	flag.BoolVar(&opts.insecure, "insecure", false, "Skip certificate verification")
	flag.DurationVar(&opts.browse, "browse", 0, "List servers announced via mDNS for this long and exit")
	flag.StringVar(&opts.instance, "instance", "", "Connect to the announced server with this name")
	flag.StringVar(&opts.send, "send", "", "Send one message, print the first reply and exit")
	flag.BoolVar(&opts.watch, "watch", false, "Keep an unprotected link up, reconnecting with backoff")
	flag.StringVar(&opts.protocolLog, "protocol-log", "", "Write the protocol log to this file")
	flag.Parse()

	logger := observability.InitLogger("tlink-client")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	browser := discovery.NewMDNSBrowser(discovery.DefaultBrowserConfig())

	if opts.browse > 0 {
		return browse(ctx, browser, opts.browse)
	}

	profile, err := config.LoadClientProfile(opts.configPath)
	if err != nil {
		return err
	}
	if opts.instance != "" {
		if err := applyInstance(ctx, browser, profile, opts.instance); err != nil {
			return err
		}
	}
	applyOverrides(profile, opts)

	cfg, err := profile.ConnectionConfig()
	if err != nil {
		return err
	}
	cfg.Resolver = discovery.NewResolver(browser)

	sessOpts, err := profile.SessionOptions()
	if err != nil {
		return err
	}

	loggers := []log.Logger{log.NewZerologAdapter(logger)}
	if profile.LogFile != "" {
		fl, err := log.NewFileLogger(profile.LogFile)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fl.Close()
		loggers = append(loggers, fl)
	}
	protoLog := log.NewMultiLogger(loggers...)
	cfg.Logger = protoLog
	sessOpts.Conn.Logger = protoLog

	if opts.watch {
		return watch(ctx, cfg, logger)
	}
	if opts.send != "" {
		c := newClient(cfg, sessOpts, protoLog, os.Stdout)
		defer c.close()
		go c.run(ctx)
		return oneShot(ctx, c, opts.send, waitTimeout)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tlink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	c := newClient(cfg, sessOpts, protoLog, rl.Stdout())
	defer c.close()
	go c.run(ctx)

	if _, err := c.execute(ctx, "open"); err != nil {
		fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
	}
	interactive(ctx, c, rl)
	return nil
}

func applyOverrides(p *config.ClientProfile, opts options) {
	if opts.host != "" {
		p.Host = opts.host
	}
	if opts.port > 0 {
		p.Port = uint16(opts.port)
	}
	if opts.path != "" {
		p.Path = opts.path
	}
	if opts.box != "" {
		p.Box = opts.box
	}
	if opts.insecure {
		p.Insecure = true
	}
	if opts.protocolLog != "" {
		p.LogFile = opts.protocolLog
	}
}

// applyInstance points the profile at an announced server.
func applyInstance(ctx context.Context, b discovery.Browser, p *config.ClientProfile, name string) error {
	fctx, cancel := context.WithTimeout(ctx, discovery.BrowseTimeout)
	defer cancel()
	svc, err := discovery.Find(fctx, b, func(s *discovery.Service) bool {
		return strings.EqualFold(s.InstanceName, name)
	})
	if err != nil {
		return fmt.Errorf("find %q: %w", name, err)
	}

	p.Host = svc.Target()
	p.Port = svc.Port
	if svc.Info.Path != "" && p.Path == "" {
		p.Path = svc.Info.Path
	}
	if !svc.Info.Secure {
		p.Flags = removeFlag(p.Flags, "secure")
	}
	return nil
}

func removeFlag(flags []string, name string) []string {
	out := flags[:0:0]
	for _, f := range flags {
		if !strings.EqualFold(strings.TrimSpace(f), name) {
			out = append(out, f)
		}
	}
	return out
}

func browse(ctx context.Context, b discovery.Browser, timeout time.Duration) error {
	services, err := discovery.Collect(ctx, b, timeout)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("no servers found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tHOST\tPORT\tSECURE\tBOXES\tADDRESSES")
	for _, svc := range services {
		boxes := make([]string, 0, len(svc.Info.Boxes))
		for _, box := range svc.Info.Boxes {
			boxes = append(boxes, box.String())
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\n",
			svc.InstanceName, svc.Host, svc.Port, svc.Info.Secure,
			strings.Join(boxes, ","), strings.Join(svc.Addresses, ","))
	}
	return w.Flush()
}

// oneShot opens a session, sends text and waits for the first reply.
func oneShot(ctx context.Context, c *client, text string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan struct{}, 1)
	c.onMessage = func() {
		select {
		case replies <- struct{}{}:
		default:
		}
	}

	id, err := c.open("")
	if err != nil {
		return err
	}
	if err := c.wait(ctx, id); err != nil {
		return err
	}
	if err := c.send(id, []byte(text), false); err != nil {
		return err
	}
	select {
	case <-replies:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no reply: %w", ctx.Err())
	}
}

// watch keeps one link to the target until ctx ends and logs its life
// cycle. Messages are logged by size only.
func watch(ctx context.Context, cfg connection.Config, logger zerolog.Logger) error {
	link, err := connection.NewLink(cfg, connection.DefaultBackoffConfig(), connection.LinkCallbacks{
		OnUp: func(conn *transport.Conn, stats []connection.Stats) {
			s := session.New(0, conn, session.Funcs{
				Message: func(_ *session.Session, data []byte, binary bool) {
					logger.Info().Int("bytes", len(data)).Bool("binary", binary).Msg("message")
				},
			}, nil)
			if err := s.Start(); err != nil {
				logger.Warn().Err(err).Msg("start session")
				return
			}
			ev := logger.Info().Str("conn", conn.ID())
			for _, st := range stats {
				if st.State == connection.StateConnected {
					ev = ev.Stringer("winner", st)
				}
			}
			ev.Msg("link up")
		},
		OnDown: func(err error) {
			logger.Warn().Err(err).Msg("link down")
		},
		OnRetry: func(attempt int, delay time.Duration, kind connection.ErrorKind) {
			logger.Info().Int("attempt", attempt).Dur("delay", delay).Stringer("kind", kind).Msg("retrying")
		},
	})
	if err != nil {
		return err
	}
	if err := link.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	link.Close()
	return nil
}
