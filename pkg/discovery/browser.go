package discovery

import (
	"context"
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// Browser finds tlink servers.
type Browser interface {
	// Browse reports servers as they are found. The channel is closed when
	// ctx is done.
	Browse(ctx context.Context) (<-chan *Service, error)
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout is the default timeout for one-shot browse operations.
	// Default: 3 seconds.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		BrowseTimeout: BrowseTimeout,
	}
}

// FilterFunc selects browse results.
type FilterFunc func(*Service) bool

// FilterByBox matches servers accepting box.
func FilterByBox(box wire.BoxKind) FilterFunc {
	return func(svc *Service) bool {
		for _, b := range svc.Info.Boxes {
			if b == box {
				return true
			}
		}
		return false
	}
}

// FilterSecure matches servers speaking TLS.
func FilterSecure() FilterFunc {
	return func(svc *Service) bool { return svc.Info.Secure }
}

// FilterBrowseResults filters a channel of services.
func FilterBrowseResults(in <-chan *Service, filter FilterFunc) <-chan *Service {
	out := make(chan *Service)
	go func() {
		defer close(out)
		for svc := range in {
			if filter(svc) {
				out <- svc
			}
		}
	}()
	return out
}

// Collect browses for timeout and returns everything found.
func Collect(ctx context.Context, b Browser, timeout time.Duration) ([]*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Service
	for svc := range results {
		out = append(out, svc)
	}
	return out, nil
}

// Find browses until a service matches or ctx is done.
func Find(ctx context.Context, b Browser, match FilterFunc) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case svc, ok := <-results:
			if !ok {
				return nil, ErrNotFound
			}
			if match(svc) {
				return svc, nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}
