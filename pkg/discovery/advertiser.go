package discovery

import (
	"context"
	"time"
)

// Advertiser announces a tlink server on the local network.
type Advertiser interface {
	// Advertise announces info. A running announcement is replaced.
	Advertise(ctx context.Context, info *ServerInfo) error

	// Update swaps the TXT data of the running announcement, e.g. after
	// the accepted boxes changed. It fails with ErrNotAdvertising when
	// nothing is announced.
	Update(info *ServerInfo) error

	// Stop withdraws the announcement; stopping twice is a no-op.
	Stop() error
}

// AdvertiserConfig selects where and for how long records are announced.
type AdvertiserConfig struct {
	// Interface limits announcements to one network interface; all
	// multicast-capable interfaces when empty.
	Interface string

	// TTL of the announced records; zero leaves the responder default.
	TTL time.Duration
}

// DefaultAdvertiserConfig announces on every interface with a two minute
// TTL.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: 2 * time.Minute}
}
