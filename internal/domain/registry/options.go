package registry

import "time"

// Option is a functional configuration knob for the Hub.
type Option func(*Hub)

// WithEvictionInterval configures how often the janitor reclaims cells of
// long-gone participants.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithIdleTimeout defines the quiet period after which a connection-less
// cell is eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithMailboxSize sets the per-participant mailbox capacity.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}
