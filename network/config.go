package network

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/c360/reactor/errors"
)

// MulticastConfig controls the shared group used for announces and for
// untargeted unreliable messages.
type MulticastConfig struct {
	Enabled   bool
	Group     string
	Port      int
	Interface string
	TTL       int
	Loopback  bool
}

// Config holds the controller settings.
type Config struct {
	// Name identifies this process to its peers. Several processes may
	// share a name; messages targeted at it reach all of them.
	Name        string
	BindAddress string
	TCPPort     int // 0 picks a free port
	UDPPort     int // 0 picks a free port

	Multicast MulticastConfig

	AnnounceInterval  time.Duration
	ReassemblyTimeout time.Duration
	HandshakeTimeout  time.Duration
	MaxFrameSize      uint32

	// WriteTimeout bounds one reliable frame write. A peer that stops
	// reading for longer is torn down.
	WriteTimeout time.Duration

	// DialRate and DialBurst limit connections opened in answer to
	// announces.
	DialRate  float64
	DialBurst int

	// Peers are dialed at start, as host:port of their TCP listener.
	Peers []string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BindAddress: "0.0.0.0",
		Multicast: MulticastConfig{
			Enabled:  true,
			Group:    "239.226.152.162",
			Port:     7447,
			TTL:      1,
			Loopback: true,
		},
		AnnounceInterval:  time.Second,
		ReassemblyTimeout: DefaultReassemblyTimeout,
		HandshakeTimeout:  5 * time.Second,
		MaxFrameSize:      64 << 20,
		WriteTimeout:      5 * time.Second,
		DialRate:          2,
		DialBurst:         4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "name is required")
	}
	if len(c.Name) > MaxNameLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("name longer than %d bytes", MaxNameLength))
	}
	for _, port := range []int{c.TCPPort, c.UDPPort} {
		if port < 0 || port > 65535 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("port %d out of range", port))
		}
	}
	if c.Multicast.Enabled {
		group, err := netip.ParseAddr(c.Multicast.Group)
		if err != nil || !group.Is4() || !group.IsMulticast() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("multicast group %q is not an IPv4 multicast address", c.Multicast.Group))
		}
		if c.Multicast.Port <= 0 || c.Multicast.Port > 65535 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("multicast port %d out of range", c.Multicast.Port))
		}
		if c.AnnounceInterval <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "announce interval must be positive")
		}
	}
	if c.ReassemblyTimeout <= 0 || c.HandshakeTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "timeouts must be positive")
	}
	if c.MaxFrameSize == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max frame size must be positive")
	}
	if c.DialRate <= 0 || c.DialBurst <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "dial rate and burst must be positive")
	}
	return nil
}
