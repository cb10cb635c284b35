package bus

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/refill/internal/domain"
)

// ErrUnsupported is returned for an unknown event bus type.
var ErrUnsupported = errors.New("unsupported event bus type")

// New returns the bus selected by cfg.Type: in-process channels ("channel"
// or empty) or NATS ("nats"), which lets several refilld instances share
// reload requests and outreach events.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		if cfg.NATSUrl == "" {
			return nil, fmt.Errorf("nats event bus: url is required")
		}
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, cfg.Type)
	}
}
