package channel

import (
	"context"
	"strings"

	"github.com/gituhq/gitu/internal/bus"
)

// Platform names used as envelope tags.
const (
	PlatformTelegram = "telegram"
	PlatformWhatsApp = "whatsapp"
	PlatformTerminal = "terminal"
	PlatformWeb      = "web"
)

// Channel is one platform adapter. Adapters normalize inbound platform
// messages into bus envelopes and translate outbound messages back into
// platform-native sends; content-type negotiation is the adapter's job.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Send(msg bus.OutboundMessage) error
	Stop() error
}

// BaseChannel carries the pieces every adapter shares: its platform name,
// the bus, and an optional sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed applies the adapter-level allow-list. An empty list allows
// everyone; identity and permission checks still happen downstream.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, allowed := range c.allowFrom {
		if strings.EqualFold(strings.TrimSpace(allowed), senderID) {
			return true
		}
	}
	return false
}
