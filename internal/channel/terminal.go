package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gituhq/gitu/internal/bus"
	"github.com/gituhq/gitu/internal/config"
)

// TerminalChannel is the local CLI platform: one line in, responses out.
// The device id is the platform user id for identity resolution.
type TerminalChannel struct {
	BaseChannel
	deviceID string
	in       io.Reader
	out      io.Writer
	cancel   context.CancelFunc
}

func NewTerminalChannel(cfg config.TerminalConfig, b *bus.MessageBus) *TerminalChannel {
	deviceID := strings.TrimSpace(cfg.DeviceID)
	if deviceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		deviceID = host
	}
	return &TerminalChannel{
		BaseChannel: NewBaseChannel(PlatformTerminal, b, nil),
		deviceID:    deviceID,
		in:          os.Stdin,
		out:         os.Stdout,
	}
}

// SetIO overrides the reader/writer (for testing).
func (t *TerminalChannel) SetIO(in io.Reader, out io.Writer) {
	t.in = in
	t.out = out
}

func (t *TerminalChannel) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	go func() {
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			t.bus.Inbound <- bus.Envelope{
				Platform:  PlatformTerminal,
				SenderID:  t.deviceID,
				ChatID:    t.deviceID,
				Parts:     []bus.ContentPart{{Kind: bus.PartText, Text: line}},
				Timestamp: time.Now(),
			}
		}
	}()

	log.Printf("[terminal] reading as device %s", t.deviceID)
	return nil
}

func (t *TerminalChannel) Send(msg bus.OutboundMessage) error {
	_, err := fmt.Fprintln(t.out, msg.Content)
	return err
}

func (t *TerminalChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	log.Printf("[terminal] stopped")
	return nil
}
