package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/gituhq/gitu/internal/bus"
	"github.com/gituhq/gitu/internal/config"
)

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`
}

type wsClient struct {
	conn     *websocket.Conn
	id       string
	deviceID string
	mu       sync.Mutex // serializes writes per connection
}

// WebChannel accepts websocket connections from web/app clients. A device
// may hold several simultaneous connections; outbound messages fan out to
// every live connection for the addressed device, in send order.
type WebChannel struct {
	BaseChannel
	clients sync.Map // connection id -> *wsClient
	nextID  atomic.Int64
	cancel  context.CancelFunc
}

func NewWebChannel(cfg config.WebConfig, b *bus.MessageBus) *WebChannel {
	return &WebChannel{
		BaseChannel: NewBaseChannel(PlatformWeb, b, cfg.AllowFrom),
	}
}

func (w *WebChannel) Start(ctx context.Context) error {
	_, w.cancel = context.WithCancel(ctx)
	log.Printf("[web] adapter ready")
	return nil
}

// Handler returns the websocket endpoint, mounted by the HTTP API server.
// Clients identify their device with the ?device= query parameter.
func (w *WebChannel) Handler() http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device")
		if deviceID == "" {
			http.Error(wr, "device parameter required", http.StatusBadRequest)
			return
		}
		if !w.IsAllowed(deviceID) {
			http.Error(wr, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("[web] websocket accept error: %v", err)
			return
		}

		connID := fmt.Sprintf("web-%d", w.nextID.Add(1))
		client := &wsClient{conn: conn, id: connID, deviceID: deviceID}
		w.clients.Store(connID, client)
		log.Printf("[web] client connected: %s (device %s)", connID, deviceID)

		defer func() {
			w.clients.Delete(connID)
			conn.CloseNow()
			log.Printf("[web] client disconnected: %s", connID)
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}

			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type != "message" || msg.Content == "" {
				continue
			}

			w.bus.Inbound <- bus.Envelope{
				Platform:  PlatformWeb,
				SenderID:  deviceID,
				ChatID:    deviceID,
				Parts:     []bus.ContentPart{{Kind: bus.PartText, Text: msg.Content}},
				Timestamp: time.Now(),
				Metadata:  map[string]any{"connection": connID},
			}
		}
	}
}

// Send fans the message out to every live connection for the device. No
// live connection is not an error: the content is already in session
// history.
func (w *WebChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(wsMessage{
		Type:    "message",
		Content: msg.Content,
		Code:    msg.Code,
	})
	if err != nil {
		return err
	}

	delivered := 0
	w.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		if c.deviceID != msg.ChatID {
			return true
		}
		c.mu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		c.mu.Unlock()
		if err != nil {
			log.Printf("[web] write to %s failed: %v", c.id, err)
		} else {
			delivered++
		}
		return true
	})
	if delivered == 0 {
		log.Printf("[web] no live connection for device %s, skipped", msg.ChatID)
	}
	return nil
}

func (w *WebChannel) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[web] stopped")
	return nil
}
