package bus

import "time"

// PartKind tags one content part of a normalized envelope.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartAudio PartKind = "audio"
	PartFile  PartKind = "file"
)

// ContentPart is one piece of message content in wire-neutral form.
// Binary payloads are base64-encoded by the adapter that produced them.
type ContentPart struct {
	Kind      PartKind `json:"kind"`
	Text      string   `json:"text,omitempty"`
	MediaType string   `json:"mediaType,omitempty"`
	Data      string   `json:"data,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// Envelope is the platform-neutral representation of an inbound message.
// It is transient: persisted state lives in the session message log.
type Envelope struct {
	Platform      string
	PlatformMsgID string
	SenderID      string
	ChatID        string
	Parts         []ContentPart
	Timestamp     time.Time
	ReplyTo       string
	Metadata      map[string]any
}

// Text returns the concatenated text parts of the envelope.
func (e *Envelope) Text() string {
	var out string
	for _, p := range e.Parts {
		if p.Kind == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// OutboundMessage is a normalized outbound event addressed to one platform
// connection. Code is set on denial/notification events so clients can act
// on the machine-readable reason.
type OutboundMessage struct {
	Platform string
	ChatID   string
	Content  string
	ReplyTo  string
	Code     string
	Parts    []ContentPart
}
