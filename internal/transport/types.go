package transport

import (
	"context"
	"time"
)

// PayloadKind discriminates the broadcast payload union.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
)

// Payload is the content sent to a destination: plain text, or an image
// (referenced by its temporary storage path) with an optional caption.
type Payload struct {
	Kind    PayloadKind
	Text    string
	Image   string // local path of the stored image, valid while the run lives
	Caption string
}

func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}

func ImagePayload(path, caption string) Payload {
	return Payload{Kind: PayloadImage, Image: path, Caption: caption}
}

// Group is one destination conversation as the platform reports it.
type Group struct {
	ID   string
	Name string
}

// Receipt identifies a message accepted by the platform.
type Receipt struct {
	MessageID string
	At        time.Time
}

// EventKind discriminates inbound events.
type EventKind string

const (
	EventText  EventKind = "text"
	EventImage EventKind = "image"
)

// Event is one inbound message from the platform stream.
type Event struct {
	Kind      EventKind
	MessageID string
	SenderID  string // conversation the message arrived in
	Text      string // text body, or image caption for EventImage
	Image     []byte // raw image bytes for EventImage
	SelfEcho  bool   // set when the account's own send is echoed back
	At        time.Time
}

// Transport is the messaging platform boundary. Connection management,
// pairing and encryption live behind it; implementations must translate
// platform errors into SendError kinds (see errors.go) so callers never
// inspect error strings.
type Transport interface {
	// Send delivers a payload to one destination.
	Send(ctx context.Context, destID string, p Payload) (Receipt, error)

	// FetchMembership lists the groups the account currently belongs to.
	FetchMembership(ctx context.Context) ([]Group, error)

	// FetchMetadata returns the participant ids of one group.
	FetchMetadata(ctx context.Context, destID string) ([]string, error)

	// PreEstablishSessions warms up secure sessions with the given
	// participants so a following Send does not hit a not-ready rejection.
	PreEstablishSessions(ctx context.Context, participantIDs []string) error
}

// Listener receives the inbound event stream.
type Listener interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
}
