// Package protocol defines the messages exchanged between relay clients and
// the server, and the codecs that put them on the wire.
package protocol

import (
	"errors"
	"time"
)

// Kind is the wire discriminant carried in the "type" field.
type Kind string

// Inbound kinds.
const (
	KindRegister        Kind = "register"
	KindPublicChat      Kind = "public_chat"
	KindPrivateTransfer Kind = "private_transfer"
	KindFileTransfer    Kind = "file_transfer"
	KindTypingStatus    Kind = "typing_status"
)

// Outbound kinds.
const (
	KindCount              Kind = "count"
	KindHistory            Kind = "history"
	KindChat               Kind = "chat"
	KindPrivate            Kind = "private"
	KindFile               Kind = "file"
	KindTypingNotification Kind = "typing_notification"
	KindError              Kind = "error"
	KindInfo               Kind = "info"
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// DefaultFilename is used when a file transfer carries no filename.
const DefaultFilename = "unknown file"

// Decode errors. A message failing with any of these is dropped by the relay.
var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrMissingField = errors.New("missing required field")
)

// Inbound is a message sent by a client. The set of implementations is closed.
type Inbound interface {
	Kind() Kind
	inbound()
}

// Register claims a handle. It must be the first message on a connection.
type Register struct {
	Handle string
}

// PublicChat is broadcast to every connected handle.
type PublicChat struct {
	Body string
}

// PrivateTransfer is delivered to a single target handle.
type PrivateTransfer struct {
	Target string
	Body   string
}

// FileTransfer is broadcast to every connected handle. Payload is opaque.
type FileTransfer struct {
	Filename string
	Payload  any
}

// TypingStatus is forwarded to everyone but the sender.
type TypingStatus struct {
	IsTyping bool
}

func (Register) Kind() Kind        { return KindRegister }
func (PublicChat) Kind() Kind      { return KindPublicChat }
func (PrivateTransfer) Kind() Kind { return KindPrivateTransfer }
func (FileTransfer) Kind() Kind    { return KindFileTransfer }
func (TypingStatus) Kind() Kind    { return KindTypingStatus }

func (Register) inbound()        {}
func (PublicChat) inbound()      {}
func (PrivateTransfer) inbound() {}
func (FileTransfer) inbound()    {}
func (TypingStatus) inbound()    {}

// Outbound is a message sent by the server. The set of implementations is closed.
type Outbound interface {
	Kind() Kind
	outbound()
}

// Count reports the current membership.
type Count struct {
	Count   int
	Handles []string
}

// History carries past public messages to a newly registered client.
type History struct {
	Messages []Chat
}

// Chat is a relayed public message.
type Chat struct {
	Sender string
	Body   string
	Time   time.Time
}

// Private is a relayed direct message. The sender receives an identical echo.
type Private struct {
	Sender string
	Target string
	Body   string
	Time   time.Time
}

// File is a relayed file payload.
type File struct {
	Sender   string
	Filename string
	Payload  any
	Time     time.Time
}

// TypingNotification tells the other clients that Sender started or stopped typing.
type TypingNotification struct {
	Sender   string
	IsTyping bool
}

// Error reports a rejection that closes the connection.
type Error struct {
	Message string
}

// Info reports a rejection that leaves the connection open.
type Info struct {
	Message string
}

func (Count) Kind() Kind              { return KindCount }
func (History) Kind() Kind            { return KindHistory }
func (Chat) Kind() Kind               { return KindChat }
func (Private) Kind() Kind            { return KindPrivate }
func (File) Kind() Kind               { return KindFile }
func (TypingNotification) Kind() Kind { return KindTypingNotification }
func (Error) Kind() Kind              { return KindError }
func (Info) Kind() Kind               { return KindInfo }

func (Count) outbound()              {}
func (History) outbound()            {}
func (Chat) outbound()               {}
func (Private) outbound()            {}
func (File) outbound()               {}
func (TypingNotification) outbound() {}
func (Error) outbound()              {}
func (Info) outbound()               {}
