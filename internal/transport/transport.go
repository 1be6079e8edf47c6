// Package transport carries short ASCII command/reply exchanges between the
// host and an instrument.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ansel1/merry"
	"github.com/powerman/structlog"
)

// Client is the raw command/reply link to one instrument. A Client has one
// owner at a time: implementations serialize calls, but interleaving
// Write/Read pairs from two goroutines still mixes replies.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Write(command string) error
	Read() ([]byte, error)
}

type Protocol string

const (
	ProtocolTCP  Protocol = "TCP/IP"
	ProtocolVISA Protocol = "VISA-TCP/IP"
	ProtocolTest Protocol = "Test"
)

// Protocols lists every protocol tag New understands.
var Protocols = []Protocol{ProtocolTCP, ProtocolVISA, ProtocolTest}

func (p Protocol) Validate() error {
	for _, x := range Protocols {
		if x == p {
			return nil
		}
	}
	return merry.Appendf(ErrUnknownProtocol, "%q, expected one of %s", p, formatProtocols())
}

type Config struct {
	Protocol   Protocol
	Properties [4]string

	Timeout    time.Duration // read/write/dial timeout
	Terminator string        // reply delimiter, empty for a single bounded read
	MaxReply   int           // reply size limit in bytes
	LogComm    bool          // log every command and reply at debug level
}

const (
	DefaultTimeout    = 2 * time.Second
	DefaultTerminator = "\n"
	DefaultMaxReply   = 4096

	// ExitCommand is sent best-effort before closing a TCP link.
	ExitCommand = "EXIT"
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxReply <= 0 {
		c.MaxReply = DefaultMaxReply
	}
	return c
}

var (
	ErrUnknownProtocol = merry.New("unknown communication protocol")
	ErrConfig          = merry.New("invalid communication properties")
	ErrConnect         = merry.New("unable to connect")
	ErrNotConnected    = merry.New("not connected")
	ErrTimeout         = merry.New("reply timeout")
	ErrReplyTooLong    = merry.New("reply exceeds size limit")
)

// New selects the client for c.Protocol. An unknown protocol is a
// configuration error, never a silent no-op client.
func New(c Config, log *structlog.Logger) (Client, error) {
	c = c.withDefaults()
	if log == nil {
		log = structlog.New()
	}
	switch c.Protocol {
	case ProtocolTCP:
		return newTCPFromProperties(c, log)
	case ProtocolVISA:
		return newVISA(c, log)
	case ProtocolTest:
		return NewTest(), nil
	default:
		return nil, c.Protocol.Validate()
	}
}

func formatProtocols() string {
	xs := make([]string, len(Protocols))
	for i, p := range Protocols {
		xs[i] = fmt.Sprintf("%q", p)
	}
	return strings.Join(xs, ", ")
}
