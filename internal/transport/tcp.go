package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ansel1/merry"
	"github.com/powerman/structlog"
)

// TCP is a stream socket client. A failed Connect leaves it disconnected and
// ready for another attempt with a freshly dialed socket.
//
// Any failed exchange, a reply timeout included, closes the socket: a late
// reply left in the stream would be read as the answer to the next command.
// The next Write redials until Disconnect is called.
type TCP struct {
	addr string
	cfg  Config
	log  *structlog.Logger

	mu     sync.Mutex
	conn   net.Conn
	rd     *bufio.Reader
	redial bool
}

func NewTCP(addr string, c Config, log *structlog.Logger) *TCP {
	c = c.withDefaults()
	if log == nil {
		log = structlog.New()
	}
	return &TCP{
		addr: addr,
		cfg:  c,
		log:  log.New("addr", addr),
	}
}

func newTCPFromProperties(c Config, log *structlog.Logger) (*TCP, error) {
	host := strings.TrimSpace(c.Properties[0])
	port := strings.TrimSpace(c.Properties[1])
	if host == "" {
		return nil, merry.Append(ErrConfig, "IP address is empty")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 0xFFFF {
		return nil, merry.Appendf(ErrConfig, "port %q: must be a number in 1..65535", port)
	}
	return NewTCP(net.JoinHostPort(host, port), c, log), nil
}

func (x *TCP) Addr() string {
	return x.addr
}

// Connected reports whether the link is held, including a link waiting to
// be redialed after a failed exchange.
func (x *TCP) Connected() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.conn != nil || x.redial
}

func (x *TCP) Connect(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn != nil {
		return nil
	}
	if err := x.dial(ctx); err != nil {
		return err
	}
	x.log.Debug("connected")
	return nil
}

func (x *TCP) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: x.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", x.addr)
	if err != nil {
		return merry.Appendf(ErrConnect, "%s: %v", x.addr, err)
	}
	x.conn = conn
	x.rd = bufio.NewReaderSize(conn, x.cfg.MaxReply)
	x.redial = false
	return nil
}

func (x *TCP) Disconnect() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.redial = false
	if x.conn == nil {
		return nil
	}
	_ = x.conn.SetWriteDeadline(time.Now().Add(x.cfg.Timeout))
	if _, err := x.conn.Write([]byte(ExitCommand + x.cfg.Terminator)); err != nil {
		x.log.Debug("exit frame not sent", "err", err)
	}
	err := x.conn.Close()
	x.conn = nil
	x.rd = nil
	x.log.Debug("disconnected")
	if err != nil {
		return merry.Append(err, "close socket")
	}
	return nil
}

func (x *TCP) Write(command string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn == nil && x.redial {
		if err := x.dial(context.Background()); err != nil {
			return merry.Appendf(err, "command %q", command)
		}
		x.log.Debug("reconnected")
	}
	if x.conn == nil {
		return ErrNotConnected.Here()
	}
	if err := x.conn.SetWriteDeadline(time.Now().Add(x.cfg.Timeout)); err != nil {
		return merry.Wrap(err)
	}
	if _, err := x.conn.Write([]byte(command + x.cfg.Terminator)); err != nil {
		return x.ioErr(err, command)
	}
	if x.cfg.LogComm {
		x.log.Debug("write", "cmd", command)
	}
	return nil
}

// Read returns one reply with the terminator stripped.
func (x *TCP) Read() ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn == nil {
		return nil, ErrNotConnected.Here()
	}
	if err := x.conn.SetReadDeadline(time.Now().Add(x.cfg.Timeout)); err != nil {
		return nil, merry.Wrap(err)
	}
	reply, err := x.readReply()
	if err != nil {
		return nil, x.ioErr(err, "")
	}
	if x.cfg.LogComm {
		x.log.Debug("read", "reply", string(reply))
	}
	return reply, nil
}

func (x *TCP) readReply() ([]byte, error) {
	if x.cfg.Terminator == "" {
		// no framing: one bounded read
		b := make([]byte, x.cfg.MaxReply)
		n, err := x.rd.Read(b)
		if err != nil {
			return nil, err
		}
		return b[:n], nil
	}
	delim := x.cfg.Terminator[len(x.cfg.Terminator)-1]
	var buf []byte
	for {
		chunk, err := x.rd.ReadSlice(delim)
		buf = append(buf, chunk...)
		if len(buf) > x.cfg.MaxReply {
			return nil, ErrReplyTooLong.Here()
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		if bytes.HasSuffix(buf, []byte(x.cfg.Terminator)) {
			return bytes.TrimRight(buf[:len(buf)-len(x.cfg.Terminator)], "\r"), nil
		}
	}
}

func (x *TCP) ioErr(err error, command string) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		err = merry.Append(ErrTimeout.Here(), err.Error())
	}
	// the stream is out of sync or gone
	_ = x.conn.Close()
	x.conn = nil
	x.rd = nil
	x.redial = true
	if command != "" {
		err = merry.Appendf(err, "command %q", command)
	}
	return merry.Appendf(err, "%s", x.addr)
}
