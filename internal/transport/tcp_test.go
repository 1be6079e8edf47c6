package transport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers newline terminated commands from a reply table and
// records everything it receives.
type fakeServer struct {
	ln      net.Listener
	replies map[string]string
	mu      sync.Mutex
	got     []string
	late    map[string]time.Duration // reply delay, applied once per command
	wg      sync.WaitGroup
}

func newFakeServer(t *testing.T, addr string, replies map[string]string) *fakeServer {
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	s := &fakeServer{ln: ln, replies: replies}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				cmd := sc.Text()
				s.mu.Lock()
				s.got = append(s.got, cmd)
				delay := s.late[cmd]
				delete(s.late, cmd)
				s.mu.Unlock()
				time.Sleep(delay)
				if reply, f := s.replies[cmd]; f {
					_, _ = conn.Write([]byte(reply + "\n"))
				}
			}
		}()
	}
}

func (s *fakeServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func (s *fakeServer) close() {
	_ = s.ln.Close()
}

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTCPConnectClosedPortIsRetryable(t *testing.T) {
	addr := freeAddr(t)
	c := NewTCP(addr, Config{Timeout: 200 * time.Millisecond, Terminator: "\n"}, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, merry.Is(err, ErrConnect))
	assert.False(t, c.Connected())

	newFakeServer(t, addr, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())
}

func TestTCPQueryAndExitFrame(t *testing.T) {
	addr := freeAddr(t)
	srv := newFakeServer(t, addr, map[string]string{
		"*IDN?":          "UVIGO,FM1,0,1.0",
		"FETCH:FREQ:ALL": "1000000.1,1000000.2,1000000.3",
	})
	c := NewTCP(addr, Config{Timeout: time.Second, Terminator: "\n"}, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Write("*IDN?"))
	b, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, "UVIGO,FM1,0,1.0", string(b))

	require.NoError(t, c.Write("FETCH:FREQ:ALL"))
	b, err = c.Read()
	require.NoError(t, err)
	assert.Equal(t, "1000000.1,1000000.2,1000000.3", string(b))

	require.NoError(t, c.Disconnect())
	assert.Eventually(t, func() bool {
		got := srv.received()
		return len(got) == 3 && got[2] == ExitCommand
	}, time.Second, 10*time.Millisecond)
}

func TestTCPReadTimeout(t *testing.T) {
	addr := freeAddr(t)
	newFakeServer(t, addr, nil)
	c := NewTCP(addr, Config{Timeout: 100 * time.Millisecond, Terminator: "\n"}, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect() }()

	require.NoError(t, c.Write("SILENT"))
	b, err := c.Read()
	assert.Nil(t, b)
	require.Error(t, err)
	assert.True(t, merry.Is(err, ErrTimeout))
	assert.True(t, c.Connected(), "a timeout keeps the link")
}

func TestTCPLateReplyIsNotReadAsNext(t *testing.T) {
	addr := freeAddr(t)
	srv := newFakeServer(t, addr, map[string]string{
		"FETCH:FREQ:ALL": "1000000.1",
		"*IDN?":          "UVIGO,FM1,0,1.0",
		"CDT:END?":       "1",
	})
	srv.mu.Lock()
	srv.late = map[string]time.Duration{"FETCH:FREQ:ALL": 200 * time.Millisecond}
	srv.mu.Unlock()

	c := NewTCP(addr, Config{Timeout: 50 * time.Millisecond, Terminator: "\n"}, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect() }()

	require.NoError(t, c.Write("FETCH:FREQ:ALL"))
	_, err := c.Read()
	require.True(t, merry.Is(err, ErrTimeout))

	time.Sleep(250 * time.Millisecond)

	require.NoError(t, c.Write("*IDN?"))
	b, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, "UVIGO,FM1,0,1.0", string(b))

	require.NoError(t, c.Write("CDT:END?"))
	b, err = c.Read()
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))
}

func TestTCPReplyTooLong(t *testing.T) {
	addr := freeAddr(t)
	newFakeServer(t, addr, map[string]string{"BIG?": strings.Repeat("9", 100), "OK?": "OK"})
	c := NewTCP(addr, Config{Timeout: time.Second, Terminator: "\n", MaxReply: 32}, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect() }()

	require.NoError(t, c.Write("BIG?"))
	_, err := c.Read()
	require.Error(t, err)
	assert.True(t, merry.Is(err, ErrReplyTooLong))

	// the rest of the oversized reply is gone with the old socket
	require.NoError(t, c.Write("OK?"))
	b, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, "OK", string(b))
}

func TestTCPNotConnected(t *testing.T) {
	c := NewTCP("127.0.0.1:1", Config{}, nil)
	assert.True(t, merry.Is(c.Write("*IDN?"), ErrNotConnected))
	_, err := c.Read()
	assert.True(t, merry.Is(err, ErrNotConnected))
	assert.NoError(t, c.Disconnect())
}
