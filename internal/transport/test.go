package transport

import (
	"context"
	"sync"
)

// TestReply is what Test.Read returns for a command with no scripted reply.
const TestReply = "0.0"

// Test is an in-memory client for running the system without hardware:
// every call succeeds and Read yields TestReply unless a reply was scripted
// with SetReply.
type Test struct {
	mu        sync.Mutex
	connected bool
	commands  []string
	replies   map[string][]string
	last      string
}

func NewTest() *Test {
	return &Test{replies: make(map[string][]string)}
}

// SetReply scripts the replies to command. They are consumed in order, the
// last one repeats.
func (x *Test) SetReply(command string, replies ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.replies[command] = append([]string(nil), replies...)
}

func (x *Test) Connect(context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.connected = true
	return nil
}

func (x *Test) Disconnect() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.connected = false
	return nil
}

func (x *Test) Write(command string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.commands = append(x.commands, command)
	x.last = command
	return nil
}

func (x *Test) Read() ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	xs := x.replies[x.last]
	switch len(xs) {
	case 0:
		return []byte(TestReply), nil
	case 1:
		return []byte(xs[0]), nil
	default:
		x.replies[x.last] = xs[1:]
		return []byte(xs[0]), nil
	}
}

func (x *Test) Connected() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.connected
}

// Commands returns a copy of every command written so far.
func (x *Test) Commands() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.commands...)
}

// Count returns how many times command was written.
func (x *Test) Count(command string) (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range x.commands {
		if c == command {
			n++
		}
	}
	return
}
