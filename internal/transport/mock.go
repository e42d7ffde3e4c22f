package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// LineHandler is implemented by simulated instrument engines. HandleCommand
// processes one command line and reports whether it produced a reply.
type LineHandler interface {
	HandleCommand(line string) (reply string, hasReply bool)
}

var mockEngines = struct {
	sync.RWMutex
	m map[string]LineHandler
}{m: make(map[string]LineHandler)}

// RegisterMock makes a simulated engine reachable as mock://<name>.
// Re-registering a name replaces the previous engine.
func RegisterMock(name string, h LineHandler) {
	mockEngines.Lock()
	defer mockEngines.Unlock()
	mockEngines.m[name] = h
}

// UnregisterMock removes a simulated engine.
func UnregisterMock(name string) {
	mockEngines.Lock()
	defer mockEngines.Unlock()
	delete(mockEngines.m, name)
}

// MockEngines lists the registered engine names in sorted order.
func MockEngines() []string {
	mockEngines.RLock()
	defer mockEngines.RUnlock()
	names := make([]string, 0, len(mockEngines.m))
	for name := range mockEngines.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mockConn pipes commands straight into a registered engine. It counts
// writes and queries so tests can assert on wire traffic.
type mockConn struct {
	engine  LineHandler
	name    string
	closed  atomic.Bool
	writes  atomic.Int64
	queries atomic.Int64
}

func dialMock(res Resource) (Conn, error) {
	mockEngines.RLock()
	engine, ok := mockEngines.m[res.Engine]
	mockEngines.RUnlock()
	if !ok {
		return nil, fault.Unavailable("no mock engine registered as %q", res.Engine)
	}
	return &mockConn{engine: engine, name: res.Engine}, nil
}

func (c *mockConn) WriteLine(ctx context.Context, line string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return MapError(err)
	}
	c.writes.Add(1)
	c.engine.HandleCommand(line)
	return nil
}

func (c *mockConn) Query(ctx context.Context, line string) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", MapError(err)
	}
	c.queries.Add(1)
	reply, hasReply := c.engine.HandleCommand(line)
	if !hasReply {
		return "", fault.Timeout("engine %q produced no reply to %q", c.name, line)
	}
	return reply, nil
}

func (c *mockConn) Close() error {
	c.closed.Store(true)
	return nil
}

// Writes reports how many fire-and-forget commands this connection carried.
func (c *mockConn) Writes() int64 { return c.writes.Load() }

// Queries reports how many query round-trips this connection carried.
func (c *mockConn) Queries() int64 { return c.queries.Load() }
