package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

func TestParseResource(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Resource
		wantErr  bool
	}{
		{
			name:     "tcp with port",
			input:    "tcp://10.0.0.5:5555",
			expected: Resource{Scheme: SchemeTCP, Host: "10.0.0.5", Port: 5555},
		},
		{
			name:     "tcp default port",
			input:    "tcp://scope.lab.local",
			expected: Resource{Scheme: SchemeTCP, Host: "scope.lab.local", Port: 5025},
		},
		{
			name:     "serial with baud",
			input:    "serial:///dev/ttyUSB0?baud=115200",
			expected: Resource{Scheme: SchemeSerial, Device: "/dev/ttyUSB0", Baud: 115200},
		},
		{
			name:     "serial default baud",
			input:    "serial:///dev/ttyACM1",
			expected: Resource{Scheme: SchemeSerial, Device: "/dev/ttyACM1", Baud: 9600},
		},
		{
			name:     "mock engine",
			input:    "mock://psu-bench-1",
			expected: Resource{Scheme: SchemeMock, Engine: "psu-bench-1"},
		},
		{name: "unknown scheme", input: "gpib://7", wantErr: true},
		{name: "no scheme", input: "not-a-resource", wantErr: true},
		{name: "tcp no host", input: "tcp://", wantErr: true},
		{name: "tcp bad port", input: "tcp://host:99999", wantErr: true},
		{name: "serial bad baud", input: "serial:///dev/ttyUSB0?baud=fast", wantErr: true},
		{name: "mock no engine", input: "mock://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResource(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseResource(%q) succeeded, want error", tt.input)
				}
				if !fault.Is(err, fault.KindBadRequest) {
					t.Errorf("error kind = %v, want bad_request", fault.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResource(%q) error: %v", tt.input, err)
			}
			if got.Scheme != tt.expected.Scheme {
				t.Errorf("Scheme = %v, want %v", got.Scheme, tt.expected.Scheme)
			}
			if got.Host != tt.expected.Host || got.Port != tt.expected.Port {
				t.Errorf("Host:Port = %s:%d, want %s:%d", got.Host, got.Port, tt.expected.Host, tt.expected.Port)
			}
			if got.Device != tt.expected.Device || got.Baud != tt.expected.Baud {
				t.Errorf("Device/Baud = %s/%d, want %s/%d", got.Device, got.Baud, tt.expected.Device, tt.expected.Baud)
			}
			if got.Engine != tt.expected.Engine {
				t.Errorf("Engine = %q, want %q", got.Engine, tt.expected.Engine)
			}
		})
	}
}

func TestStableID(t *testing.T) {
	a, err := ParseResource("tcp://PSU.Lab.Local:5025")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseResource("tcp://psu.lab.local")
	if err != nil {
		t.Fatal(err)
	}

	if a.StableID() != b.StableID() {
		t.Errorf("equivalent resources produced different IDs: %s vs %s", a.StableID(), b.StableID())
	}
	if !strings.HasPrefix(a.StableID(), "eq_") {
		t.Errorf("StableID = %q, want eq_ prefix", a.StableID())
	}
	if len(a.StableID()) != len("eq_")+12 {
		t.Errorf("StableID length = %d, want %d", len(a.StableID()), len("eq_")+12)
	}

	c, _ := ParseResource("tcp://psu.lab.local:5026")
	if a.StableID() == c.StableID() {
		t.Error("different resources produced the same ID")
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected fault.Kind
	}{
		{"deadline exceeded", context.DeadlineExceeded, fault.KindTimeout},
		{"canceled", context.Canceled, fault.KindCancelled},
		{"eof", io.EOF, fault.KindInstrumentUnavailable},
		{"closed", ErrClosed, fault.KindInstrumentUnavailable},
		{"existing fault passes through", fault.Busy("queue full"), fault.KindBusy},
		{"serial timeout phrasing", errors.New("read timeout on port"), fault.KindTimeout},
		{"unknown", errors.New("weird wire noise"), fault.KindInstrumentUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Kind != tt.expected {
				t.Errorf("MapError(%v).Kind = %v, want %v", tt.err, got.Kind, tt.expected)
			}
		})
	}

	if MapError(nil) != nil {
		t.Error("MapError(nil) should be nil")
	}
}

// scriptEngine replies from a fixed command table.
type scriptEngine map[string]string

func (s scriptEngine) HandleCommand(line string) (string, bool) {
	reply, ok := s[line]
	return reply, ok
}

func TestMockConn(t *testing.T) {
	RegisterMock("test-psu", scriptEngine{"*IDN?": "ACME,PSU-1,SN1,1.0"})
	defer UnregisterMock("test-psu")

	res, err := ParseResource("mock://test-psu")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := Dial(context.Background(), res, DefaultTimeouts())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	reply, err := conn.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply != "ACME,PSU-1,SN1,1.0" {
		t.Errorf("Query = %q, want identity string", reply)
	}

	if err := conn.WriteLine(context.Background(), "OUTP ON"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	mc := conn.(*mockConn)
	if mc.Queries() != 1 || mc.Writes() != 1 {
		t.Errorf("counters = %d queries, %d writes; want 1, 1", mc.Queries(), mc.Writes())
	}

	// A command the engine does not answer maps to timeout.
	if _, err := conn.Query(context.Background(), "BOGUS?"); !fault.Is(err, fault.KindTimeout) {
		t.Errorf("unanswered query kind = %v, want timeout", fault.KindOf(err))
	}

	conn.Close()
	if err := conn.WriteLine(context.Background(), "OUTP OFF"); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close = %v, want ErrClosed", err)
	}
}

func TestDialMockUnregistered(t *testing.T) {
	res, _ := ParseResource("mock://nobody-home")
	_, err := Dial(context.Background(), res, DefaultTimeouts())
	if !fault.Is(err, fault.KindInstrumentUnavailable) {
		t.Errorf("kind = %v, want instrument_unavailable", fault.KindOf(err))
	}
}

// startLineServer runs a one-shot SCPI responder on a loopback listener.
func startLineServer(t *testing.T, replies map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					if reply, ok := replies[line]; ok {
						io.WriteString(conn, reply+"\n")
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTCPConnQuery(t *testing.T) {
	addr := startLineServer(t, map[string]string{
		"*IDN?":     "ACME,SCOPE-9,SN42,2.1",
		"MEAS:VPP?": "3.300",
	})

	res, err := ParseResource("tcp://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := Dial(context.Background(), res, DefaultTimeouts())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	reply, err := conn.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply != "ACME,SCOPE-9,SN42,2.1" {
		t.Errorf("Query = %q", reply)
	}

	reply, err = conn.Query(context.Background(), "MEAS:VPP?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply != "3.300" {
		t.Errorf("Query = %q, want 3.300", reply)
	}
}

func TestTCPConnQueryTimeout(t *testing.T) {
	addr := startLineServer(t, map[string]string{}) // never replies

	res, _ := ParseResource("tcp://" + addr)
	timeouts := DefaultTimeouts()
	timeouts.ReadTimeout = 100 * time.Millisecond

	conn, err := Dial(context.Background(), res, timeouts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	_, err = conn.Query(context.Background(), "SILENT?")
	if !fault.Is(err, fault.KindTimeout) {
		t.Fatalf("kind = %v, want timeout (err=%v)", fault.KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, want about 100ms", elapsed)
	}
}

func TestDialTCPRefused(t *testing.T) {
	// Grab a free port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res, _ := ParseResource("tcp://" + addr)
	_, err = Dial(context.Background(), res, DefaultTimeouts())
	if err == nil {
		t.Fatal("Dial succeeded against closed port")
	}
	if !fault.Is(err, fault.KindInstrumentUnavailable) && !fault.Is(err, fault.KindTimeout) {
		t.Errorf("kind = %v, want instrument_unavailable or timeout", fault.KindOf(err))
	}
}
