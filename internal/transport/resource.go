package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// Scheme selects a transport backend.
type Scheme string

const (
	SchemeTCP    Scheme = "tcp"
	SchemeSerial Scheme = "serial"
	SchemeMock   Scheme = "mock"
)

// DefaultSCPIPort is the conventional raw-socket SCPI port.
const DefaultSCPIPort = 5025

// Resource is a parsed transport descriptor.
type Resource struct {
	Scheme Scheme

	// TCP fields.
	Host string
	Port int

	// Serial fields.
	Device string
	Baud   int

	// Mock fields.
	Engine string

	// Params carries any extra query parameters untouched.
	Params url.Values
}

// ParseResource parses a resource string into a typed descriptor.
// Accepted forms:
//
//	tcp://10.0.0.5:5025
//	tcp://scope.lab.local        (port defaults to 5025)
//	serial:///dev/ttyUSB0?baud=115200
//	mock://psu-bench-1
func ParseResource(s string) (Resource, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Resource{}, fault.Wrap(fault.KindBadRequest, err, "invalid resource %q", s)
	}

	res := Resource{Params: u.Query()}

	switch Scheme(strings.ToLower(u.Scheme)) {
	case SchemeTCP:
		res.Scheme = SchemeTCP
		host := u.Hostname()
		if host == "" {
			return Resource{}, fault.BadRequest("tcp resource %q has no host", s)
		}
		res.Host = host
		res.Port = DefaultSCPIPort
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil || port < 1 || port > 65535 {
				return Resource{}, fault.BadRequest("tcp resource %q has invalid port %q", s, p)
			}
			res.Port = port
		}

	case SchemeSerial:
		res.Scheme = SchemeSerial
		device := u.Path
		if device == "" {
			// serial://COM3 style puts the name in the host position.
			device = u.Host
		}
		if device == "" {
			return Resource{}, fault.BadRequest("serial resource %q has no device path", s)
		}
		res.Device = device
		res.Baud = 9600
		if b := u.Query().Get("baud"); b != "" {
			baud, err := strconv.Atoi(b)
			if err != nil || baud <= 0 {
				return Resource{}, fault.BadRequest("serial resource %q has invalid baud %q", s, b)
			}
			res.Baud = baud
		}

	case SchemeMock:
		res.Scheme = SchemeMock
		if u.Host == "" {
			return Resource{}, fault.BadRequest("mock resource %q names no engine", s)
		}
		res.Engine = u.Host

	case "":
		return Resource{}, fault.BadRequest("resource %q has no scheme", s)

	default:
		return Resource{}, fault.BadRequest("unsupported transport scheme %q", u.Scheme)
	}

	return res, nil
}

// String renders the canonical form of the resource. Two resource strings
// describing the same endpoint canonicalise identically, so derived
// equipment IDs are stable across reconnects.
func (r Resource) String() string {
	var base string
	switch r.Scheme {
	case SchemeTCP:
		base = fmt.Sprintf("tcp://%s", net.JoinHostPort(strings.ToLower(r.Host), strconv.Itoa(r.Port)))
	case SchemeSerial:
		base = fmt.Sprintf("serial://%s?baud=%d", r.Device, r.Baud)
	case SchemeMock:
		base = fmt.Sprintf("mock://%s", r.Engine)
	default:
		base = string(r.Scheme) + "://"
	}

	extra := canonicalParams(r.Params)
	if extra == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + extra
}

// StableID derives the deterministic equipment identifier for this
// resource: "eq_" plus the first 12 hex characters of the SHA-256 of the
// canonical resource string.
func (r Resource) StableID() string {
	sum := sha256.Sum256([]byte(r.String()))
	return "eq_" + hex.EncodeToString(sum[:])[:12]
}

func canonicalParams(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "baud" {
			continue // already part of the serial base form
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params.Get(k)))
	}
	return sb.String()
}
