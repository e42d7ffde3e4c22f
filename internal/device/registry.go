package device

import (
	"sort"
	"strings"
	"sync"

	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

// Constructor builds a driver over an open connection.
type Constructor func(conn transport.Conn) Driver

// Registry maps (equipment type, model) to driver constructors. A model
// match wins; otherwise the type's fallback constructor is used.
type Registry struct {
	mu        sync.RWMutex
	byModel   map[string]Constructor // key: type + "/" + upper(model)
	fallbacks map[Type]Constructor
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		byModel:   make(map[string]Constructor),
		fallbacks: make(map[Type]Constructor),
	}
}

// Register binds a specific model to a constructor.
func (r *Registry) Register(t Type, model string, fn Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[modelKey(t, model)] = fn
}

// RegisterFallback binds the generic constructor for a type.
func (r *Registry) RegisterFallback(t Type, fn Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[t] = fn
}

// DriverFor selects the best constructor for the type/model pair and
// builds a driver. Model may be empty when the instrument has not been
// identified yet.
func (r *Registry) DriverFor(t Type, model string, conn transport.Conn) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model != "" {
		if fn, ok := r.byModel[modelKey(t, model)]; ok {
			return fn(conn), nil
		}
	}
	if fn, ok := r.fallbacks[t]; ok {
		return fn(conn), nil
	}
	return nil, fault.BadRequest("no driver available for equipment type %q", t)
}

// Models lists registered model keys, for diagnostics.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byModel))
	for k := range r.byModel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func modelKey(t Type, model string) string {
	return string(t) + "/" + strings.ToUpper(strings.TrimSpace(model))
}

// DefaultRegistry carries the built-in drivers.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.RegisterFallback(TypePowerSupply, NewPowerSupplyDriver)
	DefaultRegistry.RegisterFallback(TypeOscilloscope, NewOscilloscopeDriver)
	DefaultRegistry.RegisterFallback(TypeElectronicLoad, NewElectronicLoadDriver)

	// Simulated bench models resolve to the same generic drivers.
	DefaultRegistry.Register(TypePowerSupply, "PSU-3303", NewPowerSupplyDriver)
	DefaultRegistry.Register(TypeOscilloscope, "SCOPE-7104", NewOscilloscopeDriver)
	DefaultRegistry.Register(TypeElectronicLoad, "LOAD-8500", NewElectronicLoadDriver)
}
