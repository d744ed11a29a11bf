// Package registry is the plugin capability table: plugins self-register
// into a typed table keyed by (name, version) from their own init()
// functions. No reflection-based scanning, no directory walking.
package registry

import (
	"fmt"
	"sync"

	"github.com/sentryflow/sentryflow/internal/contracts"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// Key identifies a registered plugin by name and version.
type Key struct {
	Name    string
	Version string
}

func (k Key) String() string { return fmt.Sprintf("%s@%s", k.Name, k.Version) }

// SourceFactory, TransformFactory, GateFactory, and SinkFactory construct a
// fresh plugin instance from its config block. Each plugin kind gets its
// own constructor signature rather than a single interface{}-returning
// factory, so call sites never need a type assertion.
type SourceFactory func(config map[string]interface{}) (plugin.Source, error)
type TransformFactory func(config map[string]interface{}) (plugin.Transform, error)
type GateFactory func(config map[string]interface{}) (plugin.Gate, error)
type SinkFactory func(config map[string]interface{}) (plugin.Sink, error)

var (
	mu         sync.Mutex
	sources    = map[Key]SourceFactory{}
	transforms = map[Key]TransformFactory{}
	gates      = map[Key]GateFactory{}
	sinks      = map[Key]SinkFactory{}
)

// RegisterSource registers a source factory. Intended to be called from a
// plugin package's init().
func RegisterSource(name, version string, factory SourceFactory) error {
	mu.Lock()
	defer mu.Unlock()
	key := Key{Name: name, Version: version}
	if _, exists := sources[key]; exists {
		return fmt.Errorf("registry: source %s already registered", key)
	}
	sources[key] = factory
	return nil
}

// MustRegisterSource panics on a registration conflict, for use in init().
func MustRegisterSource(name, version string, factory SourceFactory) {
	if err := RegisterSource(name, version, factory); err != nil {
		panic(err)
	}
}

// RegisterTransform registers a transform factory.
func RegisterTransform(name, version string, factory TransformFactory) error {
	mu.Lock()
	defer mu.Unlock()
	key := Key{Name: name, Version: version}
	if _, exists := transforms[key]; exists {
		return fmt.Errorf("registry: transform %s already registered", key)
	}
	transforms[key] = factory
	return nil
}

// MustRegisterTransform panics on a registration conflict, for use in init().
func MustRegisterTransform(name, version string, factory TransformFactory) {
	if err := RegisterTransform(name, version, factory); err != nil {
		panic(err)
	}
}

// RegisterGate registers a gate factory.
func RegisterGate(name, version string, factory GateFactory) error {
	mu.Lock()
	defer mu.Unlock()
	key := Key{Name: name, Version: version}
	if _, exists := gates[key]; exists {
		return fmt.Errorf("registry: gate %s already registered", key)
	}
	gates[key] = factory
	return nil
}

// MustRegisterGate panics on a registration conflict, for use in init().
func MustRegisterGate(name, version string, factory GateFactory) {
	if err := RegisterGate(name, version, factory); err != nil {
		panic(err)
	}
}

// RegisterSink registers a sink factory.
func RegisterSink(name, version string, factory SinkFactory) error {
	mu.Lock()
	defer mu.Unlock()
	key := Key{Name: name, Version: version}
	if _, exists := sinks[key]; exists {
		return fmt.Errorf("registry: sink %s already registered", key)
	}
	sinks[key] = factory
	return nil
}

// MustRegisterSink panics on a registration conflict, for use in init().
func MustRegisterSink(name, version string, factory SinkFactory) {
	if err := RegisterSink(name, version, factory); err != nil {
		panic(err)
	}
}

// BuildSource constructs a source instance from its registered factory.
func BuildSource(name, version string, config map[string]interface{}) (plugin.Source, error) {
	mu.Lock()
	factory, ok := sources[Key{Name: name, Version: version}]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: no source registered for %s@%s", name, version)
	}
	return factory(config)
}

// BuildTransform constructs a transform instance from its registered
// factory. The config_expr_gate pseudo-plugin name never reaches here —
// condition gates are compiled by the orchestrator itself, and plugin
// gates are built through BuildGate.
func BuildTransform(name, version string, config map[string]interface{}) (plugin.Transform, error) {
	mu.Lock()
	factory, ok := transforms[Key{Name: name, Version: version}]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: no transform registered for %s@%s", name, version)
	}
	return factory(config)
}

// BuildGate constructs a gate instance from its registered factory.
func BuildGate(name, version string, config map[string]interface{}) (plugin.Gate, error) {
	mu.Lock()
	factory, ok := gates[Key{Name: name, Version: version}]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: no gate registered for %s@%s", name, version)
	}
	return factory(config)
}

// BuildSink constructs a sink instance from its registered factory.
func BuildSink(name, version string, config map[string]interface{}) (plugin.Sink, error) {
	mu.Lock()
	factory, ok := sinks[Key{Name: name, Version: version}]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: no sink registered for %s@%s", name, version)
	}
	return factory(config)
}

// DeterminismOf normalizes a declared determinism class string: a
// recognized class is returned unchanged, and anything else defaults to
// non_deterministic — the safest assumption for an unclassified external
// call.
func DeterminismOf(class string) contracts.Determinism {
	switch contracts.Determinism(class) {
	case contracts.DeterministicClass, contracts.SeededClass, contracts.IORead, contracts.IOWrite, contracts.ExternalCall, contracts.NonDeterministic:
		return contracts.Determinism(class)
	default:
		return contracts.NonDeterministic
	}
}
