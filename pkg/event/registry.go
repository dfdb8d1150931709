package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Matcher decides whether a leaf or derived metatype claims a given
// (matrixType, json) pair. Exact string and wildcard-prefix matching are
// built in via NewExactMatcher/NewPrefixMatcher; predicate-based matchers
// (isValid) can be constructed directly.
type Matcher func(matrixType string, raw json.RawMessage) bool

// NewExactMatcher matches a single literal Matrix type string.
func NewExactMatcher(matrixType string) Matcher {
	return func(t string, _ json.RawMessage) bool { return t == matrixType }
}

// NewPrefixMatcher matches a wildcard prefix such as "m.call.*".
func NewPrefixMatcher(prefix string) Matcher {
	trimmed := strings.TrimSuffix(prefix, "*")
	return func(t string, _ json.RawMessage) bool { return strings.HasPrefix(t, trimmed) }
}

// Constructor builds a typed event value from its raw JSON. It returns the
// constructed value (any concrete struct embedding Event) and an error if
// the JSON failed to parse into the expected shape.
type Constructor func(raw json.RawMessage) (any, error)

type metatype struct {
	name        string
	match       Matcher
	construct   Constructor
	derived     []*metatype
}

// Registry is the event metatype tree: base metatypes (Event, RoomEvent,
// StateEvent, CallEvent, KeyVerificationEvent, ...) each holding a list of
// derived metatypes matched most-specific first.
type Registry struct {
	mu    sync.Mutex
	bases map[string]*metatype
}

// NewRegistry returns an empty registry. Use RegisterBase to declare the
// abstract classes, then RegisterLeaf to attach concrete event types.
func NewRegistry() *Registry {
	return &Registry{bases: make(map[string]*metatype)}
}

// ErrDuplicateRegistration is returned when a base name that already has a
// generic fallback is registered again.
var ErrDuplicateRegistration = errors.New("event: duplicate metatype registration")

// RegisterBase declares a base metatype (e.g. "Event", "RoomEvent",
// "CallEvent") with a fallback construct used when no derived metatype
// claims a well-formed payload, so unknown types still round-trip.
func (r *Registry) RegisterBase(name string, fallback Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bases[name]; ok {
		if existing.construct != nil {
			return fmt.Errorf("%w: base %q", ErrDuplicateRegistration, name)
		}
		existing.construct = fallback
		return nil
	}
	r.bases[name] = &metatype{name: name, construct: fallback}
	return nil
}

// RegisterLeaf attaches a concrete event type to a base metatype. Leaves
// registered earlier are matched first (most-specific-first is the
// caller's responsibility: register more specific leaves before general
// ones sharing a base).
func (r *Registry) RegisterLeaf(base, name string, match Matcher, construct Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bases[base]
	if !ok {
		b = &metatype{name: base}
		r.bases[base] = b
	}
	for _, d := range b.derived {
		if d.name == name {
			// A leaf name already registered keeps its first entry: the
			// new matcher and constructor are ignored and no error is
			// returned.
			return nil
		}
	}
	b.derived = append(b.derived, &metatype{name: name, match: match, construct: construct})
	return nil
}

// Loaded tags a constructed event with the metatype name it was loaded
// through, so callers can branch with Is(v, "RoomMessageEvent") without a
// type switch over every leaf.
type Loaded struct {
	Name  string
	Value any
}

// Load walks base's derived metatypes looking for the most-specific match;
// when none matches, it falls back to a generic instance built by base's
// fallback constructor, if base has one, preserving the original JSON for
// unknown types.
func (r *Registry) Load(base string, matrixType string, raw json.RawMessage) (*Loaded, error) {
	r.mu.Lock()
	b, ok := r.bases[base]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("event: unknown base metatype %q", base)
	}

	for _, d := range b.derived {
		if d.match == nil || !d.match(matrixType, raw) {
			continue
		}
		v, err := d.construct(raw)
		if err != nil {
			return nil, err
		}
		return &Loaded{Name: d.name, Value: v}, nil
	}

	if b.construct != nil {
		v, err := b.construct(raw)
		if err != nil {
			return nil, err
		}
		return &Loaded{Name: base, Value: v}, nil
	}
	return nil, fmt.Errorf("event: no metatype in base %q accepted type %q", base, matrixType)
}

// Is reports whether l was loaded through the named leaf or base metatype.
func Is(l *Loaded, name string) bool {
	return l != nil && l.Name == name
}
