// Package wire defines the typed message layer each queue is built on: a
// protocol (a mapping from verb to an argument schema) that the transport
// validates every send and receive against.
package wire

import (
	"fmt"
	"reflect"
)

// Protocol maps a verb name to the Go type its arguments decode into. Pass
// a zero-value instance of the argument type (e.g. HelloArgs{}) when
// registering; Validate only inspects the type, never the instance.
type Protocol map[string]reflect.Type

// NewProtocol builds a Protocol from verb -> zero-value-argument pairs,
// e.g. NewProtocol("HELLO", HelloArgs{}, "BYE", nil).
func NewProtocol(pairs ...interface{}) Protocol {
	if len(pairs)%2 != 0 {
		panic("wire: NewProtocol requires an even number of arguments")
	}
	p := make(Protocol, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		verb := pairs[i].(string)
		if pairs[i+1] == nil {
			p[verb] = nil
			continue
		}
		p[verb] = reflect.TypeOf(pairs[i+1])
	}
	return p
}

// Reverse returns p unchanged. A Protocol describes one direction only, so a
// channel opened in the reverse direction is expressed by passing the peer's
// send protocol as this end's receive protocol (see transport.NewRepServer),
// not by transforming p.
func (p Protocol) Reverse() Protocol { return p }

// ArgsType returns the argument type registered for verb, and ok=false if
// the verb isn't part of the protocol at all — any verb that arrives
// outside the expected set is a protocol error, causing the driver to emit
// DIE and evict the builder.
func (p Protocol) ArgsType(verb string) (reflect.Type, bool) {
	t, ok := p[verb]
	return t, ok
}

// NewArgs allocates a zero value of the verb's registered argument type.
// Returns nil, nil for verbs with no arguments.
func (p Protocol) NewArgs(verb string) (interface{}, error) {
	t, ok := p.ArgsType(verb)
	if !ok {
		return nil, fmt.Errorf("wire: verb %q is not part of this protocol", verb)
	}
	if t == nil {
		return nil, nil
	}
	return reflect.New(t).Interface(), nil
}
