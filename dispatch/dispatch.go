package dispatch

import (
	"sync"

	"github.com/adwski/headtag/model"
	"github.com/rs/zerolog"
)

// Wildcard subscribes a handler to every event kind.
const Wildcard = "*"

type Handler func(ev model.Event)

// Dispatcher routes inbound events by their type to registered
// handlers. For one event, handlers for its kind run first, then
// wildcard handlers, each group in registration order. A panicking
// handler never prevents the remaining ones from running.
type Dispatcher struct {
	logger   zerolog.Logger
	mx       *sync.Mutex
	handlers map[string][]*registration
}

type registration struct {
	fn Handler
}

func NewDispatcher(logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With().Str("component", "dispatch").Logger(),
		mx:       &sync.Mutex{},
		handlers: make(map[string][]*registration),
	}
}

// On registers handler for the given event kind. The same handler may
// be registered more than once; it will run once per registration.
func (d *Dispatcher) On(kind string, handler Handler) *Subscription {
	reg := &registration{fn: handler}
	d.mx.Lock()
	d.handlers[kind] = append(d.handlers[kind], reg)
	d.mx.Unlock()
	return &Subscription{d: d, kind: kind, reg: reg}
}

// Off drops every registration of the given kind.
func (d *Dispatcher) Off(kind string) {
	d.mx.Lock()
	delete(d.handlers, kind)
	d.mx.Unlock()
}

// Reset drops all registrations.
func (d *Dispatcher) Reset() {
	d.mx.Lock()
	d.handlers = make(map[string][]*registration)
	d.mx.Unlock()
}

// Emit delivers ev to kind handlers and then to wildcard handlers.
func (d *Dispatcher) Emit(ev model.Event) {
	d.mx.Lock()
	regs := make([]*registration, 0, len(d.handlers[ev.Type])+len(d.handlers[Wildcard]))
	regs = append(regs, d.handlers[ev.Type]...)
	if ev.Type != Wildcard {
		regs = append(regs, d.handlers[Wildcard]...)
	}
	d.mx.Unlock()

	for _, reg := range regs {
		d.invoke(reg, ev)
	}
}

func (d *Dispatcher) invoke(reg *registration, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("type", ev.Type).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	reg.fn(ev)
}

// Subscription allows removing one handler registration.
type Subscription struct {
	d    *Dispatcher
	kind string
	reg  *registration
}

// Cancel removes the registration. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.d.mx.Lock()
	defer s.d.mx.Unlock()

	regs := s.d.handlers[s.kind]
	for i, reg := range regs {
		if reg == s.reg {
			s.d.handlers[s.kind] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
}
