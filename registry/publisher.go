package registry

import (
	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/logging"
)

// publisher fans events out to the handlers of one subscription. It is
// not safe for concurrent use; the owning meta serialises access.
type publisher[H comparable] struct {
	key      string
	log      *logging.Logger
	handlers []H
}

// add attaches h. Returns false if h is already attached.
func (p *publisher[H]) add(h H) bool {
	for _, x := range p.handlers {
		if x == h {
			return false
		}
	}
	p.handlers = append(p.handlers, h)
	return true
}

// remove detaches h. Returns false if h was not attached.
func (p *publisher[H]) remove(h H) bool {
	for i, x := range p.handlers {
		if x == h {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (p *publisher[H]) len() int {
	return len(p.handlers)
}

// broadcast delivers to every handler in attach order.
func (p *publisher[H]) broadcast(deliver func(H)) {
	for _, h := range p.handlers {
		p.deliver(h, deliver)
	}
}

// deliver calls one handler. A panicking handler is logged and skipped.
func (p *publisher[H]) deliver(h H, deliver func(H)) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("handler_panic", logging.Fields{
				"key":   p.key,
				"error": errors.RecoverPanic(rec),
			})
		}
	}()
	deliver(h)
}
