package chat

import (
	"fmt"

	"github.com/golang/glog"
)

// Context 传给 handler 的运行时上下文
type Context struct {
	S *Server
}

type Handler interface {
	Event() string
	Handle(*Context, *Frame, *Conn) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Event()] = h }

func (d *Dispatcher) Dispatch(ctx *Context, f *Frame, conn *Conn) error {
	h, ok := d.handlers[f.Event]
	if !ok {
		glog.Infof("no handler for event=%s", f.Event)
		return fmt.Errorf("no handler for event=%s", f.Event)
	}
	return h.Handle(ctx, f, conn)
}
