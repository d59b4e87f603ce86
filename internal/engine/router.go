package engine

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/ocpp"
)

// HandlerFunc processes one incoming request payload. Handlers are
// synchronous and must not block; anything slow is acknowledged immediately
// and completed on a later tick.
type HandlerFunc func(payload json.RawMessage) (interface{}, *ocpp.Error)

// Router maps incoming actions to registered handlers and turns their
// outcome into a result or error payload.
type Router struct {
	handlers map[string]HandlerFunc
	log      *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		log:      log,
	}
}

// Register associates an action with a handler. Registration happens at
// construction time only; a duplicate action is a wiring bug.
func (r *Router) Register(action string, h HandlerFunc) error {
	if _, dup := r.handlers[action]; dup {
		return fmt.Errorf("engine: handler for %s already registered", action)
	}
	r.handlers[action] = h
	return nil
}

// Handle looks up and runs the handler. An unknown action yields a
// NotSupported error; a handler result that cannot be serialized yields an
// InternalError. Neither crashes the engine.
func (r *Router) Handle(action string, payload json.RawMessage) (json.RawMessage, *ocpp.Error) {
	h, ok := r.handlers[action]
	if !ok {
		r.log.Warn("Unsupported action requested", zap.String("action", action))
		return nil, ocpp.NewError(ocpp.ErrNotSupported, "action %s is not supported", action)
	}

	result, herr := h(payload)
	if herr != nil {
		return nil, herr
	}

	data, err := json.Marshal(result)
	if err != nil {
		r.log.Error("Handler result not serializable",
			zap.String("action", action),
			zap.Error(err),
		)
		return nil, ocpp.NewError(ocpp.ErrInternalError, "result serialization failed")
	}
	return data, nil
}
