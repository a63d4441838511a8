package discovery

import (
	"context"

	"a2arunner/pkg/handler"
)

// Built-in type names.
const (
	TypeEcho       = "echo"
	TypeTimeTicker = "time_ticker"
	TypeAgent      = "agent"
)

func init() {
	RegisterType(HandlerType{
		Name:   TypeEcho,
		Params: []string{"delay"},
		New: func(_ context.Context, spec Spec) (any, error) {
			var opts handler.EchoOptions
			if err := spec.Decode(&opts); err != nil {
				return nil, err
			}
			return handler.NewEcho(opts), nil
		},
	})
	RegisterType(HandlerType{
		Name:   TypeTimeTicker,
		Params: []string{"ticks", "initial_delay", "interval"},
		New: func(_ context.Context, spec Spec) (any, error) {
			var opts handler.TickerOptions
			if err := spec.Decode(&opts); err != nil {
				return nil, err
			}
			return handler.NewTimeTicker(opts), nil
		},
	})
	// agent runs whatever the configured agent factory produced inside the
	// execution engine.
	RegisterType(HandlerType{
		Name:          TypeAgent,
		RequiresAgent: true,
		Resilient:     true,
		New: func(_ context.Context, spec Spec) (any, error) {
			return spec.Agent, nil
		},
	})
}
