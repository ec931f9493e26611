package shutdown

import (
	"context"
	"io"
)

// Component names used in shutdown logs.
const (
	DatabaseComponent = "database"
	APIComponent      = "api"
)

// funcComponent adapts a shutdown function.
type funcComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func (c funcComponent) Name() string                       { return c.name }
func (c funcComponent) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// Func returns a named component that calls fn on shutdown.
func Func(name string, fn func(ctx context.Context) error) Component {
	return funcComponent{name: name, fn: fn}
}

// Database returns the component that releases the metadata store. Register
// it before the API so open requests can still reach the store while the
// server drains.
func Database(st io.Closer) Component {
	return Func(DatabaseComponent, func(context.Context) error {
		return st.Close()
	})
}

// APIServer returns the component that stops the HTTP API. drain is usually
// the server's Shutdown method and must honor the context deadline.
func APIServer(drain func(ctx context.Context) error) Component {
	return Func(APIComponent, drain)
}
