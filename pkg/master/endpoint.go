package master

import "sync/atomic"

// Endpoint holds the server of the epoch this node currently masters, if any.
// Remote lock requests are answered by whatever server is bound here; a node
// that is not master has nothing bound and never forwards.
type Endpoint struct {
	current atomic.Pointer[Server]
}

// Bind publishes s as the serving master.
func (e *Endpoint) Bind(s *Server) {
	e.current.Store(s)
}

// Unbind removes s if it is still the bound server.
func (e *Endpoint) Unbind(s *Server) bool {
	return e.current.CompareAndSwap(s, nil)
}

// Current returns the bound server.
func (e *Endpoint) Current() (*Server, bool) {
	s := e.current.Load()
	return s, s != nil
}
