package cs

import "camserver/video/source"

// Closer is implemented by every wrapper in this package.
type Closer interface {
	Close()
}

// Scope releases everything added to it, in reverse order, when closed.
//
//	var sc cs.Scope
//	defer sc.Close()
//	src := cs.Keep(&sc, cs.NewCvSource(nil, "cam", mode))
type Scope struct {
	closers []func()
}

// Add registers c to be closed with the scope.
func (s *Scope) Add(c Closer) {
	s.closers = append(s.closers, c.Close)
}

// Frame registers f to be released with the scope and returns it.
func (s *Scope) Frame(f *source.Frame) *source.Frame {
	s.closers = append(s.closers, f.Release)
	return f
}

// Close releases in reverse order of registration. It may be called more
// than once.
func (s *Scope) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Keep adds v to s and returns it.
func Keep[T Closer](s *Scope, v T) T {
	s.Add(v)
	return v
}
