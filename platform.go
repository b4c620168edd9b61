package reactor

import (
	"log/slog"
	"sync"
)

type platformState struct {
	mu          sync.Mutex
	session     *Session
	initialized bool
}

var platform platformState

func (p *platformState) initialize(opts Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return ErrAlreadyInitialized
	}
	s, err := NewSession(opts)
	if err != nil {
		return err
	}
	p.session = s
	p.initialized = true
	slog.Debug("reactor: platform initialized", "triple", s.Triple(), "level", opts.OptLevel)
	return nil
}

func (p *platformState) dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ErrNotInitialized
	}
	p.session = nil
	return nil
}

func (p *platformState) current() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil, ErrNotInitialized
	}
	return p.session, nil
}

// InitializePlatform creates the process-wide session used by NewBuilder.
// It may be called once per process; later calls fail with
// ErrAlreadyInitialized, even after DisposePlatform.
func InitializePlatform(opts Options) error { return platform.initialize(opts) }

// DisposePlatform drops the process-wide session. Modules compiled earlier
// stay usable until closed.
func DisposePlatform() error { return platform.dispose() }

// Platform returns the process-wide session.
func Platform() (*Session, error) { return platform.current() }
