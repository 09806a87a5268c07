package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/eddyslarez/sip-library-sub001/sip"
)

// Manager keeps one logical signaling connection alive: it dials, feeds
// inbound frames to the frame handler and reconnects with exponential
// backoff when the connection drops. It implements [sip.Sender].
type Manager struct {
	opts    *Options
	onFrame FrameHandler
	onState StateHandler
	log     *slog.Logger

	mu   sync.RWMutex
	sess *session

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager creates a transport manager. Both handlers are required:
// onFrame receives every inbound SIP frame, onState every connection
// state change.
func NewManager(opts *Options, onFrame FrameHandler, onState StateHandler) (*Manager, error) {
	if opts.url() == "" {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("transport URL required"))
	}
	if onFrame == nil || onState == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("frame and state handlers required"))
	}
	return &Manager{
		opts:    opts,
		onFrame: onFrame,
		onState: onState,
		log:     opts.log(),
		closed:  make(chan struct{}),
	}, nil
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// [Manager.Close] is called. Backoff doubles after every failed cycle up
// to the configured ceiling and resets after a successful connect.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.opts.initialBackoff()
	for {
		m.onState(StateConnecting, nil)

		sess, err := dialSession(ctx, m.opts)
		if err == nil {
			m.setSession(sess)
			m.onState(StateUp, nil)
			backoff = m.opts.initialBackoff()

			err = sess.run(ctx, m.onFrame)
			m.setSession(nil)
			sess.close() //nolint:errcheck
		}

		m.log.LogAttrs(ctx, slog.LevelWarn, "transport down",
			slog.String("url", m.opts.url()), slog.Any("error", err), slog.Duration("backoff", backoff))
		m.onState(StateDown, err)

		select {
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		case <-m.closed:
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if ceil := m.opts.maxBackoff(); backoff > ceil {
			backoff = ceil
		}
	}
}

// setSession installs the live session. A session that arrives after
// Close is shut down on the spot so its read loop ends.
func (m *Manager) setSession(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		if s != nil {
			s.close() //nolint:errcheck
		}
		m.sess = nil
	default:
		m.sess = s
	}
}

// Send transmits one serialized SIP message as a single text frame.
// It fails with [sip.ErrTransportDown] when no connection is live.
func (m *Manager) Send(_ context.Context, data []byte) error {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil {
		return errtrace.Wrap(sip.ErrTransportDown)
	}
	return errtrace.Wrap(sess.send(data))
}

// Connected reports whether a connection is currently live.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess != nil
}

// Close stops the run loop and closes any live connection.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		if m.sess != nil {
			err = m.sess.close()
			m.sess = nil
		}
		m.mu.Unlock()
	})
	return errtrace.Wrap(err)
}
