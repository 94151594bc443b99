package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/safesite-data/sitewatch/internal/monitoring"
	"github.com/safesite-data/sitewatch/internal/violation"
)

// ErrUnknownSession is returned for operations on a session ID the manager
// does not hold.
var ErrUnknownSession = errors.New("unknown session")

// DefaultQueueDepth bounds the per-session inbound frame queue. A full
// queue drops frames instead of blocking the producer.
const DefaultQueueDepth = 8

type managed struct {
	sess    *Session
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.Mutex
	frames chan FrameInput
	closed bool
}

// Manager runs multiple isolated sessions concurrently. Each session is fed
// by its own goroutine and bounded queue, so one slow or cancelled session
// never stalls another and identities never cross session boundaries.
type Manager struct {
	cfg        Config
	queueDepth int

	mu       sync.Mutex
	sessions map[string]*managed
}

// NewManager creates a manager whose sessions start from cfg. A
// non-positive queueDepth uses DefaultQueueDepth.
func NewManager(cfg Config, queueDepth int) *Manager {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Manager{
		cfg:        cfg,
		queueDepth: queueDepth,
		sessions:   make(map[string]*managed),
	}
}

// Open starts a new session and returns its ID.
func (m *Manager) Open(ctx context.Context) string {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	mg := &managed{
		sess:   New(id, m.cfg),
		frames: make(chan FrameInput, m.queueDepth),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = mg
	m.mu.Unlock()

	go m.run(ctx, mg)
	monitoring.Logf("session %s opened", id)
	return id
}

// run drains the session's frame queue until the queue closes or the
// context is cancelled. Cancellation abandons queued frames; state
// committed by already-processed frames stays intact.
func (m *Manager) run(ctx context.Context, mg *managed) {
	defer close(mg.done)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-mg.frames:
			if !ok {
				return
			}
			if _, err := mg.sess.ProcessFrame(in); err != nil {
				// Out-of-order frames are already logged by the session;
				// anything else ends the feed.
				if !errors.Is(err, ErrFrameOutOfOrder) {
					monitoring.Logf("session %s: frame %d: %v", mg.sess.ID, in.Index, err)
					return
				}
			}
		}
	}
}

func (m *Manager) get(id string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return mg, nil
}

// Submit queues a frame for the session. When the queue is full the frame
// is dropped and counted, never blocking the caller.
func (m *Manager) Submit(id string, in FrameInput) error {
	mg, err := m.get(id)
	if err != nil {
		return err
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.closed {
		return ErrSessionClosed
	}
	select {
	case mg.frames <- in:
		return nil
	default:
		if n := mg.dropped.Add(1); n == 1 || n%100 == 0 {
			monitoring.Logf("session %s: dropped %d frames (queue full)", id, n)
		}
		return nil
	}
}

// DroppedFrames reports how many frames the session's queue has shed.
func (m *Manager) DroppedFrames(id string) (int64, error) {
	mg, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return mg.dropped.Load(), nil
}

// Session returns the live session for read accessors and review updates.
func (m *Manager) Session(id string) (*Session, error) {
	mg, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return mg.sess, nil
}

// End stops the session's feed, waits for queued frames to finish, and
// returns the final aggregates.
func (m *Manager) End(id string) ([]violation.IndividualAggregate, error) {
	mg, err := m.get(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	mg.mu.Lock()
	mg.closed = true
	close(mg.frames)
	mg.mu.Unlock()

	<-mg.done
	mg.cancel()
	monitoring.Logf("session %s ended", id)
	return mg.sess.Finalize()
}

// Cancel abandons the session immediately. Queued frames are discarded;
// aggregates from frames already processed are returned.
func (m *Manager) Cancel(id string) ([]violation.IndividualAggregate, error) {
	mg, err := m.get(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	mg.mu.Lock()
	mg.closed = true
	mg.mu.Unlock()

	mg.cancel()
	<-mg.done
	monitoring.Logf("session %s cancelled", id)
	return mg.sess.Finalize()
}
