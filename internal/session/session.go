// Package session orchestrates the per-frame tracking pipeline for one
// video or live stream. All identities are scoped to a single Session and
// discarded when it ends; sessions never share track state.
package session

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/safesite-data/sitewatch/internal/embed"
	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/monitoring"
	"github.com/safesite-data/sitewatch/internal/track"
	"github.com/safesite-data/sitewatch/internal/violation"
)

var (
	// ErrFrameOutOfOrder marks a frame whose index or timestamp regressed.
	// The session stays usable; the frame is rejected, not reordered.
	ErrFrameOutOfOrder = errors.New("frame out of order")
	// ErrSessionClosed is returned once a session has been finalized.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionFailed is returned for frames arriving after Fail.
	ErrSessionFailed = errors.New("session failed")
)

// Config is the immutable per-session tuning surface.
type Config struct {
	MaxAge                  int
	NInit                   int
	FrameSkip               int
	ConfidenceThreshold     float64
	IoUThreshold            float64
	MaxCosineDistance       float64
	GallerySize             int
	RepeatOffenderThreshold int
	// Scorer overrides the default risk formula when non-nil.
	Scorer violation.RiskScorer
	// Embedder supplies appearance features for person crops when frames
	// carry image data. Nil means IoU-only matching.
	Embedder embed.Embedder
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:                  30,
		NInit:                   3,
		FrameSkip:               2,
		ConfidenceThreshold:     0.5,
		IoUThreshold:            0.3,
		MaxCosineDistance:       0.2,
		GallerySize:             track.DefaultGallerySize,
		RepeatOffenderThreshold: violation.DefaultRepeatOffenderThreshold,
	}
}

// FrameInput carries one frame's detector output, already split by class.
type FrameInput struct {
	Index      int               `json:"frame_index"`
	Timestamp  time.Time         `json:"timestamp"`
	Persons    []track.Detection `json:"persons"`
	Violations []track.Detection `json:"violations"`
	Equipment  []track.Detection `json:"equipment"`
	// FrameImage optionally carries the encoded frame so person crops can
	// be embedded here. Producers that supply features directly omit it.
	FrameImage []byte `json:"frame_image,omitempty"`
}

// TrackSnapshot is the per-frame view of one active track, for annotation
// and the live API.
type TrackSnapshot struct {
	TrackID int              `json:"track_id"`
	BBox    geom.BBox        `json:"bbox"`
	State   track.TrackState `json:"state"`
}

// FrameOutput is the result of one processed frame.
type FrameOutput struct {
	Index      int               `json:"frame_index"`
	Skipped    bool              `json:"skipped"`
	Tracks     []TrackSnapshot   `json:"tracks"`
	Violations []violation.Event `json:"violations"`
}

// Session drives the tracking pipeline frame by frame. Frames must be
// processed strictly sequentially; the mutex only exists so review updates
// and read accessors may arrive from other goroutines.
type Session struct {
	ID  string
	cfg Config

	mu        sync.Mutex
	tracker   *track.Tracker
	assoc     *violation.Associator
	agg       *violation.Aggregator
	lastIndex int
	lastTS    time.Time
	started   bool
	failed    bool
	failMsg   string
	finalized bool
}

// New creates a session with the given identifier.
func New(id string, cfg Config) *Session {
	if cfg.FrameSkip < 1 {
		cfg.FrameSkip = 1
	}
	return &Session{
		ID:  id,
		cfg: cfg,
		tracker: track.NewTracker(track.Config{
			MaxAge:              cfg.MaxAge,
			NInit:               cfg.NInit,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			MaxCosineDistance:   cfg.MaxCosineDistance,
			GallerySize:         cfg.GallerySize,
		}),
		assoc: violation.NewAssociator(cfg.IoUThreshold),
		agg:   violation.NewAggregator(cfg.Scorer, cfg.RepeatOffenderThreshold),
	}
}

// validDetections drops malformed or non-finite boxes before they can reach
// the motion model.
func validDetections(dets []track.Detection) []track.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.BBox.Valid() {
			out = append(out, d)
		}
	}
	return out
}

// ProcessFrame runs the full pipeline for one frame: predict, match, update
// lifecycle, associate violations, aggregate. Frames whose index or
// timestamp regress are rejected with ErrFrameOutOfOrder and the session
// continues from its last valid state. Frames not on the FrameSkip stride
// are acknowledged but not processed.
func (s *Session) ProcessFrame(in FrameInput) (FrameOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return FrameOutput{}, ErrSessionClosed
	}
	if s.failed {
		return FrameOutput{}, ErrSessionFailed
	}
	if s.started && (in.Index <= s.lastIndex || in.Timestamp.Before(s.lastTS)) {
		monitoring.Logf("session %s: rejecting out-of-order frame %d (last %d)",
			s.ID, in.Index, s.lastIndex)
		return FrameOutput{}, ErrFrameOutOfOrder
	}
	s.started = true
	s.lastIndex = in.Index
	s.lastTS = in.Timestamp

	if in.Index%s.cfg.FrameSkip != 0 {
		return FrameOutput{Index: in.Index, Skipped: true}, nil
	}

	s.tracker.Update(in.Index, in.Timestamp, s.attachFeatures(in, validDetections(in.Persons)))

	confirmed := s.tracker.ConfirmedTracks()
	// Walk the confirmed tracks rather than the attribution map: equipment
	// can be a profile's first touch, so the visit order here fixes the
	// aggregate order and must not depend on map iteration.
	worn := s.assoc.AssociateEquipment(confirmed, validDetections(in.Equipment))
	for _, tr := range confirmed {
		for _, class := range worn[tr.ID] {
			s.agg.RecordEquipment(tr.ID, in.Index, in.Timestamp, class)
		}
	}

	raised := s.assoc.Associate(in.Index, in.Timestamp,
		validDetections(in.Violations), confirmed, s.agg.IsWearing)
	var events []violation.Event
	for _, ev := range raised {
		if recorded, ok := s.agg.Record(ev); ok {
			events = append(events, recorded)
		}
	}

	for _, tr := range confirmed {
		s.agg.ObserveTrack(tr.ID, in.Index, in.Timestamp)
	}

	return FrameOutput{
		Index:      in.Index,
		Tracks:     s.snapshotLocked(),
		Violations: events,
	}, nil
}

// attachFeatures fills in appearance vectors for person detections that lack
// one, when an embedder is configured and the frame carries image data. Any
// failure degrades the affected detections to IoU-only matching.
func (s *Session) attachFeatures(in FrameInput, persons []track.Detection) []track.Detection {
	if s.cfg.Embedder == nil || len(in.FrameImage) == 0 {
		return persons
	}
	frame, err := imaging.Decode(bytes.NewReader(in.FrameImage))
	if err != nil {
		monitoring.Logf("session %s: frame %d: decode frame image: %v", s.ID, in.Index, err)
		return persons
	}
	for i := range persons {
		if len(persons[i].Feature) > 0 {
			continue
		}
		crop := embed.CropDetection(frame, persons[i].BBox)
		if crop == nil {
			continue
		}
		feature, err := s.cfg.Embedder.Embed(crop)
		if err != nil {
			monitoring.Logf("session %s: frame %d: embed person crop: %v", s.ID, in.Index, err)
			continue
		}
		persons[i].Feature = feature
	}
	return persons
}

func (s *Session) snapshotLocked() []TrackSnapshot {
	active := s.tracker.ActiveTracks()
	out := make([]TrackSnapshot, 0, len(active))
	for _, tr := range active {
		out = append(out, TrackSnapshot{TrackID: tr.ID, BBox: tr.BBox(), State: tr.State})
	}
	return out
}

// Tracks returns the current active track snapshots.
func (s *Session) Tracks() []TrackSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Fail marks the session failed with a message. Aggregates computed up to
// the last successful frame are preserved.
func (s *Session) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed || s.finalized {
		return
	}
	s.failed = true
	s.failMsg = msg
	monitoring.Logf("session %s failed: %s", s.ID, msg)
}

// Failed reports whether the session failed, and the failure message.
func (s *Session) Failed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed, s.failMsg
}

// Finalize closes the session and returns the final per-individual
// aggregates exactly once. It works on failed sessions too, since partial
// results are never discarded.
func (s *Session) Finalize() ([]violation.IndividualAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil, ErrSessionClosed
	}
	s.finalized = true
	return s.agg.Aggregates(), nil
}

// ApplyReview mirrors an external review decision into the aggregates. It
// never touches tracking state and is safe alongside frame processing.
func (s *Session) ApplyReview(eventID int64, status violation.ReviewStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.ApplyReview(eventID, status)
}

// Aggregates returns the current per-individual aggregates without closing
// the session.
func (s *Session) Aggregates() []violation.IndividualAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Aggregates()
}

// Events returns the session violation timeline so far.
func (s *Session) Events() []violation.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Events()
}

// Summary returns the session-wide violation summary.
func (s *Session) Summary() violation.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Summarize()
}
