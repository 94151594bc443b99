package track

import (
	"time"

	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/monitoring"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	StateTentative TrackState = "tentative" // New track, needs confirmation
	StateConfirmed TrackState = "confirmed" // Stable track with sufficient history
	StateDeleted   TrackState = "deleted"   // Track marked for removal
)

// Detection is one detector output for a single frame: a bounding box with
// a confidence score and class label, optionally carrying an appearance
// feature from the embedder. Detections are ephemeral and consumed once.
type Detection struct {
	BBox       geom.BBox `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Class      string    `json:"class"`
	Feature    []float32 `json:"feature,omitempty"`
}

// Track is one continuously followed individual within a session. IDs are
// session-scoped, positive, strictly increasing and never reused.
type Track struct {
	ID    int
	State TrackState

	// Hits counts consecutive successful updates; TimeSinceUpdate counts
	// frames since the last match.
	Hits            int
	TimeSinceUpdate int

	FirstSeenFrame int
	LastSeenFrame  int
	FirstSeenAt    time.Time
	LastSeenAt     time.Time

	Confidence float64
	Gallery    *Gallery

	motion MotionState
	nInit  int
	maxAge int
}

// BBox returns the track's current bounding box estimate.
func (tr *Track) BBox() geom.BBox {
	return geom.FromXYAH(
		tr.motion.Mean.AtVec(0),
		tr.motion.Mean.AtVec(1),
		tr.motion.Mean.AtVec(2),
		tr.motion.Mean.AtVec(3),
	)
}

// Motion exposes the Kalman state for gating computations.
func (tr *Track) Motion() *MotionState {
	return &tr.motion
}

func (tr *Track) IsTentative() bool { return tr.State == StateTentative }
func (tr *Track) IsConfirmed() bool { return tr.State == StateConfirmed }
func (tr *Track) IsDeleted() bool   { return tr.State == StateDeleted }

// predict advances the motion state by one frame.
func (tr *Track) predict(kf *KalmanFilter) {
	kf.Predict(&tr.motion)
	tr.TimeSinceUpdate++
}

// update corrects the motion state with a matched detection and advances
// the lifecycle counters.
func (tr *Track) update(kf *KalmanFilter, frameIndex int, ts time.Time, det Detection) {
	kf.Update(&tr.motion, det.BBox)

	if det.Feature != nil {
		tr.Gallery.Add(det.Feature)
	}

	tr.Hits++
	tr.TimeSinceUpdate = 0
	tr.Confidence = det.Confidence
	tr.LastSeenFrame = frameIndex
	tr.LastSeenAt = ts

	if tr.State == StateTentative && tr.Hits >= tr.nInit {
		tr.State = StateConfirmed
		monitoring.Logf("track %d confirmed at frame %d", tr.ID, frameIndex)
	}
}

// markMissed handles a frame without a matched detection. Tentative tracks
// die immediately; confirmed tracks survive until TimeSinceUpdate exceeds
// the configured max age.
func (tr *Track) markMissed(frameIndex int) {
	if tr.State == StateTentative {
		tr.State = StateDeleted
		monitoring.Logf("track %d deleted while tentative at frame %d", tr.ID, frameIndex)
		return
	}
	if tr.TimeSinceUpdate > tr.maxAge {
		tr.State = StateDeleted
		monitoring.Logf("track %d deleted after %d missed frames", tr.ID, tr.TimeSinceUpdate)
	}
}
