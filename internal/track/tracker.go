package track

import (
	"time"

	"github.com/safesite-data/sitewatch/internal/monitoring"
)

// maxIoUDistance is the matching threshold for the IoU mop-up pass that
// follows the appearance cascade (handles abrupt appearance change on
// recently seen and still-unconfirmed tracks).
const maxIoUDistance = 0.7

// Config holds the tracker parameters for one session. The zero value is
// not usable; start from DefaultConfig.
type Config struct {
	// MaxAge is the number of frames a confirmed track survives without a
	// matched detection.
	MaxAge int
	// NInit is the number of consecutive hits required to confirm a track.
	NInit int
	// ConfidenceThreshold gates which unmatched detections may spawn tracks.
	ConfidenceThreshold float64
	// MaxCosineDistance is the matching threshold for the appearance
	// cascade.
	MaxCosineDistance float64
	// GallerySize bounds each track's appearance gallery.
	GallerySize int
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:              30,
		NInit:               3,
		ConfidenceThreshold: 0.5,
		MaxCosineDistance:   0.2,
		GallerySize:         DefaultGallerySize,
	}
}

// Tracker manages multi-object tracking for a single session. It is not
// safe for concurrent use: a session processes frames strictly sequentially,
// so the caller provides the serialisation.
type Tracker struct {
	Config

	kf     *KalmanFilter
	tracks []*Track // creation order, i.e. ascending ID
	nextID int
}

// NewTracker creates a tracker with the specified configuration. Track IDs
// start at 1 and are never reused.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		Config: cfg,
		kf:     NewKalmanFilter(),
		nextID: 1,
	}
}

// match pairs the current tracks against the frame's detections. It runs a
// matching cascade over confirmed tracks grouped by TimeSinceUpdate
// ascending (most recently seen first), then an IoU-only pass over the
// remaining tentative tracks and tracks last matched in the immediately
// preceding frame.
type matchPair struct {
	track, det int
}

func (t *Tracker) match(dets []Detection) (matches []matchPair, unmatchedTracks, unmatchedDets []int) {
	var confirmed, unconfirmed []int
	for i, tr := range t.tracks {
		if tr.IsConfirmed() {
			confirmed = append(confirmed, i)
		} else {
			unconfirmed = append(unconfirmed, i)
		}
	}

	allDets := make([]int, len(dets))
	for i := range dets {
		allDets[i] = i
	}

	// Appearance cascade over confirmed tracks, most recently seen first.
	matches, cascadeUnmatched, unmatchedDets := t.matchingCascade(confirmed, allDets, dets)

	// IoU mop-up: unconfirmed tracks plus confirmed tracks that missed only
	// the cascade this frame (TimeSinceUpdate == 1).
	iouCandidates := append([]int{}, unconfirmed...)
	for _, ti := range cascadeUnmatched {
		if t.tracks[ti].TimeSinceUpdate == 1 {
			iouCandidates = append(iouCandidates, ti)
		} else {
			unmatchedTracks = append(unmatchedTracks, ti)
		}
	}

	iouMatches, iouUnmatched, unmatchedDets := t.minCostMatching(
		t.iouCost, maxIoUDistance, iouCandidates, unmatchedDets, dets)
	matches = append(matches, iouMatches...)
	unmatchedTracks = append(unmatchedTracks, iouUnmatched...)
	return matches, unmatchedTracks, unmatchedDets
}

// matchingCascade associates detections to tracks in ascending order of
// TimeSinceUpdate, so confidently tracked individuals win ambiguous
// detections over long-unseen ones.
func (t *Tracker) matchingCascade(trackIdx, detIdx []int, dets []Detection) (matches []matchPair, unmatchedTracks, unmatchedDets []int) {
	unmatchedDets = detIdx
	matched := make(map[int]bool, len(trackIdx))

	for depth := 1; depth <= t.MaxAge+1; depth++ {
		if len(unmatchedDets) == 0 {
			break
		}
		var level []int
		for _, ti := range trackIdx {
			if t.tracks[ti].TimeSinceUpdate == depth {
				level = append(level, ti)
			}
		}
		if len(level) == 0 {
			continue
		}
		levelMatches, _, remaining := t.minCostMatching(
			t.gatedAppearanceCost, t.MaxCosineDistance, level, unmatchedDets, dets)
		for _, m := range levelMatches {
			matched[m.track] = true
		}
		matches = append(matches, levelMatches...)
		unmatchedDets = remaining
	}

	for _, ti := range trackIdx {
		if !matched[ti] {
			unmatchedTracks = append(unmatchedTracks, ti)
		}
	}
	return matches, unmatchedTracks, unmatchedDets
}

// minCostMatching solves one Hungarian assignment restricted to feasible
// pairs with cost ≤ maxDistance.
func (t *Tracker) minCostMatching(
	costFn func(trackIdx, detIdx []int, dets []Detection) [][]float64,
	maxDistance float64,
	trackIdx, detIdx []int,
	dets []Detection,
) (matches []matchPair, unmatchedTracks, unmatchedDets []int) {
	if len(trackIdx) == 0 || len(detIdx) == 0 {
		return nil, trackIdx, detIdx
	}

	cost := costFn(trackIdx, detIdx, dets)
	for i := range cost {
		for j := range cost[i] {
			if cost[i][j] > maxDistance {
				cost[i][j] = costInfeasible
			}
		}
	}

	assign := hungarianAssign(cost)

	usedDets := make(map[int]bool, len(detIdx))
	for i, col := range assign {
		if col < 0 {
			unmatchedTracks = append(unmatchedTracks, trackIdx[i])
			continue
		}
		matches = append(matches, matchPair{track: trackIdx[i], det: detIdx[col]})
		usedDets[detIdx[col]] = true
	}
	for _, dj := range detIdx {
		if !usedDets[dj] {
			unmatchedDets = append(unmatchedDets, dj)
		}
	}
	return matches, unmatchedTracks, unmatchedDets
}

// Update processes one frame of detections. Every active track receives
// exactly one of predict+update (matched), predict+markMissed (unmatched);
// unmatched detections above the confidence threshold spawn new tentative
// tracks. Deleted tracks are removed from the active table.
func (t *Tracker) Update(frameIndex int, ts time.Time, dets []Detection) {
	// Step 1: predict all tracks to the current frame.
	for _, tr := range t.tracks {
		tr.predict(t.kf)
	}

	// Step 2: associate.
	matches, unmatchedTracks, unmatchedDets := t.match(dets)

	// Step 3: update matched tracks.
	for _, m := range matches {
		t.tracks[m.track].update(t.kf, frameIndex, ts, dets[m.det])
	}

	// Step 4: mark unmatched tracks missed.
	for _, ti := range unmatchedTracks {
		t.tracks[ti].markMissed(frameIndex)
	}

	// Step 5: spawn tentative tracks from unmatched detections.
	for _, di := range unmatchedDets {
		if dets[di].Confidence >= t.ConfidenceThreshold {
			t.initTrack(frameIndex, ts, dets[di])
		}
	}

	// Step 6: drop deleted tracks from the active table.
	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if !tr.IsDeleted() {
			kept = append(kept, tr)
		}
	}
	t.tracks = kept
}

// initTrack creates a new tentative track from an unmatched detection.
func (t *Tracker) initTrack(frameIndex int, ts time.Time, det Detection) *Track {
	tr := &Track{
		ID:             t.nextID,
		State:          StateTentative,
		Hits:           1,
		FirstSeenFrame: frameIndex,
		LastSeenFrame:  frameIndex,
		FirstSeenAt:    ts,
		LastSeenAt:     ts,
		Confidence:     det.Confidence,
		Gallery:        NewGallery(t.GallerySize),
		motion:         t.kf.Initiate(det.BBox),
		nInit:          t.NInit,
		maxAge:         t.MaxAge,
	}
	t.nextID++

	if det.Feature != nil {
		tr.Gallery.Add(det.Feature)
	}
	if tr.Hits >= tr.nInit {
		tr.State = StateConfirmed
	}

	t.tracks = append(t.tracks, tr)
	monitoring.Logf("track %d created at frame %d", tr.ID, frameIndex)
	return tr
}

// ActiveTracks returns all non-deleted tracks in creation order.
func (t *Tracker) ActiveTracks() []*Track {
	out := make([]*Track, len(t.tracks))
	copy(out, t.tracks)
	return out
}

// ConfirmedTracks returns only confirmed tracks in creation order. Only
// these participate in violation association and aggregation.
func (t *Tracker) ConfirmedTracks() []*Track {
	out := make([]*Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		if tr.IsConfirmed() {
			out = append(out, tr)
		}
	}
	return out
}

// TrackCount returns counts of active tracks by state.
func (t *Tracker) TrackCount() (total, tentative, confirmed int) {
	for _, tr := range t.tracks {
		total++
		switch tr.State {
		case StateTentative:
			tentative++
		case StateConfirmed:
			confirmed++
		}
	}
	return
}
