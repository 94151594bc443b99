package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safesite-data/sitewatch/internal/geom"
)

func testTime(frame int) time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(frame) * 33 * time.Millisecond)
}

func personAt(x float64) Detection {
	return Detection{
		BBox:       geom.FromXYXY(x, 100, x+60, 260),
		Confidence: 0.9,
		Class:      "person",
	}
}

// Scenario A: a person detected in frames 1-3 with NInit=3 is confirmed
// exactly at frame 3 as track 1.
func TestConfirmationAtNInit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 3
	tr := NewTracker(cfg)

	tr.Update(1, testTime(1), []Detection{personAt(100)})
	require.Len(t, tr.ActiveTracks(), 1)
	assert.Equal(t, StateTentative, tr.ActiveTracks()[0].State)

	tr.Update(2, testTime(2), []Detection{personAt(102)})
	assert.Equal(t, StateTentative, tr.ActiveTracks()[0].State)
	assert.Empty(t, tr.ConfirmedTracks())

	tr.Update(3, testTime(3), []Detection{personAt(104)})
	confirmed := tr.ConfirmedTracks()
	require.Len(t, confirmed, 1)
	assert.Equal(t, 1, confirmed[0].ID)
	assert.Equal(t, StateConfirmed, confirmed[0].State)
	assert.GreaterOrEqual(t, confirmed[0].Hits, cfg.NInit)
}

// Scenario B: a confirmed track with MaxAge=30 receiving no detections for
// 31 consecutive frames is deleted after frame 31, not frame 30.
func TestDeletionAfterMaxAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 1
	cfg.MaxAge = 30
	tr := NewTracker(cfg)

	tr.Update(1, testTime(1), []Detection{personAt(100)})
	require.Len(t, tr.ConfirmedTracks(), 1)

	// 30 missed frames: track must still be alive.
	frame := 1
	for i := 0; i < 30; i++ {
		frame++
		tr.Update(frame, testTime(frame), nil)
	}
	require.Len(t, tr.ActiveTracks(), 1, "track must survive exactly MaxAge missed frames")
	assert.LessOrEqual(t, tr.ActiveTracks()[0].TimeSinceUpdate, cfg.MaxAge)

	// The 31st miss deletes it.
	frame++
	tr.Update(frame, testTime(frame), nil)
	assert.Empty(t, tr.ActiveTracks())
}

func TestTentativeDiesOnFirstMiss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 3
	tr := NewTracker(cfg)

	tr.Update(1, testTime(1), []Detection{personAt(100)})
	require.Len(t, tr.ActiveTracks(), 1)

	tr.Update(2, testTime(2), nil)
	assert.Empty(t, tr.ActiveTracks(), "tentative track must die on any missed frame")
}

func TestTrackIDsStrictlyIncreasingNeverReused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 1
	cfg.MaxAge = 0
	tr := NewTracker(cfg)

	// Spawn, lose, and respawn a person several times; each rebirth must
	// take a fresh, larger ID.
	var ids []int
	frame := 0
	for round := 0; round < 3; round++ {
		frame++
		tr.Update(frame, testTime(frame), []Detection{personAt(100)})
		require.Len(t, tr.ActiveTracks(), 1)
		ids = append(ids, tr.ActiveTracks()[0].ID)

		// Two misses guarantee deletion at MaxAge=0.
		frame++
		tr.Update(frame, testTime(frame), nil)
		frame++
		tr.Update(frame, testTime(frame), nil)
		require.Empty(t, tr.ActiveTracks())
	}

	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "track IDs must be strictly increasing")
	}
	assert.Equal(t, 1, ids[0], "IDs start at 1")
}

func TestLowConfidenceDetectionDoesNotSpawn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 0.5
	tr := NewTracker(cfg)

	weak := personAt(100)
	weak.Confidence = 0.3
	tr.Update(1, testTime(1), []Detection{weak})
	assert.Empty(t, tr.ActiveTracks())
}

func TestTwoPeopleKeepSeparateIdentities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 1
	tr := NewTracker(cfg)

	for frame := 1; frame <= 10; frame++ {
		left := personAt(100 + float64(frame))
		right := personAt(500 - float64(frame))
		tr.Update(frame, testTime(frame), []Detection{left, right})
	}

	confirmed := tr.ConfirmedTracks()
	require.Len(t, confirmed, 2)
	assert.Equal(t, 1, confirmed[0].ID)
	assert.Equal(t, 2, confirmed[1].ID)

	// The track that started on the left stays on the left.
	leftBox := confirmed[0].BBox()
	rightBox := confirmed[1].BBox()
	assert.Less(t, leftBox.X, rightBox.X)
}

func TestEmptyFrameWithNoTracksIsNoop(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Update(1, testTime(1), nil)
	assert.Empty(t, tr.ActiveTracks())
}

func TestConfirmedHitsInvariant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 4
	tr := NewTracker(cfg)

	for frame := 1; frame <= 8; frame++ {
		tr.Update(frame, testTime(frame), []Detection{personAt(100 + float64(frame))})
		for _, c := range tr.ConfirmedTracks() {
			assert.GreaterOrEqual(t, c.Hits, cfg.NInit,
				"every confirmed track must carry at least NInit hits")
		}
	}
	require.Len(t, tr.ConfirmedTracks(), 1)
}

func TestReacquisitionKeepsIdentityWithinMaxAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 1
	cfg.MaxAge = 10
	tr := NewTracker(cfg)

	tr.Update(1, testTime(1), []Detection{personAt(100)})
	require.Len(t, tr.ConfirmedTracks(), 1)
	id := tr.ConfirmedTracks()[0].ID

	// Occluded for 5 frames, then reappears near the predicted position.
	frame := 1
	for i := 0; i < 5; i++ {
		frame++
		tr.Update(frame, testTime(frame), nil)
	}
	frame++
	tr.Update(frame, testTime(frame), []Detection{personAt(101)})

	confirmed := tr.ConfirmedTracks()
	require.Len(t, confirmed, 1)
	assert.Equal(t, id, confirmed[0].ID, "reappearing person keeps the same track ID")
	assert.Zero(t, confirmed[0].TimeSinceUpdate)
}

func TestGalleryFallbackWithoutEmbedder(t *testing.T) {
	// No features attached anywhere: matching must still work via IoU.
	cfg := DefaultConfig()
	cfg.NInit = 2
	tr := NewTracker(cfg)

	tr.Update(1, testTime(1), []Detection{personAt(100)})
	tr.Update(2, testTime(2), []Detection{personAt(103)})
	require.Len(t, tr.ConfirmedTracks(), 1)
}

func TestAppearanceFeatureCarriedIntoGallery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NInit = 1
	tr := NewTracker(cfg)

	det := personAt(100)
	det.Feature = []float32{1, 0, 0}
	tr.Update(1, testTime(1), []Detection{det})

	require.Len(t, tr.ActiveTracks(), 1)
	assert.Equal(t, 1, tr.ActiveTracks()[0].Gallery.Len())
}
