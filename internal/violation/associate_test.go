package violation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/track"
)

// confirmedTracksAt spins up a tracker that confirms on first sight and
// feeds it one detection per box, so track IDs follow box order.
func confirmedTracksAt(t *testing.T, boxes ...geom.BBox) []*track.Track {
	t.Helper()
	cfg := track.DefaultConfig()
	cfg.NInit = 1
	tk := track.NewTracker(cfg)
	dets := make([]track.Detection, len(boxes))
	for i, b := range boxes {
		dets[i] = track.Detection{BBox: b, Confidence: 0.9, Class: "person"}
	}
	tk.Update(1, time.Unix(0, 0), dets)
	tracks := tk.ConfirmedTracks()
	require.Len(t, tracks, len(boxes))
	return tracks
}

func TestAssociatePrefersHigherIoU(t *testing.T) {
	tracks := confirmedTracksAt(t,
		geom.BBox{X: 0, Y: 0, W: 100, H: 100},
		geom.BBox{X: 150, Y: 0, W: 100, H: 100},
	)

	// Overlaps track 1 far more than track 2; both tracks are candidates.
	v := track.Detection{BBox: geom.BBox{X: 40, Y: 0, W: 130, H: 100}, Confidence: 0.8, Class: "No Helmet"}
	a := NewAssociator(0.3)
	events := a.Associate(5, time.Unix(10, 0), []track.Detection{v}, tracks, nil)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].TrackID)
	assert.Equal(t, "No Helmet", events[0].Type)
	assert.Equal(t, 5, events[0].FrameIndex)
	assert.Equal(t, ReviewPending, events[0].Status)
}

func TestAssociateExactOverlap(t *testing.T) {
	box := geom.BBox{X: 10, Y: 20, W: 80, H: 160}
	tracks := confirmedTracksAt(t, box)

	a := NewAssociator(0.3)
	events := a.Associate(1, time.Unix(0, 0), []track.Detection{
		{BBox: box, Confidence: 0.9, Class: "No Safety Vest"},
	}, tracks, nil)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].TrackID)
}

func TestAssociateTieGoesToLowestID(t *testing.T) {
	box := geom.BBox{X: 0, Y: 0, W: 50, H: 100}
	tracks := confirmedTracksAt(t, box, box)

	a := NewAssociator(0.3)
	events := a.Associate(1, time.Unix(0, 0), []track.Detection{
		{BBox: box, Confidence: 0.9, Class: "No Gloves"},
	}, tracks, nil)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].TrackID)
}

func TestAssociateBelowThresholdIsOrphan(t *testing.T) {
	tracks := confirmedTracksAt(t, geom.BBox{X: 0, Y: 0, W: 100, H: 100})

	a := NewAssociator(0.3)
	events := a.Associate(1, time.Unix(0, 0), []track.Detection{
		{BBox: geom.BBox{X: 500, Y: 500, W: 40, H: 40}, Confidence: 0.9, Class: "No Helmet"},
	}, tracks, nil)

	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].TrackID, "unmatched violation should be orphaned, not dropped")
}

func TestAssociateSuppressedByWornEquipment(t *testing.T) {
	box := geom.BBox{X: 0, Y: 0, W: 100, H: 100}
	tracks := confirmedTracksAt(t, box)

	a := NewAssociator(0.3)
	events := a.Associate(1, time.Unix(0, 0), []track.Detection{
		{BBox: box, Confidence: 0.9, Class: "No Helmet"},
		{BBox: box, Confidence: 0.9, Class: "No Gloves"},
	}, tracks, func(trackID int, violationType string) bool {
		return violationType == "No Helmet"
	})

	// Helmet violation suppressed entirely, gloves survives.
	require.Len(t, events, 1)
	assert.Equal(t, "No Gloves", events[0].Type)
	assert.Equal(t, 1, events[0].TrackID)
}

func TestAssociateEquipmentCenterContainment(t *testing.T) {
	tracks := confirmedTracksAt(t,
		geom.BBox{X: 0, Y: 0, W: 100, H: 200},
		geom.BBox{X: 400, Y: 0, W: 100, H: 200},
	)
	a := NewAssociator(0.3)

	t.Run("center inside", func(t *testing.T) {
		worn := a.AssociateEquipment(tracks, []track.Detection{
			{BBox: geom.BBox{X: 30, Y: 10, W: 40, H: 30}, Class: "helmet"},
		})
		assert.Equal(t, map[int][]string{1: {"helmet"}}, worn)
	})

	t.Run("center just outside within tolerance", func(t *testing.T) {
		// Center at x = -20, inside the 30px tolerance band of track 1.
		worn := a.AssociateEquipment(tracks, []track.Detection{
			{BBox: geom.BBox{X: -40, Y: 10, W: 40, H: 30}, Class: "safety-vest"},
		})
		assert.Equal(t, map[int][]string{1: {"safety-vest"}}, worn)
	})

	t.Run("center far from every track", func(t *testing.T) {
		worn := a.AssociateEquipment(tracks, []track.Detection{
			{BBox: geom.BBox{X: 200, Y: 0, W: 40, H: 30}, Class: "helmet"},
		})
		assert.Empty(t, worn)
	})
}

func TestEquipmentSuppresses(t *testing.T) {
	cases := []struct {
		violation string
		equipment string
		want      bool
	}{
		{"No Helmet", "helmet", true},
		{"No Helmet", "Hard-Hat", true},
		{"No Helmet", "yellow hard-hat", true},
		{"No Helmet", "gloves", false},
		{"No Face Mask", "mask", true},
		{"No Safety Vest", "vest", true},
		{"No Goggles", "safety-glasses", true},
		{"No Safety Boots", "boots", true},
		{"No Gloves", "helmet", false},
		{"Unknown Violation", "helmet", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EquipmentSuppresses(tc.violation, tc.equipment),
			"%s vs %s", tc.violation, tc.equipment)
	}
}
