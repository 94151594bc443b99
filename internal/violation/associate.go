// Package violation owns violation-to-individual association and the
// per-session aggregation of each individual's violation history.
package violation

import (
	"strings"
	"time"

	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/track"
)

// ReviewStatus is the external review system's verdict on a violation. It
// is owned by the review system; this package only mirrors transitions into
// aggregate counts.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewConfirmed ReviewStatus = "confirmed"
	ReviewRejected  ReviewStatus = "rejected"
)

// Event is one raised violation, associated to at most one confirmed track.
// TrackID 0 marks an orphaned violation (reported but unlinked).
type Event struct {
	ID         int64        `json:"id"`
	Type       string       `json:"type"`
	BBox       geom.BBox    `json:"bbox"`
	Confidence float64      `json:"confidence"`
	FrameIndex int          `json:"frame_index"`
	Timestamp  time.Time    `json:"timestamp"`
	TrackID    int          `json:"track_id,omitempty"`
	Status     ReviewStatus `json:"status"`
}

// suppressingEquipment maps each violation type to the worn-equipment
// classes that suppress it. Detection of any listed item on the same
// individual means the violation is skipped rather than recorded.
var suppressingEquipment = map[string][]string{
	"No Helmet":       {"helmet", "hard-hat"},
	"No Face Mask":    {"face-mask", "facemask", "mask"},
	"No Safety Boots": {"shoes", "boots"},
	"No Goggles":      {"glasses", "goggles", "safety-glasses", "eye protection"},
	"No Safety Vest":  {"safety-vest", "vest"},
	"No Gloves":       {"gloves"},
}

// EquipmentSuppresses reports whether a worn equipment class suppresses the
// given violation type. Matching is case-insensitive and tolerant of the
// detector's class-name variants (substring in either direction).
func EquipmentSuppresses(violationType, equipmentClass string) bool {
	worn := strings.ToLower(equipmentClass)
	for _, required := range suppressingEquipment[violationType] {
		if strings.Contains(worn, required) || strings.Contains(required, worn) {
			return true
		}
	}
	return false
}

// equipmentCenterTolerance is the pixel slack allowed when deciding whether
// an equipment detection belongs to a person's bounding box.
const equipmentCenterTolerance = 30

// Associator maps raised violations and worn-equipment detections to
// confirmed tracks.
type Associator struct {
	// IoUThreshold is the minimum overlap for a violation to be linked to
	// a track.
	IoUThreshold float64
}

// NewAssociator creates an associator with the given IoU threshold.
func NewAssociator(iouThreshold float64) *Associator {
	return &Associator{IoUThreshold: iouThreshold}
}

// AssociateEquipment attributes each worn-equipment detection to the track
// whose box contains the equipment center (within a small tolerance). An
// item is attributed to at most one track; when more than one box contains
// the center, the lowest track ID wins. Tracks must be confirmed and sorted
// by ascending ID, which is the tracker's natural order.
func (a *Associator) AssociateEquipment(tracks []*track.Track, equipment []track.Detection) map[int][]string {
	if len(tracks) == 0 || len(equipment) == 0 {
		return nil
	}
	out := make(map[int][]string)
	for _, eq := range equipment {
		cx, cy := eq.BBox.Center()
		for _, tr := range tracks {
			if tr.BBox().ContainsPoint(cx, cy, equipmentCenterTolerance) {
				out[tr.ID] = append(out[tr.ID], eq.Class)
				break
			}
		}
	}
	return out
}

// Associate resolves each violation detection of the frame against the
// confirmed tracks. The track with maximum IoU wins if that IoU meets the
// threshold; ties break deterministically toward the lowest track ID.
// Violations whose winning track is wearing the corresponding equipment are
// suppressed (dropped, not returned). Violations matching no track are
// returned with TrackID 0.
func (a *Associator) Associate(
	frameIndex int,
	ts time.Time,
	violations []track.Detection,
	tracks []*track.Track,
	isWearing func(trackID int, violationType string) bool,
) []Event {
	var events []Event
	for _, v := range violations {
		bestID := 0
		bestIoU := 0.0
		for _, tr := range tracks {
			iou := geom.IoU(v.BBox, tr.BBox())
			// Strict > keeps the lowest ID on ties: tracks arrive in
			// ascending ID order.
			if iou > bestIoU {
				bestIoU = iou
				bestID = tr.ID
			}
		}
		if bestID != 0 && bestIoU >= a.IoUThreshold {
			if isWearing != nil && isWearing(bestID, v.Class) {
				// Positive worn evidence suppresses the violation.
				continue
			}
			events = append(events, Event{
				Type:       v.Class,
				BBox:       v.BBox,
				Confidence: v.Confidence,
				FrameIndex: frameIndex,
				Timestamp:  ts,
				TrackID:    bestID,
				Status:     ReviewPending,
			})
			continue
		}
		events = append(events, Event{
			Type:       v.Class,
			BBox:       v.BBox,
			Confidence: v.Confidence,
			FrameIndex: frameIndex,
			Timestamp:  ts,
			Status:     ReviewPending,
		})
	}
	return events
}
