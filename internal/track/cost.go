package track

import "github.com/safesite-data/sitewatch/internal/geom"

// Cost matrix construction for track-to-detection assignment. All finite
// entries lie in [0, 1]; motion-infeasible pairs carry costInfeasible.

// gatedAppearanceCost builds the cascade cost matrix for the given track and
// detection subsets. Pairs beyond the chi-squared motion gate are forbidden.
// Feasible pairs cost the minimum cosine distance between the detection
// feature and the track gallery; tracks without a gallery (or detections
// without a feature) fall back to 1 − IoU.
func (t *Tracker) gatedAppearanceCost(trackIdx, detIdx []int, dets []Detection) [][]float64 {
	cost := make([][]float64, len(trackIdx))
	for i, ti := range trackIdx {
		tr := t.tracks[ti]
		cost[i] = make([]float64, len(detIdx))
		for j, dj := range detIdx {
			det := dets[dj]
			if t.kf.GatingDistance(&tr.motion, det.BBox) > chi2Inv95 {
				cost[i][j] = costInfeasible
				continue
			}
			if tr.Gallery.Len() > 0 && det.Feature != nil {
				cost[i][j] = tr.Gallery.MinCosineDistance(det.Feature)
			} else {
				cost[i][j] = 1 - geom.IoU(tr.BBox(), det.BBox)
			}
		}
	}
	return cost
}

// iouCost builds a plain 1 − IoU cost matrix for the mop-up pass.
func (t *Tracker) iouCost(trackIdx, detIdx []int, dets []Detection) [][]float64 {
	cost := make([][]float64, len(trackIdx))
	for i, ti := range trackIdx {
		box := t.tracks[ti].BBox()
		cost[i] = make([]float64, len(detIdx))
		for j, dj := range detIdx {
			cost[i][j] = 1 - geom.IoU(box, dets[dj].BBox)
		}
	}
	return cost
}
