package violation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultRepeatOffenderThreshold is the violation count at which an
// individual is flagged as a repeat offender.
const DefaultRepeatOffenderThreshold = 2

// RiskScorer computes a risk score from an individual's recorded violation
// count and violation frequency (violations per tracked minute). Scores
// must be monotonic non-decreasing in count and bounded to [0, 1].
type RiskScorer func(violationCount int, perMinute float64) float64

// DefaultRiskScore weights violation count against frequency: count
// saturates at 10 violations, frequency at 5 per minute.
func DefaultRiskScore(violationCount int, perMinute float64) float64 {
	if violationCount == 0 {
		return 0
	}
	countScore := float64(violationCount) / 10
	if countScore > 1 {
		countScore = 1
	}
	freqScore := perMinute / 5
	if freqScore > 1 {
		freqScore = 1
	}
	score := countScore*0.6 + freqScore*0.4
	if score > 1 {
		score = 1
	}
	return score
}

// IndividualAggregate is the per-track violation profile handed to the
// persistence layer at session end.
type IndividualAggregate struct {
	TrackID             int            `json:"track_id"`
	TotalViolations     int            `json:"total_violations"`
	ViolationsByType    map[string]int `json:"violations_by_type"`
	FirstSeenFrame      int            `json:"first_seen_frame"`
	LastSeenFrame       int            `json:"last_seen_frame"`
	FirstSeenAt         time.Time      `json:"first_seen_at"`
	LastSeenAt          time.Time      `json:"last_seen_at"`
	FramesTracked       int            `json:"frames_tracked"`
	ConfirmedViolations int            `json:"confirmed_violations"`
	RejectedViolations  int            `json:"rejected_violations"`
	PendingViolations   int            `json:"pending_violations"`
	ViolationsPerMinute float64        `json:"violations_per_minute"`
	RiskScore           float64        `json:"risk_score"`
	IsRepeatOffender    bool           `json:"is_repeat_offender"`
	WornEquipment       []string       `json:"worn_equipment"`
}

// Summary aggregates across all individuals of a session.
type Summary struct {
	TotalIndividuals     int            `json:"total_individuals"`
	TotalViolations      int            `json:"total_violations"`
	ViolationsByType     map[string]int `json:"violations_by_type"`
	RepeatOffenders      int            `json:"repeat_offenders"`
	AveragePerIndividual float64        `json:"average_violations_per_individual"`
	OrphanedViolations   int            `json:"orphaned_violations"`
}

type profile struct {
	trackID        int
	firstSeenFrame int
	lastSeenFrame  int
	firstSeenAt    time.Time
	lastSeenAt     time.Time
	framesTracked  int

	byType    map[string]int
	total     int
	confirmed int
	rejected  int

	worn          map[string]struct{}
	recordedTypes map[string]bool
}

// Aggregator maintains per-track violation statistics, worn-equipment sets,
// risk scoring and the session violation timeline. Review updates arrive
// asynchronously from the external admin system and only touch counts,
// never tracking state.
type Aggregator struct {
	scorer          RiskScorer
	repeatThreshold int

	profiles map[int]*profile
	order    []int // track IDs in first-seen order

	events      []Event
	eventIdx    map[int64]int
	nextEventID int64
}

// NewAggregator creates an aggregator. A nil scorer uses DefaultRiskScore;
// a non-positive threshold uses DefaultRepeatOffenderThreshold.
func NewAggregator(scorer RiskScorer, repeatThreshold int) *Aggregator {
	if scorer == nil {
		scorer = DefaultRiskScore
	}
	if repeatThreshold <= 0 {
		repeatThreshold = DefaultRepeatOffenderThreshold
	}
	return &Aggregator{
		scorer:          scorer,
		repeatThreshold: repeatThreshold,
		profiles:        make(map[int]*profile),
		eventIdx:        make(map[int64]int),
		nextEventID:     1,
	}
}

func (ag *Aggregator) profileFor(trackID, frameIndex int, ts time.Time) *profile {
	p, ok := ag.profiles[trackID]
	if !ok {
		p = &profile{
			trackID:        trackID,
			firstSeenFrame: frameIndex,
			lastSeenFrame:  frameIndex,
			firstSeenAt:    ts,
			lastSeenAt:     ts,
			byType:         make(map[string]int),
			worn:           make(map[string]struct{}),
			recordedTypes:  make(map[string]bool),
		}
		ag.profiles[trackID] = p
		ag.order = append(ag.order, trackID)
	}
	return p
}

// ObserveTrack records that the individual was tracked during this frame.
func (ag *Aggregator) ObserveTrack(trackID, frameIndex int, ts time.Time) {
	p := ag.profileFor(trackID, frameIndex, ts)
	p.lastSeenFrame = frameIndex
	p.lastSeenAt = ts
	p.framesTracked++
}

// RecordEquipment notes that the individual was seen wearing an equipment
// item. Worn evidence is sticky for the rest of the session.
func (ag *Aggregator) RecordEquipment(trackID, frameIndex int, ts time.Time, class string) {
	p := ag.profileFor(trackID, frameIndex, ts)
	p.worn[strings.ToLower(class)] = struct{}{}
}

// IsWearing reports whether the individual has been seen wearing equipment
// that suppresses the given violation type.
func (ag *Aggregator) IsWearing(trackID int, violationType string) bool {
	p, ok := ag.profiles[trackID]
	if !ok {
		return false
	}
	for worn := range p.worn {
		if EquipmentSuppresses(violationType, worn) {
			return true
		}
	}
	return false
}

// Record assigns an ID to the event and adds it to the session timeline.
// Associated violations are recorded against the individual's profile at
// most once per violation type (repeats return recorded=false and leave the
// timeline untouched). Orphaned events always enter the timeline.
func (ag *Aggregator) Record(ev Event) (Event, bool) {
	if ev.TrackID != 0 {
		p := ag.profileFor(ev.TrackID, ev.FrameIndex, ev.Timestamp)
		if p.recordedTypes[ev.Type] {
			return Event{}, false
		}
		p.recordedTypes[ev.Type] = true
		p.byType[ev.Type]++
		p.total++
	}

	ev.ID = ag.nextEventID
	ag.nextEventID++
	if ev.Status == "" {
		ev.Status = ReviewPending
	}
	ag.events = append(ag.events, ev)
	ag.eventIdx[ev.ID] = len(ag.events) - 1
	return ev, true
}

// ApplyReview mirrors an external review decision into the aggregate
// counts. Transitions between statuses are handled; unknown events error.
func (ag *Aggregator) ApplyReview(eventID int64, status ReviewStatus) error {
	switch status {
	case ReviewPending, ReviewConfirmed, ReviewRejected:
	default:
		return fmt.Errorf("unknown review status %q", status)
	}

	idx, ok := ag.eventIdx[eventID]
	if !ok {
		return fmt.Errorf("unknown violation event %d", eventID)
	}
	ev := &ag.events[idx]
	if ev.Status == status {
		return nil
	}

	if ev.TrackID != 0 {
		p := ag.profiles[ev.TrackID]
		switch ev.Status {
		case ReviewConfirmed:
			p.confirmed--
		case ReviewRejected:
			p.rejected--
		}
		switch status {
		case ReviewConfirmed:
			p.confirmed++
		case ReviewRejected:
			p.rejected++
		}
	}
	ev.Status = status
	return nil
}

// Events returns the session violation timeline in recording order.
func (ag *Aggregator) Events() []Event {
	out := make([]Event, len(ag.events))
	copy(out, ag.events)
	return out
}

func (ag *Aggregator) snapshot(p *profile) IndividualAggregate {
	perMinute := 0.0
	if mins := p.lastSeenAt.Sub(p.firstSeenAt).Minutes(); mins > 0 {
		perMinute = float64(p.total) / mins
	}

	byType := make(map[string]int, len(p.byType))
	for k, v := range p.byType {
		byType[k] = v
	}
	worn := make([]string, 0, len(p.worn))
	for w := range p.worn {
		worn = append(worn, w)
	}
	sort.Strings(worn)

	return IndividualAggregate{
		TrackID:             p.trackID,
		TotalViolations:     p.total,
		ViolationsByType:    byType,
		FirstSeenFrame:      p.firstSeenFrame,
		LastSeenFrame:       p.lastSeenFrame,
		FirstSeenAt:         p.firstSeenAt,
		LastSeenAt:          p.lastSeenAt,
		FramesTracked:       p.framesTracked,
		ConfirmedViolations: p.confirmed,
		RejectedViolations:  p.rejected,
		PendingViolations:   p.total - p.confirmed - p.rejected,
		ViolationsPerMinute: perMinute,
		RiskScore:           ag.scorer(p.total, perMinute),
		IsRepeatOffender:    p.total >= ag.repeatThreshold,
		WornEquipment:       worn,
	}
}

// Aggregate returns the current aggregate for one individual.
func (ag *Aggregator) Aggregate(trackID int) (IndividualAggregate, bool) {
	p, ok := ag.profiles[trackID]
	if !ok {
		return IndividualAggregate{}, false
	}
	return ag.snapshot(p), true
}

// Aggregates returns all individuals in first-seen order. Deleted tracks
// keep their final aggregate here.
func (ag *Aggregator) Aggregates() []IndividualAggregate {
	out := make([]IndividualAggregate, 0, len(ag.order))
	for _, id := range ag.order {
		out = append(out, ag.snapshot(ag.profiles[id]))
	}
	return out
}

// Summarize computes session-wide statistics.
func (ag *Aggregator) Summarize() Summary {
	s := Summary{ViolationsByType: make(map[string]int)}
	s.TotalIndividuals = len(ag.profiles)
	for _, p := range ag.profiles {
		s.TotalViolations += p.total
		for k, v := range p.byType {
			s.ViolationsByType[k] += v
		}
		if p.total >= ag.repeatThreshold {
			s.RepeatOffenders++
		}
	}
	for _, ev := range ag.events {
		if ev.TrackID == 0 {
			s.OrphanedViolations++
		}
	}
	if s.TotalIndividuals > 0 {
		s.AveragePerIndividual = float64(s.TotalViolations) / float64(s.TotalIndividuals)
	}
	return s
}
