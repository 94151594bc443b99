package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/testutil"
	"github.com/safesite-data/sitewatch/internal/track"
	"github.com/safesite-data/sitewatch/internal/violation"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameSkip = 1
	return cfg
}

func person(x, y float64) track.Detection {
	return testutil.Person(x, y)
}

func frameAt(index int, persons ...track.Detection) FrameInput {
	return FrameInput{
		Index:     index,
		Timestamp: time.Unix(int64(index), 0),
		Persons:   persons,
	}
}

func TestSessionConfirmsAndRaisesViolation(t *testing.T) {
	s := New("test", testConfig())

	// Three consecutive hits confirm the individual.
	for i := 1; i <= 3; i++ {
		out, err := s.ProcessFrame(frameAt(i, person(100, 100)))
		require.NoError(t, err)
		require.Len(t, out.Tracks, 1)
		assert.Equal(t, 1, out.Tracks[0].TrackID)
	}

	in := frameAt(4, person(100, 100))
	in.Violations = []track.Detection{testutil.Violation("No Helmet", 100, 100)}
	out, err := s.ProcessFrame(in)
	require.NoError(t, err)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, 1, out.Violations[0].TrackID)
	assert.Equal(t, "No Helmet", out.Violations[0].Type)

	aggs, err := s.Finalize()
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 1, aggs[0].TrackID)
	assert.Equal(t, 1, aggs[0].TotalViolations)
}

func TestSessionWornEquipmentSuppressesViolation(t *testing.T) {
	s := New("test", testConfig())

	for i := 1; i <= 3; i++ {
		_, err := s.ProcessFrame(frameAt(i, person(100, 100)))
		require.NoError(t, err)
	}

	// Helmet seen on the individual, then a contradictory missing-helmet
	// detection in the same frame: worn evidence wins.
	in := frameAt(4, person(100, 100))
	in.Equipment = []track.Detection{testutil.Equipment("helmet", 100, 100)}
	in.Violations = []track.Detection{testutil.Violation("No Helmet", 100, 100)}
	out, err := s.ProcessFrame(in)
	require.NoError(t, err)
	assert.Empty(t, out.Violations)

	aggs, _ := s.Finalize()
	require.Len(t, aggs, 1)
	assert.Zero(t, aggs[0].TotalViolations)
	assert.Equal(t, []string{"helmet"}, aggs[0].WornEquipment)
}

func TestSessionRejectsOutOfOrderFrames(t *testing.T) {
	s := New("test", testConfig())

	_, err := s.ProcessFrame(frameAt(5, person(0, 0)))
	require.NoError(t, err)

	_, err = s.ProcessFrame(frameAt(4, person(0, 0)))
	assert.ErrorIs(t, err, ErrFrameOutOfOrder)

	_, err = s.ProcessFrame(frameAt(5, person(0, 0)))
	assert.ErrorIs(t, err, ErrFrameOutOfOrder, "same index counts as regression")

	// Timestamp regression with advancing index is rejected too.
	in := frameAt(6, person(0, 0))
	in.Timestamp = time.Unix(1, 0)
	_, err = s.ProcessFrame(in)
	assert.ErrorIs(t, err, ErrFrameOutOfOrder)

	// The session continues from its last valid state.
	_, err = s.ProcessFrame(frameAt(6, person(0, 0)))
	assert.NoError(t, err)
}

func TestSessionFrameSkip(t *testing.T) {
	cfg := testConfig()
	cfg.FrameSkip = 2
	s := New("test", cfg)

	out, err := s.ProcessFrame(frameAt(1, person(0, 0)))
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, out.Tracks)

	out, err = s.ProcessFrame(frameAt(2, person(0, 0)))
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Len(t, out.Tracks, 1)
}

func TestSessionDiscardsMalformedBoxes(t *testing.T) {
	s := New("test", testConfig())

	bad := track.Detection{BBox: geom.BBox{X: 0, Y: 0, W: -10, H: 100}, Confidence: 0.9}
	out, err := s.ProcessFrame(frameAt(1, bad))
	require.NoError(t, err)
	assert.Empty(t, out.Tracks, "invalid box must not spawn a track")
}

func TestSessionFailPreservesAggregates(t *testing.T) {
	s := New("test", testConfig())
	for i := 1; i <= 3; i++ {
		_, err := s.ProcessFrame(frameAt(i, person(0, 0)))
		require.NoError(t, err)
	}

	s.Fail("decode failure upstream")
	failed, msg := s.Failed()
	assert.True(t, failed)
	assert.Equal(t, "decode failure upstream", msg)

	_, err := s.ProcessFrame(frameAt(4, person(0, 0)))
	assert.ErrorIs(t, err, ErrSessionFailed)

	aggs, err := s.Finalize()
	require.NoError(t, err)
	require.Len(t, aggs, 1, "aggregates up to the failure survive")
	// Confirmed at frame 3, so one tracked frame before the failure.
	assert.Equal(t, 1, aggs[0].FramesTracked)
}

func TestSessionFinalizeOnce(t *testing.T) {
	s := New("test", testConfig())
	_, err := s.Finalize()
	require.NoError(t, err)

	_, err = s.Finalize()
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.ProcessFrame(frameAt(1, person(0, 0)))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// Two sessions fed the same stream stay fully isolated: both number their
// tracks from 1.
func TestSessionIsolation(t *testing.T) {
	a := New("a", testConfig())
	b := New("b", testConfig())

	for i := 1; i <= 3; i++ {
		outA, err := a.ProcessFrame(frameAt(i, person(50, 50)))
		require.NoError(t, err)
		outB, err := b.ProcessFrame(frameAt(i, person(50, 50)))
		require.NoError(t, err)
		require.Len(t, outA.Tracks, 1)
		require.Len(t, outB.Tracks, 1)
		assert.Equal(t, 1, outA.Tracks[0].TrackID)
		assert.Equal(t, 1, outB.Tracks[0].TrackID)
	}
}

// run feeds a fixed two-person stream with a violation and returns the final
// aggregates plus every frame's output.
func runFixedStream(t *testing.T) ([]violation.IndividualAggregate, []FrameOutput) {
	t.Helper()
	s := New("replay", testConfig())
	var outs []FrameOutput
	for i := 1; i <= 12; i++ {
		in := frameAt(i,
			testutil.Walk(100, 100, 4, 0, i),
			testutil.Walk(400, 120, -3, 0, i),
		)
		if i == 6 {
			in.Violations = []track.Detection{testutil.Violation("No Safety Vest", 100+6*4, 100)}
		}
		out, err := s.ProcessFrame(in)
		require.NoError(t, err)
		outs = append(outs, out)
	}
	aggs, err := s.Finalize()
	require.NoError(t, err)
	return aggs, outs
}

func TestSessionDeterministicReplay(t *testing.T) {
	aggs1, outs1 := runFixedStream(t)
	aggs2, outs2 := runFixedStream(t)

	assert.Empty(t, cmp.Diff(outs1, outs2), "per-frame outputs must replay identically")
	assert.Empty(t, cmp.Diff(aggs1, aggs2), "final aggregates must replay identically")
}

// runEquipmentStream confirms two individuals on the same frame that also
// carries equipment for both, so equipment recording is the first touch of
// both profiles.
func runEquipmentStream(t *testing.T) []violation.IndividualAggregate {
	t.Helper()
	s := New("equip", testConfig())
	for i := 1; i <= 3; i++ {
		in := frameAt(i, person(100, 100), person(400, 100))
		if i == 3 {
			in.Equipment = []track.Detection{
				testutil.Equipment("helmet", 100, 100),
				testutil.Equipment("helmet", 400, 100),
			}
		}
		_, err := s.ProcessFrame(in)
		require.NoError(t, err)
	}
	aggs, err := s.Finalize()
	require.NoError(t, err)
	return aggs
}

// Aggregate order must not depend on map iteration even when equipment
// creates the profiles.
func TestSessionEquipmentOrderDeterministic(t *testing.T) {
	base := runEquipmentStream(t)
	require.Len(t, base, 2)
	assert.Equal(t, 1, base[0].TrackID)
	assert.Equal(t, 2, base[1].TrackID)
	assert.Equal(t, []string{"helmet"}, base[0].WornEquipment)
	assert.Equal(t, []string{"helmet"}, base[1].WornEquipment)

	for i := 0; i < 50; i++ {
		require.Empty(t, cmp.Diff(base, runEquipmentStream(t)), "replay %d diverged", i)
	}
}

type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Embed(image.Image) ([]float32, error) {
	e.calls++
	return []float32{1, 0, 0, 0}, nil
}

func encodedFrame(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(640, 480, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), imaging.JPEG))
	return buf.Bytes()
}

func TestSessionEmbedsPersonCrops(t *testing.T) {
	cfg := testConfig()
	emb := &countingEmbedder{}
	cfg.Embedder = emb
	s := New("test", cfg)

	in := frameAt(1, person(100, 100))
	in.FrameImage = encodedFrame(t)
	_, err := s.ProcessFrame(in)
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls, "one embedding per person detection")

	// Without image data the frame still processes, IoU-only.
	out, err := s.ProcessFrame(frameAt(2, person(100, 100)))
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)
	assert.Len(t, out.Tracks, 1)

	// Detections that already carry a feature are not re-embedded.
	in = frameAt(3, testutil.PersonWithFeature(100, 100, []float32{1, 0, 0, 0}))
	in.FrameImage = encodedFrame(t)
	_, err = s.ProcessFrame(in)
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(testConfig(), 4)
	id := m.Open(context.Background())

	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Submit(id, frameAt(i, person(10, 10))))
		// Keep the queue from overflowing in this synchronous test.
		time.Sleep(2 * time.Millisecond)
	}

	sess, err := m.Session(id)
	require.NoError(t, err)
	require.NotNil(t, sess)

	aggs, err := m.End(id)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	// Confirmed at frame 3 of 5, tracked for the remaining three frames.
	assert.Equal(t, 3, aggs[0].FramesTracked)

	err = m.Submit(id, frameAt(6, person(10, 10)))
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestManagerSessionsAreIsolated(t *testing.T) {
	m := NewManager(testConfig(), 4)
	id1 := m.Open(context.Background())
	id2 := m.Open(context.Background())
	require.NotEqual(t, id1, id2)

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Submit(id1, frameAt(i, person(10, 10))))
		require.NoError(t, m.Submit(id2, frameAt(i, person(10, 10))))
	}

	aggs1, err := m.End(id1)
	require.NoError(t, err)
	aggs2, err := m.End(id2)
	require.NoError(t, err)

	require.Len(t, aggs1, 1)
	require.Len(t, aggs2, 1)
	assert.Equal(t, 1, aggs1[0].TrackID)
	assert.Equal(t, 1, aggs2[0].TrackID)
}

func TestManagerCancelKeepsCommittedState(t *testing.T) {
	m := NewManager(testConfig(), 4)
	id := m.Open(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Submit(id, frameAt(i, person(10, 10))))
		time.Sleep(2 * time.Millisecond)
	}

	aggs, err := m.Cancel(id)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.GreaterOrEqual(t, aggs[0].FramesTracked, 1)
}
