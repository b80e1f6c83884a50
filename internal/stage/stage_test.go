package stage

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/23skdu/bpmstage/internal/bpm"
	bperrors "github.com/23skdu/bpmstage/internal/errors"
	"github.com/23skdu/bpmstage/internal/gpu"
	"github.com/23skdu/bpmstage/internal/metrics"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallBuffer holds 30 queries and 120 candidates at 150 bases and 4
// candidates per query.
const smallBuffer = 20000

var testRef = func() []byte {
	rng := rand.New(rand.NewPCG(3, 5))
	ref := make([]byte, 1<<14)
	for i := range ref {
		ref[i] = "ACGT"[rng.IntN(4)]
	}
	return ref
}()

// testSearch is a read copied from testRef with exact-match windows.
type testSearch struct {
	id        int
	pattern   []byte
	positions []uint64
	first     uint32
	results   []bpm.Alignment
}

func newTestSearch(id, size, windows int) *testSearch {
	pos := (id * 131) % (len(testRef) - size - 64)
	s := &testSearch{id: id, pattern: testRef[pos : pos+size]}
	for w := 0; w < windows; w++ {
		s.positions = append(s.positions, uint64(pos))
	}
	return s
}

func (s *testSearch) Dimensions() bpm.Dimensions {
	return bpm.Dimensions{
		Entries:    bpm.EntriesFor(uint32(len(s.pattern))),
		Queries:    1,
		Candidates: uint32(len(s.positions)),
	}
}

func (s *testSearch) Encode(b *bpm.Buffer) error {
	q, err := b.AddQuery(s.pattern)
	if err != nil {
		return err
	}
	for i, p := range s.positions {
		c, err := b.AddCandidate(q, p, uint32(len(s.pattern))+8)
		if err != nil {
			return err
		}
		if i == 0 {
			s.first = c
		}
	}
	return nil
}

func (s *testSearch) Decode(b *bpm.Buffer) error {
	s.results = make([]bpm.Alignment, len(s.positions))
	for i := range s.results {
		s.results[i] = b.Alignment(s.first + uint32(i))
	}
	return nil
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func testConfig(numBuffers int) Config {
	return Config{
		NumBuffers:         numBuffers,
		BufferBytes:        smallBuffer,
		AverageQuerySize:   150,
		CandidatesPerQuery: 4,
	}
}

func newTestStage(t *testing.T, cfg Config, numDevices int) (*Stage, []*gpu.SimDevice) {
	t.Helper()
	return newTestStageStreams(t, cfg, numDevices, cfg.NumBuffers)
}

func newTestStageStreams(t *testing.T, cfg Config, numDevices, streamsPerDevice int) (*Stage, []*gpu.SimDevice) {
	t.Helper()
	sims := make([]*gpu.SimDevice, numDevices)
	devs := make([]gpu.Device, numDevices)
	for i := range sims {
		sims[i] = gpu.NewSimDevice(i, gpu.SimConfig{}, zerolog.Nop())
		devs[i] = sims[i]
	}
	coll, err := gpu.NewCollection(devs, streamsPerDevice)
	require.NoError(t, err)
	st, err := New(cfg, coll, bpm.NewHostKernel(testRef), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
		_ = coll.Close()
	})
	return st, sims
}

func drain(t *testing.T, st *Stage) []*testSearch {
	t.Helper()
	var out []*testSearch
	for {
		x, ok, err := st.RetrieveSE()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, x.(*testSearch))
	}
	require.True(t, st.RetrieveFinished())
	return out
}

func TestStage_FreshStageIsFinished(t *testing.T) {
	st, _ := newTestStage(t, testConfig(2), 1)

	assert.Equal(t, PhaseSending, st.Phase())
	assert.True(t, st.RetrieveFinished())
	assert.Equal(t, Iterator{NumBuffers: 2}, st.Iterator())

	x, ok, err := st.RetrieveSE()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, x)
	assert.Equal(t, PhaseRetrieving, st.Phase())
	assert.True(t, st.RetrieveFinished())
	require.NoError(t, st.Clear())
}

func TestStage_RetrievesInSubmissionOrder(t *testing.T) {
	st, _ := newTestStage(t, testConfig(4), 1)
	sent := testutil.ToFloat64(metrics.StageBuffersSentTotal)

	var submitted []*testSearch
	for i := 0; ; i++ {
		s := newTestSearch(i, 150, 4)
		ok, err := st.SendSE(s)
		require.NoError(t, err)
		if !ok {
			break
		}
		submitted = append(submitted, s)
	}
	require.Len(t, submitted, 120, "four buffers of 30 searches")
	assert.Equal(t, 3, st.Iterator().CurrentBuffer)
	assert.Equal(t, sent+3, testutil.ToFloat64(metrics.StageBuffersSentTotal))
	for i := 0; i < 3; i++ {
		assert.True(t, st.Buffer(i).InFlight(), "buffer %d flushed when full", i)
	}
	assert.False(t, st.Buffer(3).InFlight())

	got := drain(t, st)
	require.Len(t, got, len(submitted))
	for i, s := range got {
		assert.Equal(t, submitted[i].id, s.id)
		for _, r := range s.results {
			assert.Equal(t, uint32(0), r.Score, "search %d", s.id)
		}
	}
	require.NoError(t, st.Clear())
	assert.Equal(t, PhaseSending, st.Phase())
}

func TestStage_BackPressure(t *testing.T) {
	st, _ := newTestStage(t, testConfig(1), 1)
	rejections := testutil.ToFloat64(metrics.StageRejectionsTotal)

	for i := 0; i < 30; i++ {
		ok, err := st.SendSE(newTestSearch(i, 150, 4))
		require.NoError(t, err)
		require.True(t, ok)
	}
	late := newTestSearch(30, 150, 4)
	ok, err := st.SendSE(late)
	require.NoError(t, err, "back-pressure is not an error")
	assert.False(t, ok)
	assert.Equal(t, rejections+1, testutil.ToFloat64(metrics.StageRejectionsTotal))

	assert.ErrorIs(t, st.Clear(), ErrNotDrained)
	assert.Len(t, drain(t, st), 30)
	require.NoError(t, st.Clear())

	ok, err = st.SendSE(late)
	require.NoError(t, err)
	assert.True(t, ok)
	got := drain(t, st)
	require.Len(t, got, 1)
	assert.Equal(t, 30, got[0].id)
}

func TestStage_PairRejectedAtomically(t *testing.T) {
	st, _ := newTestStage(t, testConfig(1), 1)
	for i := 0; i < 29; i++ {
		ok, err := st.SendSE(newTestSearch(i, 150, 4))
		require.NoError(t, err)
		require.True(t, ok)
	}
	before := st.Buffer(0).Dimensions()

	end1, end2 := newTestSearch(100, 150, 4), newTestSearch(101, 150, 4)
	fits, err := st.Buffer(0).Fits(end1.Dimensions())
	require.NoError(t, err)
	require.True(t, fits, "end/1 alone fits")

	ok, err := st.SendPE(end1, end2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, st.Buffer(0).Dimensions(), "buffer unchanged")
	assert.Len(t, drain(t, st), 29)
}

func TestStage_PairMovesToNextBufferTogether(t *testing.T) {
	st, _ := newTestStage(t, testConfig(2), 1)
	for i := 0; i < 29; i++ {
		ok, err := st.SendSE(newTestSearch(i, 150, 4))
		require.NoError(t, err)
		require.True(t, ok)
	}
	before := st.Buffer(0).Dimensions()

	end1, end2 := newTestSearch(100, 150, 4), newTestSearch(101, 150, 4)
	ok, err := st.SendPE(end1, end2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, st.Buffer(0).Dimensions())
	assert.Equal(t, uint32(2), st.Buffer(1).Dimensions().Queries)

	for i := 0; i < 29; i++ {
		x, ok, err := st.RetrieveSE()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, x.(*testSearch).id)
	}
	a, b, ok, err := st.RetrievePE()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, a.(*testSearch).id)
	assert.Equal(t, 101, b.(*testSearch).id)
	assert.Equal(t, []bpm.Alignment{{Column: 149, Score: 0}, {Column: 149, Score: 0}, {Column: 149, Score: 0}, {Column: 149, Score: 0}},
		b.(*testSearch).results)

	_, _, ok, err = st.RetrievePE()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, st.RetrieveFinished())
}

func TestStage_UnpairedRetrievalIsAnError(t *testing.T) {
	st, _ := newTestStage(t, testConfig(2), 1)
	ok, err := st.SendSE(newTestSearch(0, 150, 2))
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok, err = st.RetrievePE()
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnpairedSearch)
	typ, _ := bperrors.TypeOf(err)
	assert.Equal(t, bperrors.ErrorTypePipeline, typ)
}

func TestStage_ClearRequiresDrain(t *testing.T) {
	st, _ := newTestStage(t, testConfig(3), 1)
	for i := 0; i < 45; i++ {
		ok, err := st.SendSE(newTestSearch(i, 150, 4))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.ErrorIs(t, st.Clear(), ErrNotDrained)

	_, ok, err := st.RetrieveSE()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, st.RetrieveFinished())
	assert.ErrorIs(t, st.Clear(), ErrNotDrained)

	assert.Len(t, drain(t, st), 44)
	assert.Equal(t, Iterator{CurrentBuffer: 3, NumBuffers: 3}, st.Iterator(), "third buffer unused")
	require.NoError(t, st.Clear())
	assert.Equal(t, Iterator{NumBuffers: 3}, st.Iterator())
	for i := 0; i < 3; i++ {
		assert.True(t, st.Buffer(i).Empty())
	}
}

func TestStage_SendWhileRetrieving(t *testing.T) {
	st, _ := newTestStage(t, testConfig(2), 1)
	for i := 0; i < 3; i++ {
		ok, err := st.SendSE(newTestSearch(i, 150, 4))
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, _, err := st.RetrieveSE()
	require.NoError(t, err)

	_, err = st.SendSE(newTestSearch(9, 150, 4))
	assert.ErrorIs(t, err, ErrWrongPhase)
	drain(t, st)
}

func TestStage_OversizedSearchGrowsEmptyBuffer(t *testing.T) {
	st, _ := newTestStage(t, testConfig(2), 1)
	ok, err := st.SendSE(newTestSearch(0, 150, 4))
	require.NoError(t, err)
	require.True(t, ok)

	big := newTestSearch(1, 600, 400)
	ok, err = st.SendSE(big)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, smallBuffer, st.Buffer(0).Size())
	assert.Greater(t, st.Buffer(1).Size(), smallBuffer)

	got := drain(t, st)
	require.Len(t, got, 2)
	require.Len(t, got[1].results, 400)
	for _, r := range got[1].results {
		assert.Equal(t, uint32(0), r.Score)
	}
}

func TestStage_SpreadsBuffersOverDevices(t *testing.T) {
	st, sims := newTestStage(t, testConfig(4), 2)
	for i := 0; i < 4; i++ {
		assert.Equal(t, i%2, st.Buffer(i).Device().ID())
	}
	for _, sim := range sims {
		host, device := sim.MemoryInUse()
		assert.Equal(t, int64(2*smallBuffer), host)
		assert.Equal(t, int64(2*smallBuffer), device)
	}

	var ids []int
	for i := 0; i < 100; i++ {
		s := newTestSearch(i, 90+i%300, 1+i%6)
		ok, err := st.SendSE(s)
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, i)
	}
	got := drain(t, st)
	require.Len(t, got, len(ids))
	for i, s := range got {
		assert.Equal(t, ids[i], s.id)
	}
}

func TestStage_BuffersSharingStreams(t *testing.T) {
	st, _ := newTestStageStreams(t, testConfig(4), 1, 2)
	assert.Equal(t, st.Buffer(0).Stream(), st.Buffer(2).Stream())
	assert.Equal(t, st.Buffer(1).Stream(), st.Buffer(3).Stream())
	assert.NotEqual(t, st.Buffer(0).Stream(), st.Buffer(1).Stream())

	gauge := func(i int) float64 {
		return testutil.ToFloat64(metrics.BufferSizeBytes.WithLabelValues("0", strconv.Itoa(i)))
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, float64(smallBuffer), gauge(i))
	}

	// Both small searches share buffer 0; the large one grows buffer 1.
	var ids []int
	for i, size := range []int{60, 300} {
		ok, err := st.SendSE(newTestSearch(i, size, 4))
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, i)
	}
	ok, err := st.SendSE(newTestSearch(2, 700, 400))
	require.NoError(t, err)
	require.True(t, ok)
	ids = append(ids, 2)

	grown := st.Buffer(1).Size()
	require.Greater(t, grown, smallBuffer)
	assert.Equal(t, smallBuffer, st.Buffer(3).Size())
	assert.Equal(t, float64(grown), gauge(1))
	assert.Equal(t, float64(smallBuffer), gauge(3))

	got := drain(t, st)
	require.Len(t, got, len(ids))
	for i, s := range got {
		assert.Equal(t, ids[i], s.id)
		for _, r := range s.results {
			assert.Equal(t, uint32(0), r.Score)
		}
	}

	require.NoError(t, st.Buffer(3).Close())
	assert.False(t, metrics.BufferSizeBytes.DeleteLabelValues("0", "3"))
	assert.Equal(t, float64(grown), gauge(1))
}

func TestStage_DeviceFailureSurfaces(t *testing.T) {
	st, sims := newTestStage(t, testConfig(2), 1)
	ok, err := st.SendSE(newTestSearch(0, 150, 4))
	require.NoError(t, err)
	require.True(t, ok)

	boom := errors.New("ecc error")
	sims[0].InjectFault(gpu.OpExecute, boom)
	_, ok, err = st.RetrieveSE()
	sims[0].ClearFaults()

	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
	typ, _ := bperrors.TypeOf(err)
	assert.Equal(t, bperrors.ErrorTypeDevice, typ)
}

func TestStageOrderingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("drain order equals submission order", prop.ForAll(
		func(windows []int) bool {
			st, _ := newTestStage(t, testConfig(3), 2)
			var want, got []int
			collect := func() bool {
				for {
					x, ok, err := st.RetrieveSE()
					if err != nil {
						return false
					}
					if !ok {
						break
					}
					got = append(got, x.(*testSearch).id)
				}
				return st.Clear() == nil
			}
			for i, w := range windows {
				s := newTestSearch(i, 60+(i*37)%400, w)
				ok, err := st.SendSE(s)
				if err != nil {
					return false
				}
				if !ok {
					if !collect() {
						return false
					}
					if ok, err = st.SendSE(s); err != nil || !ok {
						return false
					}
				}
				want = append(want, i)
			}
			if !collect() {
				return false
			}
			if len(want) != len(got) {
				return false
			}
			for i := range want {
				if want[i] != got[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 40)),
	))

	properties.TestingRun(t)
}
