// Package stage batches verification work into a pool of staging buffers and
// drains the results in submission order.
//
// A Stage alternates between two phases. While Sending it encodes searches
// into the current buffer, flushing it to the device and moving to the next
// one when it fills up. Retrieving starts on the first retrieval call: the
// open buffer is flushed and buffers are received one by one, each wait
// overlapping with the device work still queued on the buffers after it.
package stage

import (
	"errors"
	"fmt"

	"github.com/23skdu/bpmstage/internal/bpm"
	bperrors "github.com/23skdu/bpmstage/internal/errors"
	"github.com/23skdu/bpmstage/internal/gpu"
	"github.com/23skdu/bpmstage/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrNotDrained is returned by Clear while accepted searches are still
	// waiting to be retrieved.
	ErrNotDrained = errors.New("stage: searches pending retrieval")
	// ErrUnpairedSearch is returned when the second end of a pair cannot be
	// retrieved after the first was.
	ErrUnpairedSearch = errors.New("stage: could not retrieve query pair")
	// ErrWrongPhase is returned when sending while the stage is retrieving.
	ErrWrongPhase = errors.New("stage: operation not allowed in the current phase")
)

// Phase is the half of the batch lifecycle a stage is in.
type Phase int

const (
	PhaseSending Phase = iota
	PhaseRetrieving
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseRetrieving:
		return "retrieving"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Iterator is the send/retrieve cursor of a stage.
type Iterator struct {
	CurrentBuffer int
	NumBuffers    int
	CurrentSearch int
	NumSearches   int
}

type slot struct {
	buffer   *bpm.Buffer
	searches []Search
}

// Stage owns a fixed, ordered pool of buffers. It is driven by one goroutine.
type Stage struct {
	cfg     Config
	logger  zerolog.Logger
	buffers []*slot
	phase   Phase
	it      Iterator
}

// New allocates cfg.NumBuffers buffers, assigned round-robin over the
// devices and streams of devices.
func New(cfg Config, devices *gpu.Collection, kernel bpm.Kernel, logger zerolog.Logger) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stage{
		cfg:    cfg,
		logger: logger.With().Str("component", "stage").Logger(),
	}
	for i := 0; i < cfg.NumBuffers; i++ {
		dev, stream := devices.Assign(i)
		b, err := bpm.NewBuffer(dev, stream, i, cfg.BufferBytes, cfg.AverageQuerySize, cfg.CandidatesPerQuery, kernel, logger)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("stage buffer %d: %w", i, err)
		}
		s.buffers = append(s.buffers, &slot{buffer: b})
	}
	s.it.NumBuffers = cfg.NumBuffers
	s.logger.Debug().
		Int("buffers", cfg.NumBuffers).
		Int("buffer_bytes", cfg.BufferBytes).
		Msg("stage created")
	return s, nil
}

// Phase returns the current phase.
func (s *Stage) Phase() Phase { return s.phase }

// Iterator returns a copy of the cursor.
func (s *Stage) Iterator() Iterator { return s.it }

// Buffer returns buffer i of the pool.
func (s *Stage) Buffer(i int) *bpm.Buffer { return s.buffers[i].buffer }

func (s *Stage) current() *slot { return s.buffers[s.it.CurrentBuffer] }

func (s *Stage) pending() bool {
	if s.phase == PhaseRetrieving {
		return !s.RetrieveFinished()
	}
	for _, sl := range s.buffers {
		if len(sl.searches) > 0 {
			return true
		}
	}
	return false
}

// Clear readies a drained stage for the next batch.
func (s *Stage) Clear() error {
	if s.pending() {
		return ErrNotDrained
	}
	for _, sl := range s.buffers {
		if err := sl.buffer.Clear(); err != nil {
			return bperrors.WrapPipelineError(err, "clear", "buffer still in flight")
		}
		sl.searches = sl.searches[:0]
	}
	s.phase = PhaseSending
	s.it = Iterator{NumBuffers: s.it.NumBuffers}
	return nil
}

// SendSE accepts one search. It returns false, with no error, when no
// buffer has room left; the caller should drain the stage and retry.
func (s *Stage) SendSE(search Search) (bool, error) {
	return s.send(search)
}

// SendPE accepts both ends of a pair into the same buffer, or neither.
func (s *Stage) SendPE(end1, end2 Search) (bool, error) {
	return s.send(end1, end2)
}

func (s *Stage) send(searches ...Search) (bool, error) {
	if s.phase != PhaseSending {
		return false, bperrors.WrapPipelineError(ErrWrongPhase, "send", "stage is retrieving")
	}
	var d bpm.Dimensions
	for _, x := range searches {
		d = d.Add(x.Dimensions())
	}

	cur := s.current()
	for {
		ok, err := cur.buffer.Fits(d)
		if err != nil {
			return false, err
		}
		if ok {
			break
		}
		if s.it.CurrentBuffer == s.it.NumBuffers-1 {
			metrics.StageRejectionsTotal.Inc()
			s.logger.Debug().
				Uint32("candidates", d.Candidates).
				Msg("all buffers full")
			return false, nil
		}
		if err := s.flush(cur); err != nil {
			return false, err
		}
		s.it.CurrentBuffer++
		cur = s.current()
	}

	for _, x := range searches {
		if err := x.Encode(cur.buffer); err != nil {
			return false, bperrors.WrapPipelineError(err, "send", "encode search")
		}
		cur.searches = append(cur.searches, x)
	}
	metrics.StageSearchesTotal.WithLabelValues("sent").Add(float64(len(searches)))
	return true, nil
}

// flush starts the device work of a buffer that holds searches.
func (s *Stage) flush(sl *slot) error {
	if len(sl.searches) == 0 || sl.buffer.InFlight() {
		return nil
	}
	if err := sl.buffer.Send(s.cfg.QueryBinSize); err != nil {
		return err
	}
	metrics.StageBuffersSentTotal.Inc()
	return nil
}

func (s *Stage) receive(sl *slot) error {
	if err := sl.buffer.Receive(); err != nil {
		return err
	}
	s.logger.Debug().
		Int("buffer", s.it.CurrentBuffer).
		Int("searches", len(sl.searches)).
		Msg("buffer received")
	return nil
}

// beginRetrieve flushes the open buffer and receives the first one.
func (s *Stage) beginRetrieve() error {
	s.phase = PhaseRetrieving
	if err := s.flush(s.current()); err != nil {
		return err
	}
	s.logger.Debug().Int("buffers_used", s.it.CurrentBuffer+1).Msg("retrieval started")

	first := s.buffers[0]
	s.it.CurrentBuffer = 0
	s.it.CurrentSearch = 0
	s.it.NumSearches = len(first.searches)
	if s.it.NumSearches == 0 {
		s.it.CurrentBuffer = s.it.NumBuffers
		return nil
	}
	return s.receive(first)
}

// retrieveNext yields the next search in submission order with the buffer
// holding its results. Reaching an unused buffer ends the retrieval.
func (s *Stage) retrieveNext() (Search, *bpm.Buffer, bool, error) {
	if s.phase == PhaseSending {
		if err := s.beginRetrieve(); err != nil {
			return nil, nil, false, err
		}
	}
	if s.it.CurrentBuffer == s.it.NumBuffers {
		return nil, nil, false, nil
	}
	if s.it.CurrentSearch == s.it.NumSearches {
		s.it.CurrentBuffer++
		if s.it.CurrentBuffer == s.it.NumBuffers {
			return nil, nil, false, nil
		}
		next := s.current()
		s.it.CurrentSearch = 0
		s.it.NumSearches = len(next.searches)
		if s.it.NumSearches == 0 {
			s.it.CurrentBuffer = s.it.NumBuffers
			return nil, nil, false, nil
		}
		if err := s.receive(next); err != nil {
			return nil, nil, false, err
		}
	}

	sl := s.current()
	x := sl.searches[s.it.CurrentSearch]
	s.it.CurrentSearch++
	metrics.StageSearchesTotal.WithLabelValues("retrieved").Inc()
	return x, sl.buffer, true, nil
}

// RetrieveSE returns the next search with its results decoded, or false once
// the stage is drained.
func (s *Stage) RetrieveSE() (Search, bool, error) {
	x, b, ok, err := s.retrieveNext()
	if err != nil || !ok {
		return nil, false, err
	}
	if err := x.Decode(b); err != nil {
		return nil, false, bperrors.WrapPipelineError(err, "retrieve", "decode search")
	}
	return x, true, nil
}

// RetrievePE returns the next pair. Running out after the first end is a
// consistency failure reported as ErrUnpairedSearch.
func (s *Stage) RetrievePE() (Search, Search, bool, error) {
	end1, ok, err := s.RetrieveSE()
	if err != nil || !ok {
		return nil, nil, false, err
	}
	end2, ok, err := s.RetrieveSE()
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, bperrors.WrapPipelineError(ErrUnpairedSearch, "retrieve_pe", "missing end/2").
			WithContext("buffer", s.it.CurrentBuffer)
	}
	return end1, end2, true, nil
}

// RetrieveFinished reports whether there is nothing left to retrieve: the
// stage is still sending, or the cursor has walked past the last used buffer.
func (s *Stage) RetrieveFinished() bool {
	if s.phase == PhaseSending {
		return true
	}
	return s.it.CurrentBuffer == s.it.NumBuffers && s.it.CurrentSearch == s.it.NumSearches
}

// Close releases every buffer, waiting for work still on their streams.
func (s *Stage) Close() error {
	var errs []error
	for _, sl := range s.buffers {
		if err := sl.buffer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
