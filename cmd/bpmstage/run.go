package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/23skdu/bpmstage/internal/bpm"
	bperrors "github.com/23skdu/bpmstage/internal/errors"
	"github.com/23skdu/bpmstage/internal/fasta"
	"github.com/23skdu/bpmstage/internal/gpu"
	"github.com/23skdu/bpmstage/internal/search"
	"github.com/23skdu/bpmstage/internal/sink"
	"github.com/23skdu/bpmstage/internal/stage"
	"github.com/rs/zerolog"
)

// ErrSearchTooLarge is returned when a read does not fit even an empty stage.
var ErrSearchTooLarge = errors.New("search rejected by an empty stage")

const bases = "ACGT"

// Summary reports what a run verified.
type Summary struct {
	Reads      int
	Candidates int
	// Mapped counts reads whose best candidate is the locus they were sampled from.
	Mapped   int
	Drains   int
	Rows     int64
	Duration time.Duration
}

// Progress is the live state of a run, safe to read while it executes.
type Progress struct {
	retrieved atomic.Int64
	total     atomic.Int64
	failed    atomic.Pointer[error]
}

// Progress returns the reads retrieved so far, the reads planned and the
// error that ended the run, if any.
func (p *Progress) Progress() (retrieved, total int64, failed error) {
	if e := p.failed.Load(); e != nil {
		failed = *e
	}
	return p.retrieved.Load(), p.total.Load(), failed
}

func (p *Progress) fail(err error) {
	if err != nil {
		p.failed.CompareAndSwap(nil, &err)
	}
}

// NewDevices creates the simulated devices a run executes on.
func NewDevices(cfg Config, logger zerolog.Logger) []gpu.Device {
	devices := make([]gpu.Device, cfg.Devices)
	for i := range devices {
		devices[i] = gpu.NewSimDevice(i, gpu.SimConfig{
			DeviceMemoryBytes: cfg.DeviceMemoryBytes,
			OpLatency:         cfg.OpLatency,
		}, logger)
	}
	return devices
}

// Run verifies on freshly created devices.
func Run(ctx context.Context, cfg Config, logger zerolog.Logger) (Summary, error) {
	return RunOn(ctx, cfg, NewDevices(cfg, logger), new(Progress), logger)
}

// RunOn samples reads from the reference, verifies their candidates through
// a stage on devices and writes every result to cfg.Output. It takes
// ownership of devices and closes them.
func RunOn(ctx context.Context, cfg Config, devices []gpu.Device, progress *Progress, logger zerolog.Logger) (sum Summary, err error) {
	defer func() { progress.fail(err) }()
	start := time.Now()
	progress.total.Store(int64(cfg.Reads))
	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // reproducible sampling

	ref, err := loadReference(cfg, rng)
	if err != nil {
		closeAll(devices)
		return sum, err
	}
	window := cfg.ReadLength + int(cfg.Slack)
	if len(ref.Text) < window {
		closeAll(devices)
		return sum, bperrors.NewValidationError("load_reference",
			fmt.Sprintf("reference of %d bases is shorter than a candidate window of %d", len(ref.Text), window))
	}
	logger.Info().
		Int("bases", len(ref.Text)).
		Int("contigs", len(ref.Contigs)).
		Msg("reference ready")

	coll, err := gpu.NewCollection(devices, cfg.StreamsPerDevice)
	if err != nil {
		closeAll(devices)
		return sum, bperrors.WrapDeviceError(err, "open_devices", "")
	}
	defer func() {
		if cerr := coll.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	st, err := stage.New(cfg.Stage, coll, bpm.NewHostKernel(ref.Text), logger)
	if err != nil {
		return sum, err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	var out *sink.Writer
	if cfg.Output != "" {
		out, err = sink.Create(cfg.Output, ref)
		if err != nil {
			return sum, bperrors.WrapIOError(err, "create_output", cfg.Output)
		}
		defer func() {
			if cerr := out.Close(); cerr != nil {
				err = errors.Join(err, bperrors.WrapIOError(cerr, "close_output", cfg.Output))
			}
			sum.Rows = out.Rows()
		}()
	}

	r := &runner{cfg: cfg, stage: st, out: out, truth: make(map[uint64]uint64), sum: &sum, progress: progress}
	for i := 0; i < cfg.Reads; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		s, truth := sample(uint64(i), ref.Text, cfg, rng)
		r.truth[s.ID] = truth
		if err := r.send(s); err != nil {
			return sum, err
		}
	}
	if err := r.drain(); err != nil {
		return sum, err
	}

	sum.Duration = time.Since(start)
	return sum, nil
}

type runner struct {
	cfg   Config
	stage *stage.Stage
	out   *sink.Writer
	truth map[uint64]uint64
	sum   *Summary

	progress *Progress
}

// send pushes s, draining the stage once if every buffer is full.
func (r *runner) send(s *search.Search) error {
	ok, err := r.stage.SendSE(s)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := r.drain(); err != nil {
		return err
	}
	ok, err = r.stage.SendSE(s)
	if err != nil {
		return err
	}
	if !ok {
		return bperrors.WrapPipelineError(ErrSearchTooLarge, "send", s.Name)
	}
	return nil
}

// drain retrieves every pending search in submission order and clears the stage.
func (r *runner) drain() error {
	r.sum.Drains++
	for {
		x, ok, err := r.stage.RetrieveSE()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		s := x.(*search.Search)
		r.sum.Reads++
		r.progress.retrieved.Add(1)
		r.sum.Candidates += len(s.Results)
		if best, found := s.Best(); found && best.Position == r.truth[s.ID] {
			r.sum.Mapped++
		}
		delete(r.truth, s.ID)
		if r.out != nil {
			if err := r.out.Write(s); err != nil {
				return bperrors.WrapIOError(err, "write_results", s.Name)
			}
		}
	}
	return r.stage.Clear()
}

func closeAll(devices []gpu.Device) {
	for _, dev := range devices {
		_ = dev.Close()
	}
}

func loadReference(cfg Config, rng *rand.Rand) (*fasta.Reference, error) {
	if cfg.Reference == "" {
		seq := make([]byte, cfg.ReferenceLength)
		for i := range seq {
			seq[i] = bases[rng.Intn(len(bases))]
		}
		return fasta.NewReference([]fasta.Record{{ID: "synthetic", Seq: seq}}), nil
	}
	recs, err := fasta.Load(cfg.Reference)
	if err != nil {
		return nil, bperrors.WrapIOError(err, "load_reference", cfg.Reference)
	}
	return fasta.NewReference(recs), nil
}

// sample draws a read with substitutions from text. The true locus is the
// first candidate, followed by cfg.Decoys random windows. It returns the
// search and the position of its true window.
func sample(id uint64, text []byte, cfg Config, rng *rand.Rand) (*search.Search, uint64) {
	window := cfg.ReadLength + int(cfg.Slack)
	last := len(text) - window
	start := rng.Intn(last + 1)
	offset := rng.Intn(int(cfg.Slack) + 1)

	read := make([]byte, cfg.ReadLength)
	copy(read, text[start+offset:start+offset+cfg.ReadLength])
	for i := range read {
		if rng.Float64() < cfg.ErrorRate {
			read[i] = substitute(read[i], rng)
		}
	}

	positions := make([]uint64, 0, 1+cfg.Decoys)
	positions = append(positions, uint64(start))
	for j := 0; j < cfg.Decoys; j++ {
		positions = append(positions, uint64(rng.Intn(last+1)))
	}
	return search.New(id, fmt.Sprintf("read%d", id), read, positions, cfg.Slack), uint64(start)
}

func substitute(b byte, rng *rand.Rand) byte {
	for {
		c := bases[rng.Intn(len(bases))]
		if c != b {
			return c
		}
	}
}
