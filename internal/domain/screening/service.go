package screening

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/labflag/labflag/internal/platform/hl7v2"
)

const defaultConcurrency = 4

// Service runs the screening pipeline: tokenize, extract, look up ranges,
// classify.
type Service struct {
	store       RangeStore
	logger      zerolog.Logger
	concurrency int
	now         func() time.Time
	metrics     *Metrics
}

type Option func(*Service)

// WithConcurrency bounds the number of in-flight range lookups.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock replaces the wall clock used to compute patient ages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store RangeStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		logger:      logger.With().Str("component", "screening").Logger(),
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report is the outcome of screening one upload. Messages is zero when the
// input held no MSH header, which distinguishes "no data" from "nothing
// abnormal".
type Report struct {
	Messages     int                `json:"messages"`
	Observations int                `json:"observations"`
	Results      []ClassifiedResult `json:"results"`
}

type pending struct {
	obs hl7v2.Observation
	pc  hl7v2.PatientContext
}

// Screen parses raw ORU text and returns the standard-range abnormalities
// in (message, observation, metric) order. The first lookup failure cancels
// the remaining lookups and is returned as a *LookupError.
func (s *Service) Screen(ctx context.Context, raw string) (*Report, error) {
	groups := hl7v2.Tokenize(raw)
	now := s.now()

	var work []pending
	for i, g := range groups {
		pc := hl7v2.ExtractContext(g, now)
		obs := hl7v2.ExtractObservations(g)
		s.logger.Debug().
			Int("group", i).
			Str("control_id", g.ControlID()).
			Int("observations", len(obs)).
			Bool("age_known", pc.Age != nil).
			Bool("gender_known", pc.Gender != nil).
			Msg("message extracted")
		for _, o := range obs {
			work = append(work, pending{obs: o, pc: pc})
		}
	}
	s.metrics.observeGroups(len(groups), len(work))

	results, err := s.classifyAll(ctx, work)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("messages", len(groups)).
		Int("observations", len(work)).
		Int("flagged", len(results)).
		Msg("screening complete")

	return &Report{Messages: len(groups), Observations: len(work), Results: results}, nil
}

// ScreenGroup screens a single message.
func (s *Service) ScreenGroup(ctx context.Context, group hl7v2.SegmentGroup) ([]ClassifiedResult, error) {
	pc := hl7v2.ExtractContext(group, s.now())
	obs := hl7v2.ExtractObservations(group)
	work := make([]pending, len(obs))
	for i, o := range obs {
		work[i] = pending{obs: o, pc: pc}
	}
	s.metrics.observeGroups(1, len(work))
	return s.classifyAll(ctx, work)
}

// classifyAll looks up candidates for every observation in parallel. Each
// observation writes only its own slot, so the flattened output keeps
// input order regardless of completion order.
func (s *Service) classifyAll(ctx context.Context, work []pending) ([]ClassifiedResult, error) {
	slots := make([][]ClassifiedResult, len(work))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, w := range work {
		g.Go(func() error {
			candidates, err := s.lookup(gctx, w)
			if err != nil {
				return &LookupError{Code: w.obs.Code, Unit: w.obs.Unit, Err: err}
			}

			evs := Evaluate(w.obs, w.pc, candidates)
			_, numeric := ParseValue(w.obs.RawValue)
			s.metrics.observeEvaluation(numeric, evs)

			for _, ev := range evs {
				if r, ok := ev.Result(); ok {
					slots[i] = append(slots[i], r)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Msg("range lookup failed")
		return nil, err
	}

	results := []ClassifiedResult{}
	for _, r := range slots {
		results = append(results, r...)
	}
	return results, nil
}

func (s *Service) lookup(ctx context.Context, w pending) ([]MetricDefinition, error) {
	start := time.Now()
	defer s.metrics.observeLookup(start)
	return s.store.Lookup(ctx, w.obs.Code, w.obs.Unit, w.pc.Age, w.pc.Gender)
}
