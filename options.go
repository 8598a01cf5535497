package promzone

import "errors"

// engineOptions holds configuration options for Engine creation.
type engineOptions struct {
	scheduler       Scheduler
	rejectionMapper RejectionMapper
	logger          Logger
	longStacks      bool
}

// EngineOption configures an [Engine] instance.
type EngineOption interface {
	applyEngine(*engineOptions) error
}

// engineOptionImpl implements EngineOption.
type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithScheduler sets the physical-tick scheduler. The default is
// [GoroutineScheduler]. See [ManualScheduler] for deterministic test
// harnesses.
func WithScheduler(s Scheduler) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if s == nil {
			return errors.New("promzone: scheduler must not be nil")
		}
		opts.scheduler = s
		return nil
	}}
}

// WithRejectionMapper sets the transform applied to every rejection reason
// at the moment of rejection. The default is the identity transform.
func WithRejectionMapper(m RejectionMapper) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.rejectionMapper = m
		return nil
	}}
}

// WithLogger sets the engine's structured [Logger]. The default discards
// all entries.
func WithLogger(l Logger) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = l
		return nil
	}}
}

// WithLongStacks enables long asynchronous stack capture. Every promise
// records its creation stack and back-links to the promise that produced it;
// [Promise.Stack] renders the assembled multi-frame trace. This adds a
// runtime.Callers call per promise, so leave it off in production builds.
func WithLongStacks(enabled bool) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.longStacks = enabled
		return nil
	}}
}

// resolveEngineOptions applies EngineOption instances to engineOptions.
func resolveEngineOptions(opts []EngineOption) (*engineOptions, error) {
	cfg := &engineOptions{
		scheduler: GoroutineScheduler{}, // default
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
