package labflow

import (
	"context"
	"fmt"
)

// Flow is a convenience builder for Conf → Instruments → Record → Run
// without touching the session wiring.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

type FlowOption func(*Flow)

// InputOption configures the acquisition side: transports and drivers.
type InputOption func(*Flow)

// OutputOption configures where samples go: consumers, sinks and
// observability.
type OutputOption func(*Flow)

// Conf loads YAML from disk and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the configuration so callers can adjust it before the
// runtime is built.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw RuntimeOption values.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

func (f *Flow) Instruments(opts ...InputOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Record applies the output options and builds a Runtime ready to start.
func (f *Flow) Record(opts ...OutputOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for Record + Runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...OutputOption) error {
	rt, err := f.Record(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// InputTransports routes transport descriptors through open, e.g. to bench
// simulators.
func InputTransports(open TransportOpener) InputOption {
	return func(f *Flow) {
		if f != nil && open != nil {
			f.appendOptions(WithTransportOpener(open))
		}
	}
}

func InputDrivers(factory DriverFactory) InputOption {
	return func(f *Flow) {
		if f != nil && factory != nil {
			f.appendOptions(WithDriverFactory(factory))
		}
	}
}

func OutputSink(s Sink) OutputOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithSink(s))
		}
	}
}

// OutputBatches records through a sink built from fn. Batches arrive in
// recording order and survive restarts through the WAL.
func OutputBatches(name string, fn SampleBatchFunc) OutputOption {
	return func(f *Flow) {
		if f != nil && fn != nil {
			f.appendOptions(WithSink(NewCallbackSink(name, fn)))
		}
	}
}

// OutputCallback calls fn for every sample on the bus. A slow fn loses the
// oldest samples rather than stalling acquisition.
func OutputCallback(name string, fn SampleFunc) OutputOption {
	return func(f *Flow) {
		if f != nil && fn != nil {
			f.appendOptions(WithConsumer(NewCallbackConsumer(name, fn), 0, DropOldest))
		}
	}
}

func OutputConsumer(c Consumer, capacity int, policy BusPolicy) OutputOption {
	return func(f *Flow) {
		if f != nil && c != nil {
			f.appendOptions(WithConsumer(c, capacity, policy))
		}
	}
}

func OutputTransformer(tr Transformer) OutputOption {
	return func(f *Flow) {
		if f != nil && tr != nil {
			f.appendOptions(WithTransformer(tr))
		}
	}
}

func OutputObservability(obs Observability) OutputOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
