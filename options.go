package stratus

import (
	"fmt"
	"time"

	"github.com/stratusfn/stratus/internal/compute"
	"github.com/stratusfn/stratus/internal/config"
	"github.com/stratusfn/stratus/internal/future"
	"github.com/stratusfn/stratus/internal/monitor"
	"github.com/stratusfn/stratus/internal/storage"
)

// Option configures a FunctionExecutor at construction.
type Option func(*FunctionExecutor) error

// WithConfig supplies a complete configuration. Without it the defaults
// apply.
func WithConfig(cfg *config.Config) Option {
	return func(ex *FunctionExecutor) error {
		if cfg == nil {
			return fmt.Errorf("nil configuration")
		}
		ex.cfg = cfg
		return nil
	}
}

// WithConfigFile loads the configuration from a JSON or YAML file and
// applies environment overrides on top.
func WithConfigFile(path string) Option {
	return func(ex *FunctionExecutor) error {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return err
		}
		cfg.ApplyEnv()
		ex.cfg = cfg
		return nil
	}
}

// WithStore injects a status store, overriding the backend selected by the
// configuration.
func WithStore(store storage.Store) Option {
	return func(ex *FunctionExecutor) error {
		ex.store = store
		return nil
	}
}

// WithComputeHandles injects compute backends. With more than one, the
// scheduler picks per dispatch.
func WithComputeHandles(handles ...compute.Handle) Option {
	return func(ex *FunctionExecutor) error {
		if len(handles) == 0 {
			return fmt.Errorf("no compute handles given")
		}
		ex.handles = handles
		return nil
	}
}

// WithCompletionChannel switches completion monitoring from status-store
// polling to the given publish/subscribe channel.
func WithCompletionChannel(ch monitor.CompletionChannel) Option {
	return func(ex *FunctionExecutor) error {
		ex.channel = ch
		return nil
	}
}

// WithExecutorID fixes the executor id instead of generating one. Useful
// for attaching to the artifacts of a previous run.
func WithExecutorID(id string) Option {
	return func(ex *FunctionExecutor) error {
		if id == "" {
			return fmt.Errorf("empty executor id")
		}
		ex.executorID = id
		return nil
	}
}

// WithMonitorCadence overrides the completion monitor's polling cadence.
func WithMonitorCadence(initialDelay, pollInterval time.Duration) Option {
	return func(ex *FunctionExecutor) error {
		ex.monitorDelay = initialDelay
		ex.monitorPoll = pollInterval
		return nil
	}
}

// WithFutureOptions applies options to every future the executor creates.
func WithFutureOptions(opts ...future.Option) Option {
	return func(ex *FunctionExecutor) error {
		ex.futureOpts = opts
		return nil
	}
}
