package supervisor

import (
	"time"

	"github.com/drblury/flowbind/internal/runtime/logging"
)

// PipelineInfo identifies the pipeline a hook fires for.
type PipelineInfo struct {
	// Key is the supervisor key of the pipeline.
	Key Key
	// Binding is the qualified binding name (handler.binding).
	Binding string
	// Topic is the logical topic.
	Topic string
	// Partition is the partition, or binding.NoPartition.
	Partition int
	// Mode is the acknowledgement mode of the binding.
	Mode string
}

// Hooks defines callbacks for pipeline lifecycle events.
// All hooks are optional - nil hooks are simply not called.
// Hooks run on the pipeline goroutine and must not block.
type Hooks struct {
	// OnStart is called every time the pipeline opens its streams.
	OnStart func(info PipelineInfo)

	// OnHealthy is called after the first element exchange of a run.
	OnHealthy func(info PipelineInfo)

	// OnHandlerFault is called when application code failed or panicked.
	OnHandlerFault func(info PipelineInfo, err error)

	// OnRestart is called before the pipeline sleeps for delay and restarts.
	// attempt counts consecutive failures, starting at 1.
	OnRestart func(info PipelineInfo, attempt int, delay time.Duration, err error)

	// OnFatal is called once when the pipeline gives up. err is a
	// *errors.FatalSupervisionError or an incomparable offsets error.
	OnFatal func(info PipelineInfo, err error)

	// OnStop is called when the pipeline reached Stopped.
	OnStop func(info PipelineInfo)
}

// Merge combines two Hooks, creating a new Hooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart:        chainInfoHooks(h.OnStart, other.OnStart),
		OnHealthy:      chainInfoHooks(h.OnHealthy, other.OnHealthy),
		OnHandlerFault: chainErrorHooks(h.OnHandlerFault, other.OnHandlerFault),
		OnRestart:      chainRestartHooks(h.OnRestart, other.OnRestart),
		OnFatal:        chainErrorHooks(h.OnFatal, other.OnFatal),
		OnStop:         chainInfoHooks(h.OnStop, other.OnStop),
	}
}

func chainInfoHooks(a, b func(PipelineInfo)) func(PipelineInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info PipelineInfo) {
		a(info)
		b(info)
	}
}

func chainErrorHooks(a, b func(PipelineInfo, error)) func(PipelineInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info PipelineInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

func chainRestartHooks(a, b func(PipelineInfo, int, time.Duration, error)) func(PipelineInfo, int, time.Duration, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info PipelineInfo, attempt int, delay time.Duration, err error) {
		a(info, attempt, delay, err)
		b(info, attempt, delay, err)
	}
}

// LoggingHooks returns pre-built hooks that log pipeline lifecycle events.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	log = logging.OrNop(log)
	fields := func(info PipelineInfo) logging.LogFields {
		return logging.PartitionFields(info.Binding, info.Partition).With(logging.FieldTopic, info.Topic)
	}
	return Hooks{
		OnStart: func(info PipelineInfo) {
			log.Info("Pipeline started", fields(info))
		},
		OnHealthy: func(info PipelineInfo) {
			log.Debug("Pipeline healthy", fields(info))
		},
		OnHandlerFault: func(info PipelineInfo, err error) {
			log.Error("Handler fault", err, fields(info))
		},
		OnRestart: func(info PipelineInfo, attempt int, delay time.Duration, err error) {
			f := fields(info)
			f["attempt"] = attempt
			f["delay_ms"] = delay.Milliseconds()
			log.Error("Pipeline restarting", err, f)
		},
		OnFatal: func(info PipelineInfo, err error) {
			log.Error("Pipeline stopped permanently", err, fields(info))
		},
		OnStop: func(info PipelineInfo) {
			log.Info("Pipeline stopped", fields(info))
		},
	}
}

// AlertingHooks returns pre-built hooks that call alert on handler faults and
// fatal stops.
func AlertingHooks(alert func(info PipelineInfo, err error)) Hooks {
	return Hooks{
		OnHandlerFault: alert,
		OnFatal:        alert,
	}
}
