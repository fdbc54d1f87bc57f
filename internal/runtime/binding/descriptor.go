// Package binding describes how handler methods attach to topics: the
// declaration builders applications use, the immutable descriptors the runtime
// runs, and the registry that validates one into the other.
package binding

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/time/rate"

	"github.com/drblury/flowbind/internal/runtime/codec"
	"github.com/drblury/flowbind/internal/runtime/envelope"
	"github.com/drblury/flowbind/internal/runtime/offset"
)

// NoPartition marks an unpartitioned pipeline.
const NoPartition = -1

// Direction says whether a binding writes to or reads from its topic.
type Direction int

const (
	Publishes Direction = iota + 1
	Subscribes
)

func (d Direction) String() string {
	switch d {
	case Publishes:
		return "publisher"
	case Subscribes:
		return "subscriber"
	}
	return "unknown"
}

// Element says whether stream elements are bare messages or envelopes.
type Element int

const (
	ElementMessage Element = iota + 1
	ElementEnvelope
)

func (e Element) String() string {
	if e == ElementEnvelope {
		return "envelope"
	}
	return "message"
}

// AckMode is derived from direction and element shape.
type AckMode int

const (
	// AckAtMostOnce commits each delivery before the handler sees it.
	AckAtMostOnce AckMode = iota + 1
	// AckImplicit commits a delivery when the processor emits its Done token.
	AckImplicit
	// AckExplicit commits a delivery when the handler calls Envelope.Commit.
	AckExplicit
	// AckResumable saves a publisher's offset once the transport confirms the write.
	AckResumable
	// AckFireAndForget publishes without tracking offsets.
	AckFireAndForget
)

func (m AckMode) String() string {
	switch m {
	case AckAtMostOnce:
		return "at-most-once"
	case AckImplicit:
		return "at-least-once-implicit"
	case AckExplicit:
		return "at-least-once-explicit"
	case AckResumable:
		return "resumable"
	case AckFireAndForget:
		return "fire-and-forget"
	}
	return "unknown"
}

// AtLeastOnce reports whether abandoned deliveries are redelivered.
func (m AckMode) AtLeastOnce() bool {
	return m == AckImplicit || m == AckExplicit
}

// Param is a value a binding asks the runtime to hand it.
type Param int

const (
	// ParamOffset receives the last confirmed offset. Publishers only.
	ParamOffset Param = iota + 1
	// ParamPartition receives the partition index of the pipeline.
	ParamPartition
)

func (p Param) String() string {
	switch p {
	case ParamOffset:
		return "offset"
	case ParamPartition:
		return "partition"
	}
	return fmt.Sprintf("param(%d)", int(p))
}

// Done is the acknowledgement token a processor emits once per input.
type Done struct{}

// Invocation carries the declared parameters into a binding.
type Invocation struct {
	Partition int
	Offset    offset.Offset
}

type invocationKey struct{}

// WithInvocation stores inv on ctx. Subscribers read it with InvocationFromContext.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the invocation of the running pipeline.
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// PartitionFromContext returns the partition of the running pipeline, or
// NoPartition.
func PartitionFromContext(ctx context.Context) int {
	if inv, ok := InvocationFromContext(ctx); ok {
		return inv.Partition
	}
	return NoPartition
}

type (
	sourceFunc    func(ctx context.Context, inv Invocation) (<-chan envelope.Envelope[any], error)
	sinkFunc      func(ctx context.Context, in <-chan envelope.Envelope[any]) error
	processorFunc func(ctx context.Context, in <-chan envelope.Envelope[any]) <-chan Done
	decodeFunc    func(data []byte) (any, error)
)

var errNoStream = errors.New("flowbind: publisher returned no stream")

// Descriptor is the validated, immutable description of one binding.
type Descriptor struct {
	// ID is unique for the process lifetime.
	ID string
	// Name is the binding name, stable across restarts.
	Name string
	// Handler names the owning handler.
	Handler        string
	Topic          string
	Direction      Direction
	Element        Element
	Mode           AckMode
	Partitioned    bool
	PartitionCount int
	Codec          codec.Codec

	params    []Param
	rateLimit rate.Limit
	burst     int

	source    sourceFunc
	sink      sinkFunc
	processor processorFunc
	decode    decodeFunc
}

// QualifiedName is "<handler>.<name>", used as the offset store group.
func (d Descriptor) QualifiedName() string {
	return d.Handler + "." + d.Name
}

// Params returns the declared parameters.
func (d Descriptor) Params() []Param {
	return slices.Clone(d.params)
}

func (d Descriptor) HasParam(p Param) bool {
	return slices.Contains(d.params, p)
}

// ExternallyPartitioned reports a partitioned binding without a declared count.
// Such bindings run as a single pipeline.
func (d Descriptor) ExternallyPartitioned() bool {
	return d.Partitioned && d.PartitionCount <= 0
}

// Coordinated reports whether partition ownership is decided by the coordinator.
func (d Descriptor) Coordinated() bool {
	return d.Partitioned && d.PartitionCount > 0
}

// Invocation builds the parameters for a pipeline on partition p resuming from
// stored.
func (d Descriptor) Invocation(p int, stored offset.Offset) Invocation {
	inv := Invocation{Partition: NoPartition}
	if d.HasParam(ParamPartition) {
		inv.Partition = p
	}
	if d.HasParam(ParamOffset) {
		inv.Offset = stored
	}
	return inv
}

// NewLimiter returns a fresh rate limiter, or nil when the binding is unthrottled.
func (d Descriptor) NewLimiter() *rate.Limiter {
	if d.rateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(d.rateLimit, max(d.burst, 1))
}

// OpenSource invokes a publisher binding.
func (d Descriptor) OpenSource(ctx context.Context, inv Invocation) (<-chan envelope.Envelope[any], error) {
	if d.source == nil {
		return nil, fmt.Errorf("flowbind: %s is not a publisher", d.QualifiedName())
	}
	return d.source(WithInvocation(ctx, inv), inv)
}

// RunSink drives an at-most-once or explicit-commit subscriber until in closes
// or the handler returns.
func (d Descriptor) RunSink(ctx context.Context, inv Invocation, in <-chan envelope.Envelope[any]) error {
	if d.sink == nil {
		return fmt.Errorf("flowbind: %s has no sink", d.QualifiedName())
	}
	return d.sink(WithInvocation(ctx, inv), in)
}

// RunProcessor starts an implicit-ack subscriber and returns its token stream.
func (d Descriptor) RunProcessor(ctx context.Context, inv Invocation, in <-chan envelope.Envelope[any]) <-chan Done {
	if d.processor == nil {
		return nil
	}
	return d.processor(WithInvocation(ctx, inv), in)
}

// Encode serialises a message with the binding codec.
func (d Descriptor) Encode(msg any) ([]byte, error) {
	return d.Codec.Marshal(msg)
}

// Decode deserialises a payload into the binding's message type.
func (d Descriptor) Decode(data []byte) (any, error) {
	return d.decode(data)
}
