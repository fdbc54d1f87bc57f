package flowbind

import (
	"context"

	runtimepkg "github.com/drblury/flowbind/internal/runtime"
	"github.com/drblury/flowbind/internal/runtime/binding"
	clientpkg "github.com/drblury/flowbind/internal/runtime/client"
	codecpkg "github.com/drblury/flowbind/internal/runtime/codec"
	configpkg "github.com/drblury/flowbind/internal/runtime/config"
	envelopepkg "github.com/drblury/flowbind/internal/runtime/envelope"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	idspkg "github.com/drblury/flowbind/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbind/internal/runtime/logging"
	"github.com/drblury/flowbind/internal/runtime/membership"
	metadatapkg "github.com/drblury/flowbind/internal/runtime/metadata"
	offsetpkg "github.com/drblury/flowbind/internal/runtime/offset"
	"github.com/drblury/flowbind/internal/runtime/offsetstore"
	"github.com/drblury/flowbind/internal/runtime/partition"
	"github.com/drblury/flowbind/internal/runtime/supervisor"
	transportpkg "github.com/drblury/flowbind/internal/runtime/transport"
	newtransport "github.com/drblury/flowbind/transport"
)

type (
	Config             = configpkg.Config
	Broker             = runtimepkg.Broker
	BrokerDependencies = runtimepkg.BrokerDependencies
	StatusResponse     = runtimepkg.StatusResponse
	Transport          = transportpkg.Transport
	TransportFactory   = transportpkg.Factory

	Handler         = binding.Handler
	NamedHandler    = binding.NamedHandler
	Declaration     = binding.Declaration
	Descriptor      = binding.Descriptor
	Invocation      = binding.Invocation
	Param           = binding.Param
	AckMode         = binding.AckMode
	Done            = binding.Done
	Envelope[M any] = envelopepkg.Envelope[M]
	Offset          = offsetpkg.Offset
	Ordering        = offsetpkg.Ordering
	Codec           = codecpkg.Codec
	Metadata        = metadatapkg.Metadata

	ClientFactory        = clientpkg.Factory
	ClientOption         = clientpkg.Option
	Publisher[M any]     = clientpkg.Publisher[M]
	PublishStream[M any] = clientpkg.PublishStream[M]
	Subscriber[M any]    = clientpkg.Subscriber[M]
	Subscription[M any]  = clientpkg.Subscription[M]

	Hooks          = supervisor.Hooks
	PipelineInfo   = supervisor.PipelineInfo
	PipelineStatus = supervisor.PipelineStatus
	PipelineState  = supervisor.State
	PipelineKey    = supervisor.Key

	Membership     = membership.Membership
	MembershipView = membership.View
	NATSMembership = membership.NATSOptions
	LocalGroup     = membership.LocalGroup
	Lease          = membership.Lease
	LeaseTable     = membership.LeaseTable
	Assignment     = partition.Snapshot
	OffsetStore    = offsetstore.Store
	OffsetStoreKey = offsetstore.Key
	PebbleOptions  = offsetstore.PebbleOptions

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError    = errspkg.ConfigValidationError
	BindingValidationError   = errspkg.BindingValidationError
	ValidationErrors         = errspkg.ValidationErrors
	IncomparableOffsetsError = errspkg.IncomparableOffsetsError
	TransportError           = errspkg.TransportError
	HandlerFault             = errspkg.HandlerFault
	FatalSupervisionError    = errspkg.FatalSupervisionError

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

const (
	NoPartition    = binding.NoPartition
	ParamOffset    = binding.ParamOffset
	ParamPartition = binding.ParamPartition

	AckAtMostOnce    = binding.AckAtMostOnce
	AckImplicit      = binding.AckImplicit
	AckExplicit      = binding.AckExplicit
	AckResumable     = binding.AckResumable
	AckFireAndForget = binding.AckFireAndForget

	OffsetLess         = offsetpkg.Less
	OffsetEqual        = offsetpkg.Equal
	OffsetGreater      = offsetpkg.Greater
	OffsetIncomparable = offsetpkg.Incomparable

	Starting   = supervisor.Starting
	Running    = supervisor.Running
	Draining   = supervisor.Draining
	Stopped    = supervisor.Stopped
	Restarting = supervisor.Restarting
)

var (
	NoOffset       = offsetpkg.None
	SequenceOffset = offsetpkg.Sequence
	TimeUUIDOffset = offsetpkg.TimeUUID
	CompareOffsets = offsetpkg.Compare
	ParseOffset    = offsetpkg.Parse
	PartitionOf    = binding.PartitionFromContext
	InvocationOf   = binding.InvocationFromContext
	WithInvocation = binding.WithInvocation

	JSON         = codecpkg.JSON
	Proto        = codecpkg.Proto
	Raw          = codecpkg.Raw
	CodecForName = codecpkg.ForName

	Partitioned = clientpkg.Partitioned
	WithCodec   = clientpkg.WithCodec
	Named       = clientpkg.Named

	LoggingHooks  = supervisor.LoggingHooks
	AlertingHooks = supervisor.AlertingHooks

	NewStaticMembership = membership.NewStatic
	NewLocalGroup       = membership.NewLocalGroup
	NewMemoryLeases     = membership.NewMemoryLeases
	NewMemoryStore      = offsetstore.NewMemory
	NewPebbleStore      = offsetstore.NewPebble
	NewSQLiteStore      = offsetstore.NewSQLite
	NewPostgresStore    = offsetstore.NewPostgres
	OpenOffsetStore     = offsetstore.Open

	StaticTransport         = transportpkg.Static
	DefaultTransportFactory = transportpkg.DefaultFactory

	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrTransportRequired   = errspkg.ErrTransportRequired
	ErrBrokerClosed        = errspkg.ErrBrokerClosed
	ErrUnknownBinding      = errspkg.ErrUnknownBinding
	ErrPartitionOutOfRange = errspkg.ErrPartitionOutOfRange
	ErrHandlerStopped      = errspkg.ErrHandlerStopped
	ErrStreamClosed        = errspkg.ErrStreamClosed
	ErrBindingValidation   = errspkg.ErrBindingValidation
	ErrIncomparableOffsets = errspkg.ErrIncomparableOffsets
	ErrTransport           = errspkg.ErrTransport
	ErrHandlerFault        = errspkg.ErrHandlerFault
	ErrFatalSupervision    = errspkg.ErrFatalSupervision

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewNodeID  = idspkg.NewNodeID
)

// NewBroker validates conf and builds a broker. Register handlers, then call
// Start or Run.
func NewBroker(ctx context.Context, conf *Config, log ServiceLogger, deps BrokerDependencies) (*Broker, error) {
	return runtimepkg.NewBroker(ctx, conf, log, deps)
}

// NewNATSMembership joins the heartbeat group described by opts.
func NewNATSMembership(ctx context.Context, opts NATSMembership) (Membership, error) {
	return membership.NewNATS(ctx, opts)
}

// Binding builders.

func PublishMessages[M any](topic string, fn func(ctx context.Context, inv Invocation) (<-chan M, error)) *Declaration {
	return binding.Publisher[M](topic, fn)
}

func PublishEnvelopes[M any](topic string, fn func(ctx context.Context, inv Invocation) (<-chan Envelope[M], error)) *Declaration {
	return binding.EnvelopePublisher[M](topic, fn)
}

func SubscribeMessages[M any](topic string, fn func(ctx context.Context, in <-chan M) error) *Declaration {
	return binding.Subscriber[M](topic, fn)
}

func ProcessMessages[M any](topic string, fn func(ctx context.Context, in <-chan M) <-chan Done) *Declaration {
	return binding.Processor[M](topic, fn)
}

func SubscribeEnvelopes[M any](topic string, fn func(ctx context.Context, in <-chan Envelope[M]) error) *Declaration {
	return binding.EnvelopeSubscriber[M](topic, fn)
}

// Envelope helpers.

func NewEnvelope[M any](msg M) Envelope[M] {
	return envelopepkg.New(msg)
}

func EnvelopeAt[M any](msg M, off Offset) Envelope[M] {
	return envelopepkg.WithOffset(msg, off)
}

func MapEnvelope[M, N any](e Envelope[M], fn func(M) N) Envelope[N] {
	return envelopepkg.Map(e, fn)
}

// Client streams.

func NewPublisher[M any](f *ClientFactory, topic string, opts ...ClientOption) (*Publisher[M], error) {
	return clientpkg.NewPublisher[M](f, topic, opts...)
}

func NewSubscriber[M any](f *ClientFactory, topic string, opts ...ClientOption) (*Subscriber[M], error) {
	return clientpkg.NewSubscriber[M](f, topic, opts...)
}

func Decode[M any](c Codec, data []byte) (M, error) {
	return codecpkg.DecodeAs[M](c, data)
}
