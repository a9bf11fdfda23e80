package commandflow

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/commandflow/internal/runtime"
	"github.com/drblury/commandflow/internal/runtime/codec"
	configpkg "github.com/drblury/commandflow/internal/runtime/config"
	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/commandflow/internal/runtime/handlers"
	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/masterjob"
	metadatapkg "github.com/drblury/commandflow/internal/runtime/metadata"
	"github.com/drblury/commandflow/internal/runtime/outgoing"
	"github.com/drblury/commandflow/internal/runtime/payload"
	"github.com/drblury/commandflow/internal/runtime/schedule"
	"github.com/drblury/commandflow/internal/runtime/scheduler"
	transportpkg "github.com/drblury/commandflow/internal/runtime/transport"
	newtransport "github.com/drblury/commandflow/transport"
)

type (
	Config              = configpkg.Config
	TransportSettings   = configpkg.TransportConfig
	OutgoingSettings    = configpkg.OutgoingConfig
	PollSettings        = configpkg.PollConfig
	ListenerConfig      = configpkg.ListenerConfig
	RetryConfig         = configpkg.RetryConfig
	MetricsConfig       = configpkg.MetricsConfig
	WebUIConfig         = configpkg.WebUIConfig
	SchedulerConfig     = scheduler.Config
	Reservation         = scheduler.Reservation
	MasterJobConfig     = masterjob.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = transportpkg.Factory
	TransportFactoryFn  = transportpkg.FactoryFunc

	// Payload model
	Header    = payload.Header
	Route     = payload.Route
	Message   = payload.Message
	Payload   = payload.Payload
	Responses = payload.Responses

	// Commands
	Registration            = dispatch.Registration
	HandlerFunc             = dispatch.HandlerFunc
	ErrorHandlerFunc        = dispatch.ErrorHandlerFunc
	Middleware              = dispatch.Middleware
	CommandInfo             = dispatch.CommandInfo
	Command[RQ, RS any]     = handlerpkg.Command[RQ, RS]
	CommandFunc[RQ, RS any] = handlerpkg.CommandFunc[RQ, RS]
	CommandContext[RQ any]  = handlerpkg.Context[RQ]
	MessageContextBase      = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Outgoing requests
	RequestSettings    = outgoing.RequestSettings
	Response[RS any]   = outgoing.Response[RS]
	OutgoingEvent      = outgoing.Event
	OutgoingStatistics = outgoing.Stats

	// Master jobs
	MasterJob   = masterjob.Job
	MasterState = masterjob.State

	// Schedules
	Schedule = schedule.Schedule

	// Serialization
	Serializer          = codec.Serializer
	JSONSerializer      = codec.JSON
	ProtoSerializer     = codec.Proto
	ProtoJSONSerializer = codec.ProtoJSON
	SerializerRegistry  = codec.Registry

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	DispatchError         = errspkg.DispatchError
	ValidationError       = runtimepkg.ValidationError

	// Statistics
	Statistics           = runtimepkg.Statistics
	CommandStatistics    = runtimepkg.CommandStatistics
	CommandStatsSnapshot = runtimepkg.CommandStatsSnapshot
	Metrics              = runtimepkg.Metrics

	// Job lifecycle hooks
	JobContext     = runtimepkg.JobContext
	JobHooks       = runtimepkg.JobHooks
	TaskContext    = scheduler.TaskContext
	SchedulerHooks = scheduler.Hooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Modular transport types
	Transport             = newtransport.Transport
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
	TransmitError         = newtransport.TransmitError
	TransmitErrorClass    = newtransport.ErrorClass
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewHeader   = payload.NewHeader
	ParseHeader = payload.ParseHeader
	NewMessage  = payload.NewMessage
	NewPayload  = payload.New
	Topic       = payload.Topic

	RegisterCommand       = runtimepkg.RegisterCommand
	UnregisterCommand     = runtimepkg.UnregisterCommand
	RegisterMasterCommand = runtimepkg.RegisterMasterCommand
	RegisterMasterJob     = runtimepkg.RegisterMasterJob
	AddMasterJob          = runtimepkg.AddMasterJob
	RegisterSchedule      = runtimepkg.RegisterSchedule

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	StatsMiddleware         = runtimepkg.StatsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	DefaultErrorClassifier = runtimepkg.DefaultErrorClassifier
	DefaultReservations    = scheduler.DefaultReservations
	NewSerializerRegistry  = codec.NewRegistry

	// Transports
	DefaultTransportFactory  = transportpkg.DefaultFactory
	RegistryTransportFactory = transportpkg.RegistryFactory
	StaticTransport          = transportpkg.Static
	GetCapabilities          = newtransport.GetCapabilities
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	ErrServiceRequired        = errspkg.ErrServiceRequired
	ErrHandlerRequired        = errspkg.ErrHandlerRequired
	ErrChannelRequired        = errspkg.ErrChannelRequired
	ErrDuplicateCommand       = errspkg.ErrDuplicateCommand
	ErrCommandNotSupported    = errspkg.ErrCommandNotSupported
	ErrDuplicateCorrelationID = errspkg.ErrDuplicateCorrelationID
	ErrTrackerNotStarted      = errspkg.ErrTrackerNotStarted
	ErrTaskKilled             = errspkg.ErrTaskKilled
	ErrNotMaster              = errspkg.ErrNotMaster
	ErrPublisherRequired      = errspkg.ErrPublisherRequired
	ErrSubscriberRequired     = errspkg.ErrSubscriberRequired
	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrPayloadRequired        = errspkg.ErrPayloadRequired
	ErrInvalidRequestBody     = errspkg.ErrInvalidRequestBody

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewDiscardLogger          = loggingpkg.NewDiscardLogger

	NewMetadata = metadatapkg.New

	CreateULID   = idspkg.CreateULID
	NewServiceID = idspkg.NewServiceID
)

// Outgoing request status codes reported in Response.Status.
const (
	StatusOK              = outgoing.StatusOK
	StatusAccepted        = outgoing.StatusAccepted
	StatusTimeout         = outgoing.StatusTimeout
	StatusCancelled       = outgoing.StatusCancelled
	StatusDecodeError     = outgoing.StatusDecodeError
	StatusTransmitFailure = outgoing.StatusTransmitFailure
	StatusFault           = outgoing.StatusFault

	DefaultPriority = payload.DefaultPriority
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryDispatch   = runtimepkg.ErrorCategoryDispatch
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func RegisterTypedCommand[RQ, RS any](svc *Service, cmd Command[RQ, RS]) error {
	return runtimepkg.RegisterTypedCommand(svc, cmd)
}

func RegisterJSONCommand[RQ, RS any](svc *Service, name string, key Header, fn CommandFunc[RQ, RS]) error {
	return runtimepkg.RegisterJSONCommand(svc, name, key, fn)
}

func RegisterProtoCommand[RQ, RS proto.Message](svc *Service, name string, key Header, fn CommandFunc[RQ, RS]) error {
	return runtimepkg.RegisterProtoCommand(svc, name, key, fn)
}

// Request sends rq to the command at header and waits for its decoded reply.
// Timeouts and transmit failures are reported through Response.Status.
func Request[RQ, RS any](ctx context.Context, svc *Service, header Header, rq RQ, settings *RequestSettings) (Response[RS], error) {
	return runtimepkg.Request[RQ, RS](ctx, svc, header, rq, settings)
}

func RequestAsync[RQ any](ctx context.Context, svc *Service, header Header, rq RQ, settings *RequestSettings) (Response[struct{}], error) {
	return runtimepkg.RequestAsync(ctx, svc, header, rq, settings)
}

// Decode unmarshals data with s, or JSON when s is nil.
func Decode[T any](s Serializer, data []byte) (T, error) {
	return codec.Decode[T](s, data)
}

// WithWaitTime returns request settings with the time-to-live overridden.
func WithWaitTime(d time.Duration) *RequestSettings {
	return &RequestSettings{WaitTime: d}
}
