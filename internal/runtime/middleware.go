package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

const tracerName = "github.com/drblury/commandflow"

// MiddlewareBuilder constructs a dispatch middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (dispatch.Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a
// Service dispatcher. A builder returning a nil middleware is skipped.
type MiddlewareRegistration struct {
	Name       string
	Middleware dispatch.Middleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard chain used by the Service
// constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		StatsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware gives every payload a process correlation key so
// emitted payloads and outgoing requests can be tied back to it.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(h dispatch.HandlerFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
		if rq.Message.ProcessCorrelationKey == "" {
			rq.Message.ProcessCorrelationKey = idspkg.CreateULID()
		}
		return h(ctx, rq, rs)
	}
}

// LogMessagesMiddleware logs the header and metadata of handled payloads.
// The service logger is used when logger is nil.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (dispatch.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) dispatch.Middleware {
	return func(h dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
			logger.Debug("Processing payload", loggingpkg.LogFields{
				"payload_id":     rq.ID,
				"header":         rq.Header().Key(),
				"correlation_id": rq.Message.OriginatorKey,
				"source":         rq.Source,
				"metadata":       rq.Message.Metadata,
			})
			return h(ctx, rq, rs)
		}
	}
}

// TracerMiddleware wraps command execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(h dispatch.HandlerFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "commandflow.dispatch")
		defer span.End()

		attrs := []attribute.KeyValue{
			attribute.String("commandflow.payload_id", rq.ID),
			attribute.String("commandflow.header", rq.Header().Key()),
			attribute.Int("commandflow.priority", rq.Priority()),
			attribute.Bool("commandflow.dead_letter", rq.DeadLetter),
		}
		if info, ok := dispatch.CommandFromContext(ctx); ok {
			attrs = append(attrs, attribute.String("commandflow.command", info.Name))
		}
		span.SetAttributes(attrs...)

		err := h(ctx, rq, rs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// StatsMiddleware records per-command statistics and Prometheus metrics.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(s *Service) (dispatch.Middleware, error) {
			return s.statsMiddleware, nil
		},
	}
}

func (s *Service) statsMiddleware(h dispatch.HandlerFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
		info, ok := dispatch.CommandFromContext(ctx)
		if !ok {
			return h(ctx, rq, rs)
		}
		stats := s.commandStats(info.Name)
		start := s.now()
		stats.onStart(rq.Message.EnqueuedAt, start)

		err := h(ctx, rq, rs)

		end := s.now()
		elapsed := end.Sub(start)
		stats.onFinish(end, elapsed, err, rq.DeadLetter, s.errorClassifier)
		s.metrics.dispatched(info.Name, elapsed, err, rq.DeadLetter)
		return err
	}
}

// RetryMiddleware re-runs a failing command with exponential backoff inside
// the payload's processing budget. Responses from failed attempts are
// discarded. Unknown headers and cancellations are never retried. A config
// without limits takes them from the service retry section.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (dispatch.Middleware, error) {
			effective := normalized
			unset := cfg.MaxRetries == 0 && cfg.InitialInterval == 0 && cfg.MaxInterval == 0
			if unset && s.Conf != nil {
				effective.MaxRetries = s.Conf.Retry.MaxRetries
				effective.InitialInterval = s.Conf.Retry.InitialInterval
				effective.MaxInterval = s.Conf.Retry.MaxInterval
				effective = effective.withDefaults()
			}
			return retryMiddleware(effective), nil
		},
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig) dispatch.Middleware {
	return func(h dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval

			attempt := 0
			out, err := backoff.Retry(ctx, func() (*payload.Responses, error) {
				attempt++
				if attempt > 1 {
					rq.Trace("retry", fmt.Sprintf("attempt=%d", attempt))
				}
				local := &payload.Responses{}
				err := h(ctx, rq, local)
				if err == nil {
					return local, nil
				}
				if !shouldRetry(err, cfg.RetryIf) {
					return nil, backoff.Permanent(err)
				}
				return nil, err
			}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxRetries+1)))
			if err != nil {
				return err
			}
			if rs != nil {
				rs.Add(out.Items()...)
			}
			return nil
		}
	}
}

func shouldRetry(err error, retryIf func(error) bool) bool {
	if errors.Is(err, errspkg.ErrCommandNotSupported) ||
		errors.Is(err, errspkg.ErrInvalidRequestBody) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if retryIf != nil {
		return retryIf(err)
	}
	return true
}

// RecovererMiddleware converts handler panics into errors carrying the stack,
// so they can be retried or counted like any other failure.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

func recovererMiddleware(h dispatch.HandlerFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
			}
		}()
		return h(ctx, rq, rs)
	}
}

// RegisterMiddleware attaches the supplied middleware to the dispatcher.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.dispatcher == nil {
		return errors.New("commandflow: dispatcher is not initialised")
	}

	var mw dispatch.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("commandflow: middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	s.dispatcher.Use(mw)
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}
