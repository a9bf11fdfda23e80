package runtime

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/masterjob"
	"github.com/drblury/commandflow/internal/runtime/outgoing"
	"github.com/drblury/commandflow/internal/runtime/payload"
	"github.com/drblury/commandflow/internal/runtime/schedule"
)

// RegisterCommand adds a raw command to the service dispatcher. Registration
// may happen before or after Start.
func RegisterCommand(svc *Service, reg dispatch.Registration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if err := svc.dispatcher.Register(reg); err != nil {
		return err
	}
	svc.Logger.Debug("Command registered", logFieldsFor(reg))
	return nil
}

// UnregisterCommand removes the command registered under key.
func UnregisterCommand(svc *Service, key payload.Header) bool {
	if svc == nil {
		return false
	}
	return svc.dispatcher.Unregister(key)
}

// RegisterTypedCommand decodes requests into RQ and encodes RS replies with
// the command's serializer.
func RegisterTypedCommand[RQ, RS any](svc *Service, cmd handlers.Command[RQ, RS]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	reg, err := cmd.Registration(svc.Logger)
	if err != nil {
		return err
	}
	return RegisterCommand(svc, reg)
}

// RegisterJSONCommand is RegisterTypedCommand with the JSON serializer.
func RegisterJSONCommand[RQ, RS any](svc *Service, name string, key payload.Header, fn handlers.CommandFunc[RQ, RS]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	reg, err := handlers.JSONCommand(name, key, fn, svc.Logger)
	if err != nil {
		return err
	}
	return RegisterCommand(svc, reg)
}

// RegisterProtoCommand is RegisterTypedCommand with the protobuf serializer.
func RegisterProtoCommand[RQ, RS proto.Message](svc *Service, name string, key payload.Header, fn handlers.CommandFunc[RQ, RS]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	reg, err := handlers.ProtoCommand(name, key, fn, svc.Logger)
	if err != nil {
		return err
	}
	return RegisterCommand(svc, reg)
}

// RegisterMasterCommand attaches reg to the elected command named
// commandName. The command is only served while this instance is the master.
func RegisterMasterCommand(svc *Service, commandName string, reg dispatch.Registration) error {
	coord, err := masterFor(svc, commandName)
	if err != nil {
		return err
	}
	return coord.AddCommand(reg)
}

// RegisterMasterJob runs job periodically while this instance is the master
// of commandName.
func RegisterMasterJob(svc *Service, commandName string, job masterjob.Job) error {
	coord, err := masterFor(svc, commandName)
	if err != nil {
		return err
	}
	return coord.AddJob(job)
}

// AddMasterJob elects a new command at runtime. The negotiation listener is
// subscribed on Start, so it must be called before Start.
func AddMasterJob(svc *Service, cfg masterjob.Config) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if svc.started.Load() {
		return fmt.Errorf("commandflow: master job %s must be added before Start", cfg.CommandName)
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = svc.Conf.ServiceID
	}
	if _, err := svc.addMasterJob(cfg); err != nil {
		return err
	}
	svc.Conf.MasterJobs = append(svc.Conf.MasterJobs, cfg)
	return nil
}

func masterFor(svc *Service, commandName string) (*masterjob.Coordinator, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	coord, ok := svc.master(commandName)
	if !ok {
		return nil, fmt.Errorf("commandflow: no master job configured for command %q", commandName)
	}
	return coord, nil
}

// RegisterSchedule runs s on its interval for the lifetime of the service.
func RegisterSchedule(svc *Service, s schedule.Schedule) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.runner.Add(s)
}

// Request sends rq to header and waits for the decoded response.
func Request[RQ, RS any](ctx context.Context, svc *Service, header payload.Header, rq RQ, settings *outgoing.RequestSettings) (outgoing.Response[RS], error) {
	if svc == nil {
		return outgoing.Response[RS]{}, errspkg.ErrServiceRequired
	}
	return outgoing.Process[RQ, RS](ctx, svc.tracker, header, rq, settings)
}

// RequestAsync sends rq to header and returns as soon as the transport
// accepted it. The remote side must not reply.
func RequestAsync[RQ any](ctx context.Context, svc *Service, header payload.Header, rq RQ, settings *outgoing.RequestSettings) (outgoing.Response[struct{}], error) {
	if svc == nil {
		return outgoing.Response[struct{}]{}, errspkg.ErrServiceRequired
	}
	return outgoing.ProcessAsync(ctx, svc.tracker, header, rq, settings)
}

func logFieldsFor(reg dispatch.Registration) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"command":     reg.Name,
		"key":         reg.Key.Key(),
		"dead_letter": reg.DeadLetter != nil,
	}
}
