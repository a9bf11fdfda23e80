// Package handlers builds dispatcher registrations from typed command
// functions. Request decoding and response encoding go through a
// codec.Serializer chosen at compile time, so no reflection is involved.
package handlers

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/commandflow/internal/runtime/codec"
	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// Reply statuses written on responses produced by typed commands.
const (
	StatusOK    = 200
	StatusError = 500
)

// CommandFunc handles a decoded request and returns the response body.
type CommandFunc[RQ, RS any] func(ctx context.Context, c Context[RQ]) (RS, error)

// Command describes a typed command registration.
type Command[RQ, RS any] struct {
	Name string
	Key  payload.Header
	// Serializer encodes both request and response. JSON when nil.
	Serializer codec.Serializer
	Handler    CommandFunc[RQ, RS]
	// DeadLetter handles payloads that exceeded their delivery count.
	DeadLetter CommandFunc[RQ, RS]
	OnError    dispatch.ErrorHandlerFunc
	// ReplyOnError sends an error response to the requester before the
	// handler error propagates, so the caller does not wait for its timeout.
	ReplyOnError bool
}

// Registration converts the command into a dispatcher registration.
func (c Command[RQ, RS]) Registration(log loggingpkg.ServiceLogger) (dispatch.Registration, error) {
	if c.Handler == nil {
		return dispatch.Registration{}, errspkg.ErrHandlerRequired
	}
	if err := c.Key.Validate(); err != nil {
		return dispatch.Registration{}, err
	}
	name := c.Name
	if name == "" {
		name = c.Key.String()
	}
	log = loggingpkg.Component(log, "command").With(loggingpkg.LogFields{"command": name})
	reg := dispatch.Registration{
		Name:    name,
		Key:     c.Key,
		Handler: Build(c.Serializer, c.Handler, log, c.ReplyOnError),
		OnError: c.OnError,
	}
	if c.DeadLetter != nil {
		reg.DeadLetter = Build(c.Serializer, c.DeadLetter, log, false)
	}
	return reg, nil
}

// Build adapts a typed command function to a dispatcher handler. The
// response is sent only when the request carries a response route.
func Build[RQ, RS any](s codec.Serializer, fn CommandFunc[RQ, RS], log loggingpkg.ServiceLogger, replyOnError bool) dispatch.HandlerFunc {
	if s == nil {
		s = codec.JSON{}
	}
	log = loggingpkg.OrDiscard(log)
	return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
		if rq == nil || rq.Message == nil {
			return errspkg.ErrPayloadRequired
		}
		body, err := decodeRequest[RQ](s, rq.Message.Body)
		if err != nil {
			return err
		}
		rq.Trace("decoded", s.ContentType())

		c := Context[RQ]{
			MessageContextBase: MessageContextBase{
				Payload:    rq,
				Metadata:   rq.Message.Metadata,
				Logger:     log,
				serializer: s,
				responses:  rs,
			},
			Request: body,
		}
		out, err := fn(ctx, c)
		if err != nil {
			if replyOnError {
				reply(rq, rs, StatusError, err.Error(), nil, "")
			}
			return err
		}
		if rq.Message.Response.IsEmpty() {
			return nil
		}
		data, contentType, err := codec.Encode(s, out)
		if err != nil {
			return err
		}
		reply(rq, rs, StatusOK, "", data, contentType)
		return nil
	}
}

func decodeRequest[RQ any](s codec.Serializer, body []byte) (RQ, error) {
	if len(body) == 0 {
		var zero RQ
		if _, ok := any(zero).(proto.Message); !ok {
			return zero, nil
		}
		// an empty binary message is a valid, fully defaulted proto
		return codec.Decode[RQ](codec.Proto{}, nil)
	}
	out, err := codec.Decode[RQ](s, body)
	if err != nil {
		return out, fmt.Errorf("%w: %w", errspkg.ErrInvalidRequestBody, err)
	}
	return out, nil
}

func reply(rq *payload.Payload, rs *payload.Responses, status int, description string, body []byte, contentType string) {
	if rs == nil || rq.Message.Response.IsEmpty() {
		return
	}
	out := rq.Reply(strconv.Itoa(status), body, contentType)
	out.Message.StatusDescription = description
	rs.Add(out)
}

// JSONCommand registers a command whose request and response are JSON.
func JSONCommand[RQ, RS any](name string, key payload.Header, fn CommandFunc[RQ, RS], log loggingpkg.ServiceLogger) (dispatch.Registration, error) {
	return Command[RQ, RS]{Name: name, Key: key, Serializer: codec.JSON{}, Handler: fn}.Registration(log)
}

// ProtoCommand registers a command whose request and response are protobuf
// messages in the binary wire format.
func ProtoCommand[RQ, RS proto.Message](name string, key payload.Header, fn CommandFunc[RQ, RS], log loggingpkg.ServiceLogger) (dispatch.Registration, error) {
	return Command[RQ, RS]{Name: name, Key: key, Serializer: codec.Proto{}, Handler: fn}.Registration(log)
}
