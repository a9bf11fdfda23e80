package outgoing

import (
	"strconv"
	"time"

	"github.com/drblury/commandflow/internal/runtime/codec"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// Status codes reported in Response.Status.
const (
	StatusOK              = 200
	StatusAccepted        = 202
	StatusTimeout         = 408
	StatusCancelled       = 499
	StatusDecodeError     = 500
	StatusTransmitFailure = 502
	StatusFault           = 504
)

// StatusText returns a short description of a tracker status code.
func StatusText(status int) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusAccepted:
		return "accepted"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	case StatusDecodeError:
		return "decode error"
	case StatusTransmitFailure:
		return "transmit failure"
	case StatusFault:
		return "remote fault"
	default:
		return "status " + strconv.Itoa(status)
	}
}

// Response is the typed outcome of an outgoing request. Callers always get
// one; Status tells success from timeout, cancellation or failure.
type Response[RS any] struct {
	Status            int
	StatusDescription string
	CorrelationID     string
	RemoteStatus      string
	Body              RS
	Raw               *payload.Payload
	Elapsed           time.Duration
}

// OK reports whether the request completed with a decoded response.
func (r Response[RS]) OK() bool {
	return r.Status == StatusOK
}

// remoteSucceeded treats an empty or 2xx remote status as success.
func remoteSucceeded(status string) bool {
	if status == "" {
		return true
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return false
	}
	return code >= 200 && code < 300
}

func buildResponse[RS any](registry *codec.Registry, rec *Record, out outcome) Response[RS] {
	resp := Response[RS]{
		Status:            out.status,
		StatusDescription: out.description,
		CorrelationID:     rec.ID,
		Raw:               out.response,
		Elapsed:           out.at.Sub(rec.Start),
	}
	if out.status != StatusOK || out.response == nil {
		if resp.StatusDescription == "" {
			resp.StatusDescription = StatusText(out.status)
		}
		return resp
	}

	msg := out.response.Message
	resp.RemoteStatus = msg.Status
	if !remoteSucceeded(msg.Status) {
		resp.Status = StatusFault
		resp.StatusDescription = msg.StatusDescription
		if resp.StatusDescription == "" {
			resp.StatusDescription = StatusText(StatusFault)
		}
		return resp
	}
	if len(msg.Body) == 0 {
		return resp
	}
	body, err := codec.Decode[RS](registry.Lookup(msg.ContentType), msg.Body)
	if err != nil {
		resp.Status = StatusDecodeError
		resp.StatusDescription = err.Error()
		return resp
	}
	resp.Body = body
	return resp
}
