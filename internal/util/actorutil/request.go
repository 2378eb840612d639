package actorutil

import (
	"github.com/berfenger/fieldbridge/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
)

type forRequest struct {
	req domain.ActorRequest
}

type ExtendedRequest interface {
	Respond(ctx actor.Context, resp domain.ActorResponse)
	ReplyTo(ctx actor.Context) *actor.PID
}

func ForRequest(r domain.ActorRequest) ExtendedRequest {
	return forRequest{req: r}
}

// Respond answers to ReplyToRef when set, or to the request sender.
func (r forRequest) Respond(ctx actor.Context, resp domain.ActorResponse) {
	if pid := r.ReplyTo(ctx); pid != nil {
		ctx.Send(pid, resp)
	}
}

func (r forRequest) ReplyTo(ctx actor.Context) *actor.PID {
	if r.req.ReplyTo() != nil {
		return (*actor.PID)(r.req.ReplyTo())
	}
	return ctx.Sender()
}

// ErrorResponse builds the response mixin for err.
func ErrorResponse(err error) domain.ActorResponseMixIn {
	return domain.ActorResponseMixIn{ResponseError: err}
}
