package handler

import (
	"context"

	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/router"
)

// TaskHandler manages job progress subscriptions.
type TaskHandler struct {
	subs   Subscriptions
	sender Sender
}

func NewTaskHandler(subs Subscriptions, sender Sender) *TaskHandler {
	return &TaskHandler{subs: subs, sender: sender}
}

func (h *TaskHandler) Routes() map[string]router.HandlerFunc {
	return map[string]router.HandlerFunc{
		protocol.TypeSubscribeTask:   h.subscribe,
		protocol.TypeUnsubscribeTask: h.unsubscribe,
	}
}

func bindJob(req router.Request) (string, error) {
	var body protocol.TaskRequest
	if err := req.Message.Bind(&body); err != nil {
		return "", err
	}
	job := body.Job()
	if job == "" {
		perr := protocol.Validation(protocol.CodeInvalidPayload, "job_id is required")
		perr.RequestType = req.Message.Type
		return "", perr
	}
	return job, nil
}

func (h *TaskHandler) subscribe(ctx context.Context, req router.Request) error {
	job, err := bindJob(req)
	if err != nil {
		return err
	}
	h.subs.Subscribe(req.ClientID, job)
	h.sender.Send(ctx, req.ClientID, protocol.SubscriptionConfirmed(job))
	return nil
}

func (h *TaskHandler) unsubscribe(ctx context.Context, req router.Request) error {
	job, err := bindJob(req)
	if err != nil {
		return err
	}
	h.subs.Unsubscribe(req.ClientID, job)
	h.sender.Send(ctx, req.ClientID, protocol.UnsubscriptionConfirmed(job))
	return nil
}
