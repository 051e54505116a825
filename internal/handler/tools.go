package handler

import (
	"context"

	"github.com/basket/sketchdojo-rt/internal/capability"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/router"
	"github.com/basket/sketchdojo-rt/internal/shared"
)

// ToolHandler serves discover_tools and standalone tool_call messages.
type ToolHandler struct {
	tools  Tools
	sender Sender
}

func NewToolHandler(tools Tools, sender Sender) *ToolHandler {
	return &ToolHandler{tools: tools, sender: sender}
}

func (h *ToolHandler) Routes() map[string]router.HandlerFunc {
	return map[string]router.HandlerFunc{
		protocol.TypeDiscoverTools: h.discover,
		protocol.TypeToolCall:      h.call,
	}
}

func (h *ToolHandler) discover(ctx context.Context, req router.Request) error {
	h.sender.Send(ctx, req.ClientID, protocol.ToolDiscovery(req.ClientID, h.tools.Discover(req.ClientID)))
	return nil
}

// call answers with tool_call_result, or returns an error whose reply is
// the matching tool_call_error so the router still counts the failure.
func (h *ToolHandler) call(ctx context.Context, req router.Request) error {
	var body protocol.ToolCallRequest
	if err := req.Message.Bind(&body); err != nil {
		return malformedCall(req, err)
	}
	res, perr := h.tools.Invoke(ctx, capability.Call{
		ClientID:   req.ClientID,
		ToolID:     body.ToolID,
		CallID:     body.CallID,
		MessageID:  body.MessageID,
		Parameters: body.Parameters,
	})
	if perr != nil {
		return perr.WithReply(toolEnvelope(req.ClientID, body.ToolID, body.MessageID, -1, res, perr))
	}
	h.sender.Send(ctx, req.ClientID, toolEnvelope(req.ClientID, body.ToolID, body.MessageID, -1, res, nil))
	return nil
}

// malformedCall still answers with a tool_call_error carrying whatever
// call_id the frame had, so the caller can match it to its request.
func malformedCall(req router.Request, err error) error {
	callID := req.Message.Field("call_id")
	if callID == "" {
		callID = shared.NewCallID()
	}
	toolID := req.Message.Field("tool_id")
	messageID := req.Message.Field("message_id")
	perr := protocol.Validation(protocol.CodeInvalidParameters, protocol.AsError(err).Message).WithCallID(callID)
	return perr.WithReply(protocol.ToolCallError(req.ClientID, toolID, messageID, -1, perr))
}
