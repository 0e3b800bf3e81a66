// Package messaging provides the built-in send_message tool: it
// dispatches assistant-originated content through the agent's registered
// endpoints to the user, another agent, a group, or an external channel.
package messaging

import (
	"context"
	"encoding/json"

	"github.com/scarnecchia/numina"
)

// Deliverer is the seam the tool sends through; AgentRuntime satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, target numina.MessageTarget, content string) error
}

// Tool sends messages on behalf of one agent.
type Tool struct {
	deliverer Deliverer
}

// New builds the send_message tool over a deliverer.
func New(d Deliverer) *Tool {
	return &Tool{deliverer: d}
}

// Name implements numina.Tool.
func (t *Tool) Name() string { return "send_message" }

// Description implements numina.Tool.
func (t *Tool) Description() string {
	return "Send a message to the user, another agent, a group, or an external channel."
}

// UsageRule implements numina.UsageRuler.
func (t *Tool) UsageRule() string {
	return "Use `send_message` for every user-visible reply; plain completion text is not delivered."
}

type input struct {
	Target  string `json:"target,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Content string `json:"content"`
	// RequestHeartbeat asks for another turn after this one finalizes.
	RequestHeartbeat bool `json:"continue,omitempty"`
}

// InputSchema implements numina.Tool.
func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"target": {"type": "string", "enum": ["user", "agent", "group", "channel"], "description": "Destination kind (default: user)"},
			"agent_id": {"type": "string", "description": "Target agent id when target is 'agent'"},
			"group_id": {"type": "string", "description": "Target group id when target is 'group'"},
			"channel": {"type": "string", "description": "External channel id when target is 'channel'"},
			"content": {"type": "string", "description": "The message text"},
			"continue": {"type": "boolean", "description": "Request another turn after sending"}
		},
		"required": ["content"],
		"additionalProperties": false
	}`)
}

// Execute implements numina.Tool.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage, _ numina.ExecutionMeta) (numina.ToolOutput, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return numina.ToolOutput{}, &numina.ErrValidation{Field: "input", Reason: err.Error()}
	}

	target := numina.MessageTarget{Kind: numina.TargetUser}
	switch in.Target {
	case "", "user":
	case "agent":
		id, err := numina.ParseAgentID(in.AgentID)
		if err != nil {
			return numina.ToolOutput{Content: err.Error(), IsError: true}, nil
		}
		target = numina.MessageTarget{Kind: numina.TargetAgent, AgentID: id}
	case "group":
		id, err := numina.ParseGroupID(in.GroupID)
		if err != nil {
			return numina.ToolOutput{Content: err.Error(), IsError: true}, nil
		}
		target = numina.MessageTarget{Kind: numina.TargetGroup, GroupID: id}
	case "channel":
		if in.Channel == "" {
			return numina.ToolOutput{Content: "channel target requires 'channel'", IsError: true}, nil
		}
		target = numina.MessageTarget{Kind: numina.TargetChannel, Channel: in.Channel}
	default:
		return numina.ToolOutput{Content: "unknown target: " + in.Target, IsError: true}, nil
	}

	if err := t.deliverer.Deliver(ctx, target, in.Content); err != nil {
		return numina.ToolOutput{Content: "delivery failed: " + err.Error(), IsError: true}, nil
	}
	return numina.ToolOutput{
		Content:          "message sent",
		RequestHeartbeat: in.RequestHeartbeat,
	}, nil
}

var _ numina.Tool = (*Tool)(nil)
