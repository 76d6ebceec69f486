// Package tooling exposes the function tools a call agent may use and
// dispatches the model's tool invocations: hanging up, cancelling a
// hang-up, querying knowledge bases, sending SMS, transferring the call and
// pressing keypad digits.
package tooling

import (
	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/realtime"
)

// Tool names as advertised to the model.
const (
	ToolHangUp          = "hang_up"
	ToolCancelHangUp    = "cancel_hang_up"
	ToolQueryDocuments  = "query_documents"
	ToolSendTextMessage = "send_text_message"
	ToolTransferCall    = "transfer_call"
	ToolEnterKeypad     = "enter_keypad"
)

// BuildTools renders the session tool definitions for the tools the agent
// has enabled. Unknown names are skipped; transfer_call is only offered
// when targets exist.
func BuildTools(spec call.Spec) []realtime.Tool {
	var tools []realtime.Tool
	for _, name := range spec.EnabledTools {
		switch name {
		case ToolHangUp:
			tools = append(tools, realtime.Tool{
				Type: "function",
				Name: ToolHangUp,
				Description: "End the call. Use reason end_of_call when the conversation " +
					"has concluded, or answering_machine when an answering machine picked up.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"reason": map[string]any{
							"type": "string",
							"enum": []string{"end_of_call", "answering_machine"},
						},
					},
					"required": []string{"reason"},
				},
			})
		case ToolCancelHangUp:
			tools = append(tools, realtime.Tool{
				Type:        "function",
				Name:        ToolCancelHangUp,
				Description: "Cancel a pending hang-up if the caller speaks up again.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			})
		case ToolQueryDocuments:
			if len(spec.KnowledgeBaseIDs) == 0 {
				continue
			}
			tools = append(tools, realtime.Tool{
				Type:        "function",
				Name:        ToolQueryDocuments,
				Description: "Search the reference documents for information relevant to the caller's question.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string"},
					},
					"required": []string{"query"},
				},
			})
		case ToolSendTextMessage:
			tools = append(tools, realtime.Tool{
				Type:        "function",
				Name:        ToolSendTextMessage,
				Description: "Send the caller a text message with the given content.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{"type": "string"},
					},
					"required": []string{"message"},
				},
			})
		case ToolTransferCall:
			if len(spec.TransferTargets) == 0 {
				continue
			}
			labels := make([]string, len(spec.TransferTargets))
			for i, t := range spec.TransferTargets {
				labels[i] = t.Label
			}
			tools = append(tools, realtime.Tool{
				Type:        "function",
				Name:        ToolTransferCall,
				Description: "Transfer the call to the destination identified by the label.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"phone_number_label": map[string]any{
							"type": "string",
							"enum": labels,
						},
					},
					"required": []string{"phone_number_label"},
				},
			})
		case ToolEnterKeypad:
			tools = append(tools, realtime.Tool{
				Type: "function",
				Name: ToolEnterKeypad,
				Description: "Press keypad digits into the call, for example to navigate a " +
					"phone menu. Digits may include 0-9, *, # and w for a half-second pause.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"digits": map[string]any{"type": "string"},
					},
					"required": []string{"digits"},
				},
			})
		}
	}
	return tools
}
