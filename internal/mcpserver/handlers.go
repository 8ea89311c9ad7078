package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/usage"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EngineClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EngineClient) *Handlers {
	return &Handlers{client: client}
}

// HandleProposeAction routes an action through the engine.
func (h *Handlers) HandleProposeAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := actionFromArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.ProposeAction(ctx, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to propose action: %v", err)), nil
	}
	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleClassifyAction previews a decision.
func (h *Handlers) HandleClassifyAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := actionFromArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.ClassifyAction(ctx, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to classify action: %v", err)), nil
	}
	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText("Preview only, nothing was submitted.\n" + text), nil
}

// HandleListApprovals lists queue items.
func (h *Handlers) HandleListApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", string(approval.StatusPending))
	raw, err := h.client.ListApprovals(ctx, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list approvals: %v", err)), nil
	}
	text, err := formatApprovalList(raw, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approvals: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveApproval approves or rejects an item.
func (h *Handlers) HandleResolveApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("approval_id", "")
	if id == "" {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	var approve bool
	switch req.GetString("decision", "") {
	case "approve":
		approve = true
	case "reject":
	default:
		return mcp.NewToolResultError("decision must be 'approve' or 'reject'"), nil
	}

	raw, err := h.client.ResolveApproval(ctx, id, approve, req.GetString("resolved_by", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve approval: %v", err)), nil
	}

	var resp struct {
		Approval approval.Item `json:"approval"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approval: %v", err)), nil
	}
	item := resp.Approval
	return mcp.NewToolResultText(fmt.Sprintf("Approval %s is now %s (by %s).", item.ID, item.Status, item.ResolvedBy)), nil
}

// HandleGetStatus reports engine status.
func (h *Handlers) HandleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	text, err := formatStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetUsage reports today's usage.
func (h *Handlers) HandleGetUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetUsage(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}
	text, err := formatUsage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// actionFromArgs builds the JSON action body. Required metadata must be
// present; the engine itself reports out-of-range values.
func actionFromArgs(req mcp.CallToolRequest) (map[string]any, error) {
	args := req.GetArguments()

	category := req.GetString("category", "")
	typ := req.GetString("type", "")
	if category == "" || typ == "" {
		return nil, fmt.Errorf("category and type are required")
	}
	value, ok := args["estimated_value"].(float64)
	if !ok {
		return nil, fmt.Errorf("estimated_value is required and must be a number")
	}
	reversible, ok := args["reversible"].(bool)
	if !ok {
		return nil, fmt.Errorf("reversible is required and must be true or false")
	}

	action := map[string]any{
		"category":    category,
		"type":        typ,
		"description": req.GetString("description", ""),
		"metadata": map[string]any{
			"estimatedValue": value,
			"reversible":     reversible,
			"urgency":        req.GetString("urgency", string(autonomy.UrgencyNormal)),
		},
	}
	if params, ok := args["params"].(map[string]any); ok {
		action["params"] = params
	}
	return action, nil
}

// --- Formatting ---

func formatDecision(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision autonomy.Decision `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Decision

	var sb strings.Builder
	fmt.Fprintf(&sb, "Outcome: %s (rule: %s)\n", d.Outcome, d.Rule)
	if a := d.Assessment; a != nil {
		fmt.Fprintf(&sb, "Risk: %s (score %d)\n", a.Level, a.Score)
		for _, f := range a.Factors {
			fmt.Fprintf(&sb, "  %+d %s: %s\n", f.Contribution, f.Name, f.Explanation)
		}
	}
	fmt.Fprintf(&sb, "Reason: %s\n", d.Reason)

	switch d.Outcome {
	case autonomy.OutcomeAutoExecute:
		sb.WriteString("You may perform this action now.")
	case autonomy.OutcomeReject:
		sb.WriteString("Do not perform this action.")
	default:
		if d.ApprovalID != "" {
			fmt.Fprintf(&sb, "Approval ID: %s\nWait for a human to approve before performing this action.", d.ApprovalID)
		} else {
			sb.WriteString("This action would need human approval.")
		}
	}
	return sb.String(), nil
}

func formatApprovalList(raw json.RawMessage, status string) (string, error) {
	var resp struct {
		Approvals []approval.Item `json:"approvals"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Approvals) == 0 {
		if status == "" {
			return "No approval items.", nil
		}
		return fmt.Sprintf("No %s approval items.", status), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d approval item(s):\n", len(resp.Approvals))
	for _, item := range resp.Approvals {
		fmt.Fprintf(&sb, "- %s [%s]", item.ID, item.Status)
		if a := item.Action(); a != nil {
			fmt.Fprintf(&sb, " %s/%s value=%.2f", a.Category, a.Type, a.Value())
			if a.Description != "" {
				fmt.Fprintf(&sb, " %q", a.Description)
			}
		}
		if d := item.Decision; d != nil && d.Assessment != nil {
			fmt.Fprintf(&sb, " risk=%s(%d)", d.Assessment.Level, d.Assessment.Score)
		}
		if item.Status == approval.StatusPending {
			fmt.Fprintf(&sb, " expires %s", item.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatStatus(raw json.RawMessage) (string, error) {
	var s struct {
		Running          bool              `json:"running"`
		Level            autonomy.Level    `json:"level"`
		LevelName        string            `json:"levelName"`
		LevelDescription string            `json:"levelDescription"`
		Queue            approval.Snapshot `json:"queue"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}

	state := "stopped"
	if s.Running {
		state = "running"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Engine: %s\n", state)
	fmt.Fprintf(&sb, "Autonomy level: %d (%s)\n", s.Level, s.LevelName)
	if s.LevelDescription != "" {
		fmt.Fprintf(&sb, "  %s\n", s.LevelDescription)
	}
	fmt.Fprintf(&sb, "Approvals: %d pending, %d approved, %d rejected, %d expired",
		s.Queue.Pending, s.Queue.Approved, s.Queue.Rejected, s.Queue.Expired)
	return sb.String(), nil
}

func formatUsage(raw json.RawMessage) (string, error) {
	var u struct {
		Day        string                   `json:"day"`
		Categories map[string]usage.Counter `json:"categories"`
		Limits     map[string]usage.Limit   `json:"limits"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return "", err
	}

	names := make(map[string]bool)
	for name := range u.Categories {
		names[name] = true
	}
	for name := range u.Limits {
		names[name] = true
	}
	if len(names) == 0 {
		return fmt.Sprintf("No usage recorded on %s.", u.Day), nil
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage for %s:\n", u.Day)
	for _, name := range sorted {
		c := u.Categories[name]
		fmt.Fprintf(&sb, "- %s: %d action(s), value %.2f", name, c.Count, c.Value)
		if l, ok := u.Limits[name]; ok && !l.Unlimited() {
			sb.WriteString(" (limit")
			if l.MaxCount > 0 {
				fmt.Fprintf(&sb, " %d actions", l.MaxCount)
			}
			if l.MaxValue > 0 {
				fmt.Fprintf(&sb, " value %.2f", l.MaxValue)
			}
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
