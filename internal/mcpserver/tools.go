package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the autonomy MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

func actionArgs(description string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithString("category",
			mcp.Required(),
			mcp.Description("Action category, e.g. 'trades', 'treasury', 'content', 'deployments'")),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Action type within the category, e.g. 'swap', 'publish_blog', 'deploy_production'")),
		mcp.WithNumber("estimated_value",
			mcp.Required(),
			mcp.Description("Estimated value at stake in account currency units (0 for no monetary impact)")),
		mcp.WithBoolean("reversible",
			mcp.Required(),
			mcp.Description("Whether the action can be undone after it runs")),
		mcp.WithString("urgency",
			mcp.Description("How time-sensitive the action is (default 'normal')"),
			mcp.Enum("low", "normal", "high", "critical")),
		mcp.WithString("description",
			mcp.Description("Short human-readable summary shown to approvers")),
		mcp.WithObject("params",
			mcp.Description("Action-specific parameters, e.g. {\"from\": \"USDC\", \"to\": \"ETH\"}")),
	}
}

var ToolProposeAction = mcp.NewTool("propose_action", actionArgs(
	"Propose an action to the bounded-autonomy engine. "+
		"The engine scores its risk and decides: auto_execute (go ahead now), "+
		"queue_approval or escalate (wait for a human; an approval ID is returned), or reject (do not run it). "+
		"Only perform the action yourself when the outcome is auto_execute or the approval was granted.")...)

var ToolClassifyAction = mcp.NewTool("classify_action", actionArgs(
	"Preview how the engine would decide on an action without submitting it. "+
		"Nothing is queued and no daily usage is counted. Use this to check risk before proposing.")...)

var ToolListApprovals = mcp.NewTool("list_approvals",
	mcp.WithDescription(
		"List approval queue items. Pending items are actions waiting for a human decision."),
	mcp.WithString("status",
		mcp.Description("Filter by status (default 'pending')"),
		mcp.Enum("pending", "approved", "rejected", "expired")),
)

var ToolResolveApproval = mcp.NewTool("resolve_approval",
	mcp.WithDescription(
		"Approve or reject a pending approval item. Only use this when acting on explicit instructions from a human operator."),
	mcp.WithString("approval_id",
		mcp.Required(),
		mcp.Description("The approval ID returned by propose_action or list_approvals")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("'approve' or 'reject'"),
		mcp.Enum("approve", "reject")),
	mcp.WithString("resolved_by",
		mcp.Description("Name of the human who made the decision. Defaults to the authenticated operator.")),
)

var ToolGetStatus = mcp.NewTool("get_status",
	mcp.WithDescription(
		"Get the engine status: whether it is running, the autonomy level, and approval queue counts."),
)

var ToolGetUsage = mcp.NewTool("get_usage",
	mcp.WithDescription(
		"Get today's auto-executed and approved action counts and values per category, with any daily limits."),
)
