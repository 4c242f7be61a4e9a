// Package tools exposes datanav operations to agents over the Model
// Context Protocol: loading data, requesting connections, and checking
// job status.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/handshake"
	"github.com/knoom0/datanav-sub002/job"
	"github.com/knoom0/datanav-sub002/version"
)

// MCPServer exposes the scheduler and handshake coordinator as MCP tools.
type MCPServer struct {
	registry    *connector.Registry
	status      *connector.StatusStore
	scheduler   *job.Scheduler
	coordinator *handshake.Coordinator
	loadTimeout time.Duration
	pollEvery   time.Duration
	server      *server.MCPServer
}

// NewMCPServer creates the MCP surface over the given components.
func NewMCPServer(registry *connector.Registry, status *connector.StatusStore, scheduler *job.Scheduler, coordinator *handshake.Coordinator, cfg *config.SyncConfig) *MCPServer {
	s := &MCPServer{
		registry:    registry,
		status:      status,
		scheduler:   scheduler,
		coordinator: coordinator,
		loadTimeout: cfg.LoadTimeout(),
		pollEvery:   cfg.PollInterval(),
	}

	s.server = server.NewMCPServer(
		"datanav",
		version.Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// ServeStdio runs the MCP server over stdin/stdout until EOF.
func (s *MCPServer) ServeStdio() error {
	return server.ServeStdio(s.server)
}

func (s *MCPServer) registerTools() {
	loadDataTool := mcp.NewTool("load_data",
		mcp.WithDescription("Load data from a connected data source into the local store. Returns the number of records loaded, or reports the job still running in the background if loading takes longer than the wait budget."),
		mcp.WithString("connector",
			mcp.Required(),
			mcp.Description("Connector ID of the data source to load from"),
		),
	)
	s.server.AddTool(loadDataTool, s.handleLoadData)

	askToConnectTool := mcp.NewTool("ask_to_connect",
		mcp.WithDescription("Ask the user for consent to connect a data source. Blocks until the user grants, declines, or the request times out."),
		mcp.WithString("connector",
			mcp.Required(),
			mcp.Description("Connector ID of the data source to connect"),
		),
	)
	s.server.AddTool(askToConnectTool, s.handleAskToConnect)

	jobStatusTool := mcp.NewTool("job_status",
		mcp.WithDescription("Check the state and result of a sync job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("ID of the job to check"),
		),
	)
	s.server.AddTool(jobStatusTool, s.handleJobStatus)
}

// handleLoadData handles load_data tool calls.
func (s *MCPServer) handleLoadData(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectorID, err := request.RequireString("connector")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cfg, err := s.registry.Get(connectorID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, err := s.status.Get(connectorID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if st == nil || !st.IsConnected {
		actionable := errors.NewActionablef(
			"%s is not connected. Use the ask_to_connect tool to request the user's consent, then retry load_data.",
			cfg.Name)
		return mcp.NewToolResultError(actionable.Error()), nil
	}

	// A load already in flight is joined, not duplicated.
	if st.IsLoading && st.ActiveJobID != "" {
		return s.waitForLoad(ctx, cfg.Name, st.ActiveJobID)
	}

	j, created, err := s.scheduler.Create(ctx, connectorID, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create sync job: %v", err)), nil
	}
	if created {
		if err := s.scheduler.Dispatcher().Dispatch(ctx, j.ID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start sync job: %v", err)), nil
		}
	}
	return s.waitForLoad(ctx, cfg.Name, j.ID)
}

// waitForLoad waits on a job chain. The wait follows continuations: when
// a job finishes with a successor, the wait moves to the successor until
// the chain ends or the overall budget runs out.
func (s *MCPServer) waitForLoad(ctx context.Context, connectorName, jobID string) (*mcp.CallToolResult, error) {
	deadline := time.Now().Add(s.loadTimeout)
	currentID := jobID
	total := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return mcp.NewToolResultText(fmt.Sprintf(
				"Loading from %s is still running in the background (job %s). Use job_status to check on it.",
				connectorName, currentID)), nil
		}

		result, err := s.scheduler.WaitForCompletion(ctx, currentID, remaining, s.pollEvery)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed waiting for job %s: %v", currentID, err)), nil
		}

		j := result.Job
		if !j.Finished() {
			return mcp.NewToolResultText(fmt.Sprintf(
				"Loading from %s is still running in the background (job %s). Use job_status to check on it.",
				connectorName, currentID)), nil
		}

		total += j.RecordCount
		switch j.Result {
		case job.ResultSuccess:
			next, err := s.successor(j)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if next != "" {
				currentID = next
				continue
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Loaded %d records from %s (job %s).", total, connectorName, currentID)), nil
		case job.ResultCanceled:
			return mcp.NewToolResultError(fmt.Sprintf(
				"Sync job %s was canceled: %s", currentID, j.Error)), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf(
				"Sync job %s failed: %s", currentID, j.Error)), nil
		}
	}
}

// successor finds the continuation of a finished job, if one was chained.
func (s *MCPServer) successor(j *job.Job) (string, error) {
	st, err := s.status.Get(j.ConnectorID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to look up successor of job %s", j.ID)
	}
	if st != nil && st.IsLoading && st.ActiveJobID != "" && st.ActiveJobID != j.ID {
		return st.ActiveJobID, nil
	}
	return "", nil
}

// handleAskToConnect handles ask_to_connect tool calls.
func (s *MCPServer) handleAskToConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connectorID, err := request.RequireString("connector")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.coordinator.AskToConnect(ctx, connectorID)
	if err != nil {
		if errors.IsActionable(err) {
			return mcp.NewToolResultError(errors.ActionableMessage(err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Connection request failed: %v", err)), nil
	}

	// Timeouts and declines are resolutions the agent can act on, not
	// tool faults; only transport-level errors surface as error results.
	text := result.Message
	if result.AuthURL != "" && !result.IsConnected {
		text = fmt.Sprintf("%s\nAuthorization URL: %s", result.Message, result.AuthURL)
	}
	return mcp.NewToolResultText(text), nil
}

// handleJobStatus handles job_status tool calls.
func (s *MCPServer) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	j, err := s.scheduler.Get(ctx, jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return mcp.NewToolResultError(fmt.Sprintf("No job with id %s", jobID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
	}

	text := fmt.Sprintf("Job %s (%s, connector %s): %s", j.ID, j.Kind, j.ConnectorID, j.State)
	if j.Finished() {
		text += fmt.Sprintf(", result %s", j.Result)
		if j.Error != "" {
			text += fmt.Sprintf(" (%s)", j.Error)
		}
	}
	if j.RecordCount > 0 {
		text += fmt.Sprintf(", %d records", j.RecordCount)
	}
	return mcp.NewToolResultText(text), nil
}
