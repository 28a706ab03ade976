package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chartrec/cmdq"
	"github.com/hazyhaar/chartrec/registry"
)

// RegisterMCP exposes the job control surface as MCP tools, mirroring the
// HTTP routes. Tool errors are reported through result.SetError; a non-nil
// handler error would be a protocol-level failure.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	addTool(srv, &mcp.Tool{
		Name:        "chartrec_create_job",
		Description: "Create an extraction job and queue it for start.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["name", "portal_url", "adapter", "mode"],
			"properties": {
				"name":              {"type": "string"},
				"portal_url":        {"type": "string"},
				"adapter":           {"type": "string"},
				"mode":              {"type": "string", "enum": ["SINGLE_PATIENT", "ALL_PATIENTS"]},
				"patient_prn":       {"type": "string"},
				"medication_filter": {"type": "string"},
				"range_start":       {"type": "string"},
				"range_end":         {"type": "string"},
				"provider":          {"type": "string"}
			}
		}`),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var sp registry.Spec
		if err := json.Unmarshal(args, &sp); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		job, err := s.reg.Create(ctx, sp)
		if err != nil {
			return nil, err
		}
		if _, err := s.q.Publish(ctx, job.ID, cmdq.KindStart, ""); err != nil {
			return nil, err
		}
		return job, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "chartrec_get_job",
		Description: "Fetch one extraction job with status, progress and error detail.",
		InputSchema: jobIDSchema,
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		id, err := decodeJobID(args)
		if err != nil {
			return nil, err
		}
		return s.reg.Get(ctx, id)
	})

	addTool(srv, &mcp.Tool{
		Name:        "chartrec_list_jobs",
		Description: "List all extraction jobs, newest first.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return s.reg.List(ctx)
	})

	addTool(srv, &mcp.Tool{
		Name:        "chartrec_confirm_login",
		Description: "Signal that the human finished logging in to the portal.",
		InputSchema: jobIDSchema,
	}, s.commandTool(cmdq.KindConfirmLogin, ""))

	addTool(srv, &mcp.Tool{
		Name:        "chartrec_cancel_job",
		Description: "Cancel a job. Idempotent; terminal jobs are unaffected.",
		InputSchema: jobIDSchema,
	}, s.commandTool(cmdq.KindCancel, ""))

	addTool(srv, &mcp.Tool{
		Name:        "chartrec_retry_job",
		Description: "Retry a FAILED job in resume or restart mode.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["job_id"],
			"properties": {
				"job_id": {"type": "string"},
				"mode":   {"type": "string", "enum": ["resume", "restart"]}
			}
		}`),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req struct {
			JobID string `json:"job_id"`
			Mode  string `json:"mode"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if req.JobID == "" {
			return nil, fmt.Errorf("job_id is required")
		}
		id, err := s.q.Publish(ctx, req.JobID, cmdq.KindRetry, req.Mode)
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": req.JobID, "command_id": id}, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "chartrec_resume_analysis",
		Description: "Report which patients from the job's latest session need reprocessing.",
		InputSchema: jobIDSchema,
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		id, err := decodeJobID(args)
		if err != nil {
			return nil, err
		}
		return s.sched.ResumeAnalysis(ctx, id)
	})
}

var jobIDSchema = json.RawMessage(`{
	"type": "object",
	"required": ["job_id"],
	"properties": {"job_id": {"type": "string"}}
}`)

func decodeJobID(args json.RawMessage) (string, error) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if req.JobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	return req.JobID, nil
}

// commandTool builds a handler that queues one job command.
func (s *Server) commandTool(kind cmdq.Kind, payload string) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		id, err := decodeJobID(args)
		if err != nil {
			return nil, err
		}
		cmdID, err := s.q.Publish(ctx, id, kind, payload)
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": id, "command_id": cmdID}, nil
	}
}

// addTool wraps a typed handler in the SDK's call shape: decode arguments,
// run, marshal the result as text content.
func addTool(srv *mcp.Server, tool *mcp.Tool, handler func(context.Context, json.RawMessage) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := handler(ctx, req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
