package httpapi_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chartrec/adapter"
	"github.com/hazyhaar/chartrec/cmdq"
	"github.com/hazyhaar/chartrec/httpapi"
	"github.com/hazyhaar/chartrec/progress"
	"github.com/hazyhaar/chartrec/recon"
	"github.com/hazyhaar/chartrec/registry"
	"github.com/hazyhaar/chartrec/scheduler"
	"github.com/hazyhaar/chartrec/store"
)

var testMCPImpl = &mcp.Implementation{Name: "chartrec-test", Version: "0.1.0"}

func mcpSession(t *testing.T) (*mcp.ClientSession, *fixture) {
	t.Helper()
	st := store.OpenMemory(t)
	reg := registry.New(st, nil)
	q := cmdq.New(st.DB, cmdq.Options{})
	bus := progress.New(nil)
	t.Cleanup(bus.Close)
	sched := scheduler.New(reg, st, q, nil,
		adapter.NewInvoker(adapter.NewRegistry(), nil),
		recon.New(st, nil), bus, scheduler.Options{})
	api := httpapi.New(reg, st, q, sched, bus, httpapi.Options{})

	srv := mcp.NewServer(testMCPImpl, nil)
	api.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session, &fixture{st: st, reg: reg, q: q}
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %s", name, toolText(t, result))
	}
	return toolText(t, result)
}

// toolText extracts the text payload of a tool result. Tool errors arrive the
// same way: IsError set and the message in the first TextContent.
func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func TestMCP_CreateAndGetJob(t *testing.T) {
	session, f := mcpSession(t)

	text := mcpCallTool(t, session, "chartrec_create_job", map[string]any{
		"name":       "nightly pull",
		"portal_url": "https://portal.example",
		"adapter":    "mediportal",
		"mode":       "ALL_PATIENTS",
	})
	var job store.Job
	if err := json.Unmarshal([]byte(text), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.ID == "" || job.Status != string(registry.StatusCreated) {
		t.Fatalf("job: %+v", job)
	}

	// The start command was queued.
	n, err := f.q.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queued commands: %d", n)
	}

	text = mcpCallTool(t, session, "chartrec_get_job", map[string]any{"job_id": job.ID})
	var fetched store.Job
	if err := json.Unmarshal([]byte(text), &fetched); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fetched.ID != job.ID {
		t.Fatalf("fetched: %+v", fetched)
	}
}

func TestMCP_CreateJobValidation(t *testing.T) {
	session, _ := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "chartrec_create_job",
		Arguments: map[string]any{
			"name":       "bad",
			"portal_url": "https://portal.example",
			"adapter":    "mediportal",
			"mode":       "SINGLE_PATIENT",
		},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing patient identifier")
	}
	if msg := toolText(t, result); !strings.Contains(msg, "patient identifier") {
		t.Fatalf("tool error: %q", msg)
	}
}

func TestMCP_CommandTools(t *testing.T) {
	session, f := mcpSession(t)

	job, err := f.reg.Create(context.Background(), registry.Spec{
		Name:      "cancellable",
		PortalURL: "https://portal.example",
		Adapter:   "mediportal",
		Mode:      registry.ModeAllPatients,
	})
	if err != nil {
		t.Fatal(err)
	}

	text := mcpCallTool(t, session, "chartrec_cancel_job", map[string]any{"job_id": job.ID})
	var out map[string]string
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["job_id"] != job.ID || out["command_id"] == "" {
		t.Fatalf("response: %v", out)
	}
}

func TestMCP_ResumeAnalysis(t *testing.T) {
	session, f := mcpSession(t)

	job, err := f.reg.Create(context.Background(), registry.Spec{
		Name:      "fresh",
		PortalURL: "https://portal.example",
		Adapter:   "mediportal",
		Mode:      registry.ModeAllPatients,
	})
	if err != nil {
		t.Fatal(err)
	}

	text := mcpCallTool(t, session, "chartrec_resume_analysis", map[string]any{"job_id": job.ID})
	var a scheduler.Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.NeedsRestart {
		t.Fatalf("analysis: %+v", a)
	}
}
