package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/chartrec/adapter"
	"github.com/hazyhaar/chartrec/cmdq"
	"github.com/hazyhaar/chartrec/httpapi"
	"github.com/hazyhaar/chartrec/progress"
	"github.com/hazyhaar/chartrec/recon"
	"github.com/hazyhaar/chartrec/registry"
	"github.com/hazyhaar/chartrec/scheduler"
	"github.com/hazyhaar/chartrec/store"
)

type fixture struct {
	st  *store.Store
	reg *registry.Registry
	q   *cmdq.Q
	srv *httptest.Server
}

// newFixture wires the API over an in-memory store. The scheduler is built
// but never started: command handling is covered by the scheduler tests, and
// here commands should stay observable in the queue.
func newFixture(t *testing.T, opts httpapi.Options) *fixture {
	t.Helper()
	st := store.OpenMemory(t)
	reg := registry.New(st, nil)
	q := cmdq.New(st.DB, cmdq.Options{})
	bus := progress.New(nil)
	t.Cleanup(bus.Close)

	sched := scheduler.New(reg, st, q, nil,
		adapter.NewInvoker(adapter.NewRegistry(), nil),
		recon.New(st, nil), bus, scheduler.Options{})

	api := httpapi.New(reg, st, q, sched, bus, opts)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &fixture{st: st, reg: reg, q: q, srv: srv}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

const validJob = `{
	"name": "nightly pull",
	"portal_url": "https://portal.example",
	"adapter": "mediportal",
	"mode": "ALL_PATIENTS"
}`

func TestCreateJobQueuesStart(t *testing.T) {
	f := newFixture(t, httpapi.Options{})

	resp := f.post(t, "/api/v1/jobs", validJob)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	job := decode[store.Job](t, resp)
	if job.ID == "" || job.Status != string(registry.StatusCreated) {
		t.Fatalf("job: %+v", job)
	}

	n, err := f.q.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queued commands: %d, want 1", n)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, httpapi.Options{})

	// Single-patient mode without a PRN is rejected before anything runs.
	resp := f.post(t, "/api/v1/jobs", `{
		"name": "one patient",
		"portal_url": "https://portal.example",
		"adapter": "mediportal",
		"mode": "SINGLE_PATIENT"
	}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	n, err := f.q.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("queued commands: %d, want 0", n)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	resp := f.get(t, "/api/v1/jobs/job_missing")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestConfirmQueuesCommand(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	created := decode[store.Job](t, f.post(t, "/api/v1/jobs", validJob))

	resp := f.post(t, "/api/v1/jobs/"+created.ID+"/confirm", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	out := decode[map[string]string](t, resp)
	if out["command"] != string(cmdq.KindConfirmLogin) {
		t.Fatalf("response: %v", out)
	}
}

func TestRetryRequiresFailedJob(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	created := decode[store.Job](t, f.post(t, "/api/v1/jobs", validJob))

	resp := f.post(t, "/api/v1/jobs/"+created.ID+"/retry", `{"mode": "resume"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	if _, err := f.reg.Fail(context.Background(), created.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	resp = f.post(t, "/api/v1/jobs/"+created.ID+"/retry", `{"mode": "restart"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestRetryRejectsUnknownMode(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	created := decode[store.Job](t, f.post(t, "/api/v1/jobs", validJob))

	resp := f.post(t, "/api/v1/jobs/"+created.ID+"/retry", `{"mode": "yolo"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestStalledEndpoint(t *testing.T) {
	f := newFixture(t, httpapi.Options{})

	resp := f.get(t, "/api/v1/jobs/stalled")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	jobs := decode[[]store.Job](t, resp)
	if len(jobs) != 0 {
		t.Fatalf("stalled jobs: %+v", jobs)
	}

	resp = f.get(t, "/api/v1/jobs/stalled?threshold=bogus")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestResumeAnalysisEndpoint(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	created := decode[store.Job](t, f.post(t, "/api/v1/jobs", validJob))

	resp := f.get(t, "/api/v1/jobs/"+created.ID+"/resume-analysis")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	a := decode[scheduler.Analysis](t, resp)
	if !a.NeedsRestart {
		t.Fatalf("analysis: %+v", a)
	}
}

func TestPatientConflictsEmpty(t *testing.T) {
	f := newFixture(t, httpapi.Options{})
	resp := f.get(t, "/api/v1/patients/MG422049/conflicts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	conflicts := decode[[]store.Conflict](t, resp)
	if len(conflicts) != 0 {
		t.Fatalf("conflicts: %+v", conflicts)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, httpapi.Options{AuthUser: "ops", AuthHash: string(hash)})

	resp := f.get(t, "/api/v1/jobs")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without credentials: %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/jobs", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth("ops", "sesame")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("status with credentials: %d", authed.StatusCode)
	}

	req.SetBasicAuth("ops", "wrong")
	denied, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer denied.Body.Close()
	if denied.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bad password: %d", denied.StatusCode)
	}
}
