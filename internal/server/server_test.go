package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/rollcall/internal/hub"
	"github.com/user/rollcall/internal/runner"
	"github.com/user/rollcall/internal/store"
)

func testServerWithSecret(t *testing.T, secret string) (*Server, *store.Store) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewStore(db)

	progressHub := hub.New()
	mgr := runner.New(st, progressHub, nil, runner.Config{Workers: 1, Pace: 0})
	t.Cleanup(mgr.Close)

	srv := New(st, mgr, progressHub, Config{BindAddr: ":0", AuthSecret: secret})
	return srv, st
}

func testServer(t *testing.T) (*Server, *store.Store) {
	return testServerWithSecret(t, "")
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

// seedFixture creates a collection and n companies through the API and
// returns the collection ID and company IDs.
func seedFixture(t *testing.T, srv *Server, n int) (string, []int64) {
	t.Helper()
	rr := doRequest(srv, "POST", "/api/v1/collections", map[string]string{"collection_name": "fixture"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create collection status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeResponse(t, rr, &created)

	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		rr := doRequest(srv, "POST", "/api/v1/companies", map[string]string{
			"company_name": fmt.Sprintf("company %d", i),
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("create company status = %d, body: %s", rr.Code, rr.Body.String())
		}
		var company struct {
			ID int64 `json:"id"`
		}
		decodeResponse(t, rr, &company)
		ids = append(ids, company.ID)
	}
	return created.ID, ids
}

// waitForJob polls the status endpoint until the job reaches a terminal
// state.
func waitForJob(t *testing.T, srv *Server, jobID string) jobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rr := doRequest(srv, "GET", "/api/v1/jobs/"+jobID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("get job status = %d, body: %s", rr.Code, rr.Body.String())
		}
		var status jobStatusResponse
		decodeResponse(t, rr, &status)
		if store.IsTerminal(status.State) {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return jobStatusResponse{}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestBulkAddEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, ids := seedFixture(t, srv, 10)

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", map[string]interface{}{
		"company_ids": ids,
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body: %s", rr.Code, rr.Body.String())
	}
	var accepted jobAcceptedResponse
	decodeResponse(t, rr, &accepted)
	if accepted.JobID == "" {
		t.Fatal("job_id is empty")
	}
	if accepted.Total != 10 {
		t.Errorf("total = %d, want 10", accepted.Total)
	}

	status := waitForJob(t, srv, accepted.JobID)
	if status.State != store.StateCompleted {
		t.Fatalf("job state = %q (error: %s)", status.State, status.ErrorMessage)
	}
	if status.Progress != 100 {
		t.Errorf("progress = %v, want 100", status.Progress)
	}

	rr = doRequest(srv, "GET", "/api/v1/collections/"+collectionID+"/companies", nil)
	var page struct {
		Total int `json:"total"`
	}
	decodeResponse(t, rr, &page)
	if page.Total != 10 {
		t.Errorf("membership total = %d, want 10", page.Total)
	}
}

func TestBulkAddValidation(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, _ := seedFixture(t, srv, 0)

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", map[string]interface{}{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty request status = %d, want 400", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/collections/col_missing/companies/bulk-add", map[string]interface{}{
		"company_ids": []int64{1},
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown collection status = %d, want 404", rr.Code)
	}
}

func TestBulkAddIdempotencyKey(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, ids := seedFixture(t, srv, 3)

	body := map[string]interface{}{
		"company_ids":     ids,
		"idempotency_key": "req-42",
	}
	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", body)
	var first jobAcceptedResponse
	decodeResponse(t, rr, &first)
	if first.Existing {
		t.Error("first submit reported existing=true")
	}

	rr = doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", body)
	var second jobAcceptedResponse
	decodeResponse(t, rr, &second)
	if !second.Existing {
		t.Error("replay did not report existing=true")
	}
	if first.JobID != second.JobID {
		t.Errorf("job ids differ: %q vs %q", first.JobID, second.JobID)
	}
}

func TestSelectAllBulkAdd(t *testing.T) {
	srv, st := testServer(t)
	sourceID, ids := seedFixture(t, srv, 8)
	if _, err := st.InsertMembers(sourceID, ids); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	rr := doRequest(srv, "POST", "/api/v1/collections", map[string]string{"collection_name": "dest"})
	var dest struct {
		ID string `json:"id"`
	}
	decodeResponse(t, rr, &dest)

	rr = doRequest(srv, "POST", "/api/v1/collections/"+dest.ID+"/companies/bulk-add", map[string]interface{}{
		"select_all":           true,
		"source_collection_id": sourceID,
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var accepted jobAcceptedResponse
	decodeResponse(t, rr, &accepted)

	status := waitForJob(t, srv, accepted.JobID)
	if status.State != store.StateCompleted || status.Total != 8 {
		t.Errorf("job = %s %d/%d, want completed 8/8", status.State, status.Done, status.Total)
	}
}

func TestMoveEndpoint(t *testing.T) {
	srv, st := testServer(t)
	sourceID, ids := seedFixture(t, srv, 6)
	if _, err := st.InsertMembers(sourceID, ids); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	rr := doRequest(srv, "POST", "/api/v1/collections", map[string]string{"collection_name": "move dest"})
	var dest struct {
		ID string `json:"id"`
	}
	decodeResponse(t, rr, &dest)

	rr = doRequest(srv, "POST", "/api/v1/collections/"+dest.ID+"/companies/move", map[string]interface{}{
		"source_collection_id": sourceID,
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var accepted jobAcceptedResponse
	decodeResponse(t, rr, &accepted)

	status := waitForJob(t, srv, accepted.JobID)
	if status.State != store.StateCompleted {
		t.Fatalf("job state = %q (error: %s)", status.State, status.ErrorMessage)
	}
	sourceCount, _ := st.CountMembers(sourceID)
	destCount, _ := st.CountMembers(dest.ID)
	if sourceCount != 0 || destCount != 6 {
		t.Errorf("source=%d dest=%d, want 0/6", sourceCount, destCount)
	}

	// Moving a collection onto itself is rejected.
	rr = doRequest(srv, "POST", "/api/v1/collections/"+dest.ID+"/companies/move", map[string]interface{}{
		"source_collection_id": dest.ID,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("self-move status = %d, want 400", rr.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, ids := seedFixture(t, srv, 3)

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", map[string]interface{}{
		"company_ids": ids,
	})
	var accepted jobAcceptedResponse
	decodeResponse(t, rr, &accepted)
	waitForJob(t, srv, accepted.JobID)

	rr = doRequest(srv, "POST", "/api/v1/jobs/"+accepted.JobID+"/cancel", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("cancel terminal job status = %d, want 409", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/jobs/job_missing/cancel", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("cancel missing job status = %d, want 404", rr.Code)
	}
}

func TestUndoEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, ids := seedFixture(t, srv, 5)

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", map[string]interface{}{
		"company_ids": ids,
	})
	var accepted jobAcceptedResponse
	decodeResponse(t, rr, &accepted)
	waitForJob(t, srv, accepted.JobID)

	rr = doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/undo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("undo status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "GET", "/api/v1/collections/"+collectionID+"/companies", nil)
	var page struct {
		Total int `json:"total"`
	}
	decodeResponse(t, rr, &page)
	if page.Total != 0 {
		t.Errorf("membership after undo = %d, want 0", page.Total)
	}
}

func TestUndoNothingToUndo(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, _ := seedFixture(t, srv, 0)

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/undo", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("undo with no events status = %d, want 404", rr.Code)
	}
}

func TestDryRunEndpoint(t *testing.T) {
	srv, st := testServer(t)
	collectionID, ids := seedFixture(t, srv, 5)
	if _, err := st.InsertMembers(collectionID, ids[:2]); err != nil {
		t.Fatalf("seed overlap: %v", err)
	}

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add/dry-run", map[string]interface{}{
		"company_ids": ids,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("dry-run status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var result struct {
		Total          int `json:"total"`
		AlreadyMembers int `json:"already_members"`
		ToInsert       int `json:"to_insert"`
		ChunkSize      int `json:"chunk_size"`
	}
	decodeResponse(t, rr, &result)
	if result.Total != 5 || result.AlreadyMembers != 2 || result.ToInsert != 3 {
		t.Errorf("dry-run = %+v, want 5/2/3", result)
	}
	if result.ChunkSize != store.DefaultChunkDiscrete {
		t.Errorf("chunk_size = %d, want %d", result.ChunkSize, store.DefaultChunkDiscrete)
	}

	// No job row was created.
	rr = doRequest(srv, "GET", "/api/v1/jobs", nil)
	var jobs struct {
		Jobs []jobStatusResponse `json:"jobs"`
	}
	decodeResponse(t, rr, &jobs)
	if len(jobs.Jobs) != 0 {
		t.Errorf("jobs after dry-run = %d, want 0", len(jobs.Jobs))
	}
}

func TestSSETerminalJob(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, ids := seedFixture(t, srv, 4)

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", map[string]interface{}{
		"company_ids": ids,
	})
	var accepted jobAcceptedResponse
	decodeResponse(t, rr, &accepted)
	waitForJob(t, srv, accepted.JobID)

	rr = doRequest(srv, "GET", "/api/v1/jobs/"+accepted.JobID+"/progress", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: completed") {
		t.Errorf("body missing terminal event: %s", body)
	}
	if !strings.Contains(body, `"progress":100`) {
		t.Errorf("body missing progress 100: %s", body)
	}
}

func TestActivityEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	collectionID, ids := seedFixture(t, srv, 3)

	rr := doRequest(srv, "POST", "/api/v1/collections/"+collectionID+"/companies/bulk-add", map[string]interface{}{
		"company_ids": ids,
	})
	var accepted jobAcceptedResponse
	decodeResponse(t, rr, &accepted)
	waitForJob(t, srv, accepted.JobID)

	rr = doRequest(srv, "GET", "/api/v1/activity", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("activity status = %d", rr.Code)
	}
	var feed struct {
		Entries []store.ActivityEntry `json:"entries"`
		Total   int                   `json:"total"`
	}
	decodeResponse(t, rr, &feed)
	if feed.Total < 2 {
		t.Errorf("activity total = %d, want at least start and completion", feed.Total)
	}

	rr = doRequest(srv, "GET", "/api/v1/jobs/"+accepted.JobID+"/activity", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("job activity status = %d", rr.Code)
	}

	rr = doRequest(srv, "GET", "/api/v1/activity/stats?days=7", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("activity stats status = %d", rr.Code)
	}
}

func TestWebhookEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	rr := doRequest(srv, "POST", "/api/v1/webhooks", map[string]interface{}{
		"url":     "https://example.com/hook",
		"enabled": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var hook store.Webhook
	decodeResponse(t, rr, &hook)
	if hook.ID == "" {
		t.Fatal("webhook id not assigned")
	}

	rr = doRequest(srv, "GET", "/api/v1/webhooks", nil)
	var list struct {
		Webhooks []store.Webhook `json:"webhooks"`
	}
	decodeResponse(t, rr, &list)
	if len(list.Webhooks) != 1 {
		t.Errorf("webhooks = %d, want 1", len(list.Webhooks))
	}

	rr = doRequest(srv, "DELETE", "/api/v1/webhooks/"+hook.ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("delete status = %d", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/webhooks", map[string]interface{}{"url": "not-a-url"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid url status = %d, want 400", rr.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	srv, _ := testServerWithSecret(t, secret)

	rr := doRequest(srv, "GET", "/api/v1/jobs", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rr.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200, body: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer bogus.token.here")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bogus token status = %d, want 401", rr.Code)
	}

	// Healthz stays open.
	rr = doRequest(srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rr.Code)
	}
}
