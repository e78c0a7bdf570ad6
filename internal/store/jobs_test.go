package store

import (
	"encoding/json"
	"testing"
)

func TestCreateJobIdempotent(t *testing.T) {
	s := testStore(t)

	params := json.RawMessage(`{"version":1,"op":"bulk_add_selected"}`)
	id1, existing, err := s.CreateJob("bulk_add", params, "key-1")
	if err != nil {
		t.Fatalf("first CreateJob: %v", err)
	}
	if existing {
		t.Error("first create reported existing=true")
	}

	id2, existing, err := s.CreateJob("bulk_add", params, "key-1")
	if err != nil {
		t.Fatalf("second CreateJob: %v", err)
	}
	if !existing {
		t.Error("second create reported existing=false")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}

	var count int
	if err := s.ReadDB().QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Errorf("job rows = %d, want 1", count)
	}
}

func TestCreateJobDistinctKeys(t *testing.T) {
	s := testStore(t)

	id1, _, err := s.CreateJob("bulk_add", nil, "key-a")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	id2, existing, err := s.CreateJob("bulk_add", nil, "key-b")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if existing {
		t.Error("distinct key reported existing=true")
	}
	if id1 == id2 {
		t.Error("distinct keys returned the same job ID")
	}
}

func TestCreateJobValidation(t *testing.T) {
	s := testStore(t)
	_, _, err := s.CreateJob("  ", nil, "")
	if !IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetJob("job_missing")
	if !IsNotFound(err) {
		t.Errorf("err = %v, want not-found error", err)
	}
}

func TestUpdateJobProgress(t *testing.T) {
	s := testStore(t)
	id, _, err := s.CreateJob("bulk_add", nil, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job, err := s.UpdateJobProgress(id, 50, 200, StateRunning)
	if err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if job == nil {
		t.Fatal("UpdateJobProgress returned nil job for live job")
	}
	if job.Done != 50 || job.Total != 200 || job.State != StateRunning {
		t.Errorf("job = %d/%d %s, want 50/200 running", job.Done, job.Total, job.State)
	}
	if got := job.Progress(); got != 25 {
		t.Errorf("Progress() = %v, want 25", got)
	}
}

func TestUpdateJobProgressValidation(t *testing.T) {
	s := testStore(t)
	id, _, _ := s.CreateJob("bulk_add", nil, "")

	if _, err := s.UpdateJobProgress(id, -1, 10, ""); !IsValidation(err) {
		t.Errorf("negative done: err = %v, want validation error", err)
	}
	if _, err := s.UpdateJobProgress(id, 11, 10, ""); !IsValidation(err) {
		t.Errorf("done > total: err = %v, want validation error", err)
	}
}

func TestProgressZeroTotal(t *testing.T) {
	j := &Job{Done: 0, Total: 0}
	if got := j.Progress(); got != 0 {
		t.Errorf("Progress() = %v, want 0", got)
	}
}

func TestUpdateJobProgressTerminalIgnored(t *testing.T) {
	s := testStore(t)
	id, _, _ := s.CreateJob("bulk_add", nil, "")

	if _, ok, err := s.CancelJob(id); err != nil || !ok {
		t.Fatalf("CancelJob: ok=%v err=%v", ok, err)
	}

	job, err := s.UpdateJobProgress(id, 10, 10, StateRunning)
	if err != nil {
		t.Fatalf("UpdateJobProgress on terminal job: %v", err)
	}
	if job != nil {
		t.Error("terminal job progress update returned a job, want nil no-op")
	}

	got, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != StateCancelled || got.Done != 0 {
		t.Errorf("job = %s done=%d, want cancelled done=0", got.State, got.Done)
	}
}

func TestFinishJobExactlyOnce(t *testing.T) {
	s := testStore(t)
	id, _, _ := s.CreateJob("bulk_add", nil, "")

	job, won, err := s.FinishJob(id, true, "")
	if err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	if !won {
		t.Error("first finish did not win the terminal transition")
	}
	if job.State != StateCompleted {
		t.Errorf("state = %q, want completed", job.State)
	}

	// A losing finish must not overwrite the terminal state.
	job, won, err = s.FinishJob(id, false, "boom")
	if err != nil {
		t.Fatalf("second FinishJob: %v", err)
	}
	if won {
		t.Error("second finish won the already-decided transition")
	}
	if job.State != StateCompleted {
		t.Errorf("state after losing finish = %q, want completed", job.State)
	}
	if job.ErrorMessage != nil {
		t.Errorf("error_message = %q, want unset", *job.ErrorMessage)
	}
}

func TestFinishJobFailureRecordsError(t *testing.T) {
	s := testStore(t)
	id, _, _ := s.CreateJob("bulk_add", nil, "")

	job, won, err := s.FinishJob(id, false, "constraint violated")
	if err != nil || !won {
		t.Fatalf("FinishJob: won=%v err=%v", won, err)
	}
	if job.State != StateFailed {
		t.Errorf("state = %q, want failed", job.State)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "constraint violated" {
		t.Errorf("error_message = %v, want %q", job.ErrorMessage, "constraint violated")
	}
}

func TestCancelJobAbsorbing(t *testing.T) {
	s := testStore(t)
	id, _, _ := s.CreateJob("bulk_add", nil, "")

	if _, ok, err := s.CancelJob(id); err != nil || !ok {
		t.Fatalf("first cancel: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.CancelJob(id); err != nil || ok {
		t.Fatalf("second cancel: ok=%v err=%v, want ok=false", ok, err)
	}
	if _, ok, err := s.CancelJob("job_missing"); err != nil || ok {
		t.Fatalf("cancel missing: ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestListRecentJobs(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		if _, _, err := s.CreateJob("bulk_add", nil, ""); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	jobs, err := s.ListRecentJobs(3)
	if err != nil {
		t.Fatalf("ListRecentJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len = %d, want 3", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i-1].ID < jobs[i].ID {
			t.Errorf("jobs not ordered newest first: %s before %s", jobs[i-1].ID, jobs[i].ID)
		}
	}
}

func TestJobState(t *testing.T) {
	s := testStore(t)
	id, _, _ := s.CreateJob("bulk_add", nil, "")

	state, err := s.JobState(id)
	if err != nil {
		t.Fatalf("JobState: %v", err)
	}
	if state != StateQueued {
		t.Errorf("state = %q, want queued", state)
	}
	if _, err := s.JobState("job_missing"); !IsNotFound(err) {
		t.Errorf("err = %v, want not-found error", err)
	}
}
