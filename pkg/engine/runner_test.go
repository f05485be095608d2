package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type handlerFunc func(ctx context.Context, run *Run) (any, error)

func (f handlerFunc) Execute(ctx context.Context, run *Run) (any, error) {
	return f(ctx, run)
}

func (h *harness) runner(leases LeaseManager, cfg RunnerConfig) *Runner {
	r := NewRunner(h.jobs, h.devices, leases, cfg, nil, nil)
	deps := h.deps()
	r.Handle(JobTypeBackup, NewBackupTask(deps, Options{}))
	r.Handle(JobTypeHealth, NewHealthTask(deps, Options{}))
	r.Handle(JobTypeConfigChange, NewChangeOrchestrator(deps, nil, Options{}))
	return r
}

func (h *harness) enqueue(t *testing.T, jobType JobType, requester Requester, params JobParams) *Job {
	t.Helper()
	job, err := Enqueue(context.Background(), h.jobs, h.devices, EnqueueRequest{
		Type:        jobType,
		DeviceID:    h.device.ID,
		RequestedBy: requester,
		Params:      params,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return job
}

func TestRunner_Backup(t *testing.T) {
	tests := []struct {
		name        string
		requester   Requester
		wantType    BackupType
		wantMessage string
	}{
		{"manual", Requester{Email: "ops@example.com", Name: "Ops"}, BackupTypeManual, "Manual backup by Ops"},
		{"scheduled", Requester{Email: SystemRequester, Name: SystemRequester}, BackupTypeScheduled, "Scheduled backup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			leases := newMemLeases()
			r := h.runner(leases, RunnerConfig{})
			job := h.enqueue(t, JobTypeBackup, tt.requester, JobParams{})

			done, err := r.RunJob(context.Background(), job.ID)
			if err != nil {
				t.Fatalf("RunJob() error = %v", err)
			}
			if done.Status != JobStatusSuccess {
				t.Fatalf("status = %s, error = %q", done.Status, done.Error)
			}
			if done.StartedAt == nil || done.FinishedAt == nil {
				t.Error("timestamps not set")
			}

			var res BackupResult
			if err := json.Unmarshal(done.Result, &res); err != nil {
				t.Fatalf("result: %v", err)
			}
			if res.CommitSHA == "" || res.Lines != 1 || res.ConfigSize != len(h.dev.config) {
				t.Errorf("result = %+v", res)
			}

			versions := h.versions.all()
			if len(versions) != 1 || versions[0].BackupType != tt.wantType || versions[0].Message != tt.wantMessage {
				t.Errorf("versions = %+v", versions)
			}
			if h.devices.get(h.device.ID).LastBackupAt == nil {
				t.Error("last_backup_at not set")
			}
			if leases.held(h.device.ID) {
				t.Error("lease not released")
			}
		})
	}
}

func TestRunner_Health(t *testing.T) {
	h := newHarness()
	h.dev.version = "22.4R3-S2"
	h.dev.tunnels = 3
	r := h.runner(nil, RunnerConfig{})
	job := h.enqueue(t, JobTypeHealth, Requester{Name: "Ops"}, JobParams{})

	done, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if done.Status != JobStatusSuccess {
		t.Fatalf("status = %s, error = %q", done.Status, done.Error)
	}

	var res HealthResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.TunnelCount != 3 || len(res.Tunnels) != 3 || res.Facts == nil || res.Facts.Version != "22.4R3-S2" {
		t.Errorf("result = %+v", res)
	}

	dev := h.devices.get(h.device.ID)
	if dev.FirmwareVersion != "22.4R3-S2" || dev.SerialNumber != "CV1234AF0001" || dev.LastSeenAt == nil {
		t.Errorf("device = %+v", dev)
	}
}

func TestRunner_ChangeFailureKeepsResult(t *testing.T) {
	h := newHarness()
	h.dev.diff = "+ set system services netconf ssh"
	h.dev.openErrs = []error{nil, unreachable("open")}
	r := h.runner(nil, RunnerConfig{})
	job := h.enqueue(t, JobTypeConfigChange, Requester{Name: "Ops"}, JobParams{Commands: []string{"set system services netconf ssh"}})

	done, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if done.Status != JobStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "Device connectivity lost after change") {
		t.Errorf("error = %q", done.Error)
	}

	var res ChangeResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Diff != "+ set system services netconf ssh" || res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_LeaseHeld(t *testing.T) {
	h := newHarness()
	leases := newMemLeases()
	if _, err := leases.Acquire(context.Background(), h.device.ID, "other-worker", "job-x", time.Hour); err != nil {
		t.Fatal(err)
	}

	var called atomic.Bool
	r := NewRunner(h.jobs, h.devices, leases, RunnerConfig{}, nil, nil)
	r.Handle(JobTypeBackup, handlerFunc(func(context.Context, *Run) (any, error) {
		called.Store(true)
		return nil, nil
	}))
	job := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})

	done, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if done.Status != JobStatusFailed || !strings.Contains(done.Error, "device busy") {
		t.Errorf("status = %s, error = %q", done.Status, done.Error)
	}
	if called.Load() {
		t.Error("handler ran without the lease")
	}
	if !leases.held(h.device.ID) {
		t.Error("foreign lease was released")
	}
}

func TestRunner_SameOwnerJobsExclude(t *testing.T) {
	h := newHarness()
	leases := newMemLeases()
	r := NewRunner(h.jobs, h.devices, leases, RunnerConfig{Owner: "serve-process"}, nil, nil)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls atomic.Int32
	r.Handle(JobTypeBackup, handlerFunc(func(context.Context, *Run) (any, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil, nil
	}))
	first := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})
	second := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})

	firstDone := make(chan *Job, 1)
	go func() {
		done, _ := r.RunJob(context.Background(), first.ID)
		firstDone <- done
	}()
	<-entered

	done, err := r.RunJob(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if done.Status != JobStatusFailed || !strings.Contains(done.Error, "device busy") {
		t.Errorf("second job = %s %q, want failed with device busy", done.Status, done.Error)
	}

	close(release)
	if d := <-firstDone; d == nil || d.Status != JobStatusSuccess {
		t.Errorf("first job = %+v", d)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	if leases.held(h.device.ID) {
		t.Error("lease not released")
	}
}

func TestPool_OneJobPerDevice(t *testing.T) {
	h := newHarness()
	r := NewRunner(h.jobs, h.devices, newMemLeases(), RunnerConfig{Owner: "serve-process"}, nil, nil)
	var active, peak atomic.Int32
	r.Handle(JobTypeHealth, handlerFunc(func(context.Context, *Run) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}))
	pool := NewPool(r, h.jobs, PoolConfig{MaxConcurrent: 3, PollInterval: 5 * time.Millisecond})

	var jobs []*Job
	for i := 0; i < 3; i++ {
		jobs = append(jobs, h.enqueue(t, JobTypeHealth, Requester{Name: "Ops"}, JobParams{}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		finished := 0
		for _, j := range jobs {
			if got, _ := h.jobs.GetJob(context.Background(), j.ID); got.Status.IsTerminal() {
				finished++
			}
		}
		if finished == len(jobs) {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("%d of %d jobs finished", finished, len(jobs))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	for _, j := range jobs {
		if got, _ := h.jobs.GetJob(context.Background(), j.ID); got.Status != JobStatusSuccess {
			t.Errorf("job %s = %s %q", j.ID, got.Status, got.Error)
		}
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrent handlers on one device = %d, want 1", peak.Load())
	}
}

func TestRunner_HardBudget(t *testing.T) {
	h := newHarness()
	r := NewRunner(h.jobs, h.devices, nil, RunnerConfig{HardBudget: 50 * time.Millisecond}, nil, nil)
	r.Handle(JobTypeBackup, handlerFunc(func(ctx context.Context, _ *Run) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	job := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})

	done, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if done.Status != JobStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "hard time budget") || !strings.HasPrefix(done.Error, "[timeout]") {
		t.Errorf("error = %q", done.Error)
	}
}

func TestRunner_CancelRequestedBeforeStart(t *testing.T) {
	h := newHarness()
	var called atomic.Bool
	r := NewRunner(h.jobs, h.devices, nil, RunnerConfig{}, nil, nil)
	r.Handle(JobTypeBackup, handlerFunc(func(context.Context, *Run) (any, error) {
		called.Store(true)
		return nil, nil
	}))

	job := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})
	running, err := h.jobs.StartJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.jobs.CancelJob(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}

	if err := r.Execute(context.Background(), running); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	done, _ := h.jobs.GetJob(context.Background(), job.ID)
	if done.Status != JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", done.Status)
	}
	if called.Load() {
		t.Error("handler ran after cancellation")
	}
}

func TestRunner_PendingCancelNeverRuns(t *testing.T) {
	h := newHarness()
	r := h.runner(nil, RunnerConfig{})
	job := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})

	cancelled, err := h.jobs.CancelJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	n, err := NewPool(r, h.jobs, PoolConfig{}).Drain(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Drain() = %d, %v; want 0 jobs", n, err)
	}
	if h.dev.counts()["dials"] != 0 {
		t.Error("device was contacted")
	}
}

func TestRunner_MissingHandler(t *testing.T) {
	h := newHarness()
	r := NewRunner(h.jobs, h.devices, nil, RunnerConfig{}, nil, nil)
	job := h.enqueue(t, JobTypeHealth, Requester{Name: "Ops"}, JobParams{})

	done, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if done.Status != JobStatusFailed || !strings.Contains(done.Error, "no handler registered") {
		t.Errorf("status = %s, error = %q", done.Status, done.Error)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want JobStatus
	}{
		{nil, JobStatusSuccess},
		{NewCancelledError("cancelled by operator"), JobStatusCancelled},
		{context.Canceled, JobStatusFailed},
		{NewUnreachableError("lost", nil), JobStatusFailed},
		{errors.New("boom"), JobStatusFailed},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestEnqueueRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     EnqueueRequest
		wantErr string
	}{
		{"backup", EnqueueRequest{Type: JobTypeBackup, DeviceID: "dev-1"}, ""},
		{"unknown type", EnqueueRequest{Type: "reboot", DeviceID: "dev-1"}, "invalid job type"},
		{"missing device", EnqueueRequest{Type: JobTypeHealth}, "device id is required"},
		{"change without commands", EnqueueRequest{Type: JobTypeConfigChange, DeviceID: "dev-1"}, "at least one command"},
		{"blank command", EnqueueRequest{Type: JobTypeConfigChange, DeviceID: "dev-1", Params: JobParams{Commands: []string{"set system ntp", " "}}}, "command 2 is empty"},
		{"negative timeout", EnqueueRequest{Type: JobTypeConfigChange, DeviceID: "dev-1", Params: JobParams{Commands: []string{"set a"}, ConfirmTimeout: -1}}, "must not be negative"},
		{"upgrade without version", EnqueueRequest{Type: JobTypeUpgrade, DeviceID: "dev-1"}, "firmware version"},
		{"upgrade", EnqueueRequest{Type: JobTypeUpgrade, DeviceID: "dev-1", Params: JobParams{FirmwareVersion: "22.4R3-S2"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnqueue_UnknownDevice(t *testing.T) {
	h := newHarness()
	_, err := Enqueue(context.Background(), h.jobs, h.devices, EnqueueRequest{Type: JobTypeBackup, DeviceID: "missing"})
	if !errors.Is(err, errNotFound) {
		t.Errorf("Enqueue() error = %v, want not found", err)
	}
}

func TestPool_RunExecutesJobs(t *testing.T) {
	h := newHarness()
	r := h.runner(newMemLeases(), RunnerConfig{})
	pool := NewPool(r, h.jobs, PoolConfig{MaxConcurrent: 2, PollInterval: 5 * time.Millisecond})

	first := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})
	second := h.enqueue(t, JobTypeHealth, Requester{Name: "Ops"}, JobParams{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		a, _ := h.jobs.GetJob(context.Background(), first.ID)
		b, _ := h.jobs.GetJob(context.Background(), second.ID)
		if a.Status.IsTerminal() && b.Status.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not finish: %s, %s", a.Status, b.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestPool_QueueFilter(t *testing.T) {
	h := newHarness()
	r := h.runner(nil, RunnerConfig{})
	pool := NewPool(r, h.jobs, PoolConfig{Queues: []Queue{QueueHealth}})

	backup := h.enqueue(t, JobTypeBackup, Requester{Name: "Ops"}, JobParams{})
	h.enqueue(t, JobTypeHealth, Requester{Name: "Ops"}, JobParams{})

	n, err := pool.Drain(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v; want 1", n, err)
	}
	job, _ := h.jobs.GetJob(context.Background(), backup.ID)
	if job.Status != JobStatusPending {
		t.Errorf("backup job status = %s, want pending", job.Status)
	}
}
