package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srxops/srxops/pkg/device"
	"github.com/srxops/srxops/pkg/policy"
)

var errNotFound = errors.New("not found")

func unreachable(op string) error {
	return &device.Error{Kind: device.KindUnreachable, Op: op, Err: errors.New("connection reset by peer")}
}

func refused(op string) error {
	return &device.Error{Kind: device.KindConnection, Op: op, Err: errors.New("connection refused")}
}

// fakeDevice is the shared state behind every session the fake dialer opens.
type fakeDevice struct {
	mu sync.Mutex

	hostname    string
	model       string
	version     string
	upgradeTo   string
	config      string
	diff        string
	storageUsed int
	alarms      []device.Alarm
	tunnels     int

	// openErrs is consumed by successive Open calls; a nil entry succeeds.
	openErrs []error

	loadErr    error
	commitErr  error
	confirmErr error
	healthErr  error
	uploadErr  error
	installErr error
	rebootErr  error

	// factsHang makes Facts block until its context is done.
	factsHang bool
	// factsDeadline and confirmDeadline record the last context deadline
	// seen by Facts and Confirm. Zero means none.
	factsDeadline, confirmDeadline time.Time

	// postRebootHealthErr replaces healthErr once the device reboots.
	postRebootHealthErr error

	dials, opens, closes, loads, commits, confirms, rollbacks int
	snapshots, uploads, installs, reboots                     int
	commitMinutes                                             int
	comments                                                  []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		hostname: "srx-branch-01",
		model:    "SRX300",
		version:  "21.4R3-S5",
		config:   "set system host-name srx-branch-01\n",
		tunnels:  2,
	}
}

func (d *fakeDevice) Open(_ context.Context, _ device.Target) (device.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.openErrs) > 0 {
		err := d.openErrs[0]
		d.openErrs = d.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	d.opens++
	return &fakeSession{dev: d}, nil
}

func (d *fakeDevice) counts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]int{
		"dials": d.dials, "opens": d.opens, "closes": d.closes, "loads": d.loads, "commits": d.commits,
		"confirms": d.confirms, "rollbacks": d.rollbacks, "snapshots": d.snapshots,
		"uploads": d.uploads, "installs": d.installs, "reboots": d.reboots,
	}
}

type fakeSession struct {
	dev    *fakeDevice
	closed bool
}

func (s *fakeSession) LoadAndDiff(_ context.Context, commands []string) (string, error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	if d.loadErr != nil {
		return "", d.loadErr
	}
	return d.diff, nil
}

func (s *fakeSession) CommitConfirmed(_ context.Context, comment string, minutes int) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits++
	d.commitMinutes = minutes
	d.comments = append(d.comments, comment)
	if d.commitErr != nil {
		return d.commitErr
	}
	for _, line := range strings.Split(d.diff, "\n") {
		if strings.HasPrefix(line, "+ ") {
			d.config += strings.TrimPrefix(line, "+ ") + "\n"
		}
	}
	return nil
}

func (s *fakeSession) Confirm(ctx context.Context, comment string) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmDeadline, _ = ctx.Deadline()
	d.confirms++
	d.comments = append(d.comments, comment)
	if d.confirmErr == nil {
		// A confirmed change leaves nothing to load a second time.
		d.diff = ""
	}
	return d.confirmErr
}

func (s *fakeSession) RollbackCandidate(context.Context) error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.rollbacks++
	return nil
}

func (s *fakeSession) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.dev.closes++
	}
	return nil
}

func (s *fakeSession) Facts(ctx context.Context) (*device.Facts, error) {
	d := s.dev
	d.mu.Lock()
	d.factsDeadline, _ = ctx.Deadline()
	hang := d.factsHang
	d.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, &device.Error{Kind: device.KindUnreachable, Op: "facts", Err: ctx.Err()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.factsLocked(), nil
}

func (d *fakeDevice) factsLocked() *device.Facts {
	return &device.Facts{
		Hostname:     d.hostname,
		Model:        d.model,
		Version:      d.version,
		SerialNumber: "CV1234AF0001",
		Uptime:       3600,
		Personality:  "srx_branch",
	}
}

func (s *fakeSession) Health(context.Context) (*device.Health, error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.healthErr != nil {
		return nil, d.healthErr
	}
	tunnels := make([]device.Tunnel, 0, d.tunnels)
	for i := 0; i < d.tunnels; i++ {
		tunnels = append(tunnels, device.Tunnel{RemoteAddress: fmt.Sprintf("198.51.100.%d", i+1), Port: "500", State: "up"})
	}
	return &device.Health{
		Facts: d.factsLocked(),
		Storage: []device.Filesystem{
			{Name: "/dev/gpt/junos", MountedOn: "/.mount", UsedPercent: d.storageUsed},
		},
		Alarms:       d.alarms,
		InterfacesUp: 4,
		Tunnels:      tunnels,
		TunnelCount:  d.tunnels,
	}, nil
}

func (s *fakeSession) RunningConfig(_ context.Context, format string) (string, error) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.dev.config, nil
}

func (s *fakeSession) Snapshot(context.Context) error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.snapshots++
	return nil
}

func (s *fakeSession) Upload(_ context.Context, localPath, remoteDir string) (string, error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads++
	if d.uploadErr != nil {
		return "", d.uploadErr
	}
	return path.Join(remoteDir, path.Base(localPath)), nil
}

func (s *fakeSession) Install(context.Context, string) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installs++
	return d.installErr
}

func (s *fakeSession) Reboot(context.Context) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reboots++
	d.healthErr = d.postRebootHealthErr
	if d.upgradeTo != "" {
		d.version = d.upgradeTo
	}
	return d.rebootErr
}

// memJobs is an in-memory JobStore with the same transition guards as the
// SQL store.
type memJobs struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string
	phases   map[string][]string
	seq      int
	cancelAt map[string]string
	progress int
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:     make(map[string]*Job),
		phases:   make(map[string][]string),
		cancelAt: make(map[string]string),
	}
}

func (m *memJobs) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", m.seq)
	}
	if job.TaskID == "" {
		job.TaskID = "task-" + job.ID
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	now := time.Date(2026, 10, 18, 12, 0, m.seq, 0, time.UTC)
	job.QueuedAt, job.CreatedAt, job.UpdatedAt = now, now, now
	cp := *job
	m.jobs[job.ID] = &cp
	m.order = append(m.order, job.ID)
	return nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) ListJobs(_ context.Context, f JobFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for i := len(m.order) - 1; i >= 0; i-- {
		job := m.jobs[m.order[i]]
		if (f.DeviceID != "" && job.DeviceID != f.DeviceID) ||
			(f.Type != "" && job.Type != f.Type) ||
			(f.Status != "" && job.Status != f.Status) {
			continue
		}
		cp := *job
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *memJobs) ClaimNextJob(_ context.Context, types []JobType) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	busy := make(map[string]bool)
	for _, job := range m.jobs {
		if job.Status == JobStatusRunning {
			busy[job.DeviceID] = true
		}
	}
	for _, id := range m.order {
		job := m.jobs[id]
		if job.Status != JobStatusPending || busy[job.DeviceID] {
			continue
		}
		for _, t := range types {
			if job.Type == t {
				m.startLocked(job)
				cp := *job
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *memJobs) startLocked(job *Job) {
	now := time.Now().UTC()
	job.Status = JobStatusRunning
	job.StartedAt = &now
}

func (m *memJobs) StartJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	if !job.Status.CanTransition(JobStatusRunning) {
		return nil, fmt.Errorf("job %s is %s", id, job.Status)
	}
	m.startLocked(job)
	cp := *job
	return &cp, nil
}

func (m *memJobs) UpdateJobProgress(_ context.Context, id, phase string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errNotFound
	}
	if job.Status != JobStatusRunning {
		return fmt.Errorf("job %s is %s", id, job.Status)
	}
	job.Phase = phase
	if result != nil {
		job.Result = result
	}
	m.phases[id] = append(m.phases[id], phase)
	m.progress++
	if want, ok := m.cancelAt[id]; ok && want == phase {
		job.CancelRequested = true
	}
	return nil
}

func (m *memJobs) FinishJob(_ context.Context, id string, status JobStatus, result json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errNotFound
	}
	if !job.Status.CanTransition(status) || !status.IsTerminal() {
		return fmt.Errorf("invalid transition %s -> %s", job.Status, status)
	}
	now := time.Now().UTC()
	job.Status = status
	job.FinishedAt = &now
	if result != nil {
		job.Result = result
	}
	job.Error = errMsg
	return nil
}

func (m *memJobs) CancelJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	switch job.Status {
	case JobStatusPending:
		now := time.Now().UTC()
		job.Status = JobStatusCancelled
		job.FinishedAt = &now
		job.Error = "cancelled before start"
	case JobStatusRunning:
		job.CancelRequested = true
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) IsCancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, errNotFound
	}
	return job.CancelRequested, nil
}

// requestCancelAt flags the job for cancellation once it reports phase.
func (m *memJobs) requestCancelAt(id, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAt[id] = phase
}

func (m *memJobs) phaseLog(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.phases[id]...)
}

type memDevices struct {
	mu      sync.Mutex
	devices map[string]*Device
	facts   map[string][3]string
}

func newMemDevices(devs ...*Device) *memDevices {
	m := &memDevices{devices: make(map[string]*Device), facts: make(map[string][3]string)}
	for _, d := range devs {
		m.devices[d.ID] = d
	}
	return m
}

func (m *memDevices) CreateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
	return nil
}

func (m *memDevices) GetDevice(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDevices) GetDeviceByAddress(_ context.Context, ip string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.MgmtIP == ip {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (m *memDevices) ListDevices(_ context.Context, enabledOnly bool) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for _, d := range m.devices {
		if enabledOnly && !d.Enabled {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (m *memDevices) UpdateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; !ok {
		return errNotFound
	}
	m.devices[d.ID] = d
	return nil
}

func (m *memDevices) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
	return nil
}

func (m *memDevices) RecordFacts(_ context.Context, id, model, version, serial string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return errNotFound
	}
	d.Model, d.FirmwareVersion, d.SerialNumber = model, version, serial
	d.LastSeenAt = &seenAt
	m.facts[id] = [3]string{model, version, serial}
	return nil
}

func (m *memDevices) SetFirmwareVersion(_ context.Context, id, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return errNotFound
	}
	d.FirmwareVersion = version
	return nil
}

func (m *memDevices) TouchBackup(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return errNotFound
	}
	d.LastBackupAt = &at
	return nil
}

func (m *memDevices) get(id string) Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.devices[id]
}

type memVersions struct {
	mu       sync.Mutex
	versions []*ConfigVersion
}

func (m *memVersions) AddConfigVersion(_ context.Context, v *ConfigVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = fmt.Sprintf("v-%d", len(m.versions)+1)
	m.versions = append(m.versions, v)
	return nil
}

func (m *memVersions) ListConfigVersions(_ context.Context, deviceID string, limit int) ([]*ConfigVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ConfigVersion
	for i := len(m.versions) - 1; i >= 0; i-- {
		if m.versions[i].DeviceID == deviceID {
			out = append(out, m.versions[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memVersions) all() []*ConfigVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ConfigVersion(nil), m.versions...)
}

type memArtifacts struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{blobs: make(map[string][]byte)}
}

func (m *memArtifacts) Save(_ context.Context, dev *Device, content []byte, label string) (*SavedConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	sum := sha256.Sum256(content)
	token := hex.EncodeToString(sum[:])[:12]
	m.blobs[token] = append([]byte(nil), content...)
	return &SavedConfig{
		Token: token,
		Path:  dev.Hostname + "/" + token,
		Size:  len(content),
		Lines: strings.Count(string(content), "\n"),
	}, nil
}

func (m *memArtifacts) Read(_ context.Context, token string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[token]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 18, 1, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeCatalog map[string]*FirmwareImage

func (c fakeCatalog) Find(version string) (*FirmwareImage, error) {
	img, ok := c[version]
	if !ok {
		return nil, errNotFound
	}
	return img, nil
}

type fakeGate struct {
	change    *policy.Decision
	readiness *policy.Decision
	inputs    []*policy.ChangeInput
}

func (g *fakeGate) EvaluateChange(_ context.Context, in *policy.ChangeInput) (*policy.Decision, error) {
	g.inputs = append(g.inputs, in)
	if g.change == nil {
		return &policy.Decision{Allowed: true}, nil
	}
	return g.change, nil
}

func (g *fakeGate) EvaluateReadiness(context.Context, *policy.ReadinessInput) (*policy.Decision, error) {
	if g.readiness == nil {
		return &policy.Decision{Allowed: true}, nil
	}
	return g.readiness, nil
}

type memLeases struct {
	mu     sync.Mutex
	owners map[string]string
	renews int
}

func newMemLeases() *memLeases {
	return &memLeases{owners: make(map[string]string)}
}

func (m *memLeases) Acquire(_ context.Context, deviceID, owner, jobID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.owners[deviceID]; ok && held != owner {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrLeaseHeld)
	}
	m.owners[deviceID] = owner
	now := time.Now()
	return &Lease{DeviceID: deviceID, Owner: owner, JobID: jobID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (m *memLeases) Renew(_ context.Context, deviceID, owner string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renews++
	return nil
}

func (m *memLeases) Release(_ context.Context, deviceID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[deviceID] == owner {
		delete(m.owners, deviceID)
	}
	return nil
}

func (m *memLeases) held(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owners[deviceID]
	return ok
}

// harness wires one device into every fake.
type harness struct {
	dev       *fakeDevice
	device    *Device
	jobs      *memJobs
	devices   *memDevices
	versions  *memVersions
	artifacts *memArtifacts
	clock     *fakeClock
}

func newHarness() *harness {
	fd := newFakeDevice()
	d := &Device{
		ID:              "dev-1",
		Hostname:        fd.hostname,
		MgmtIP:          "192.0.2.10",
		Model:           fd.model,
		FirmwareVersion: fd.version,
		Region:          "west",
		Enabled:         true,
	}
	return &harness{
		dev:       fd,
		device:    d,
		jobs:      newMemJobs(),
		devices:   newMemDevices(d),
		versions:  &memVersions{},
		artifacts: newMemArtifacts(),
		clock:     newFakeClock(),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Dialer:    h.dev,
		Devices:   h.devices,
		Versions:  h.versions,
		Artifacts: h.artifacts,
		Clock:     h.clock,
	}
}

// newRun creates a running job of the given type and a Run for it.
func (h *harness) newRun(t JobType, params JobParams) *Run {
	job := &Job{Type: t, DeviceID: h.device.ID, RequestedBy: Requester{Email: "ops@example.com", Name: "Ops"}, Params: params}
	if err := h.jobs.CreateJob(context.Background(), job); err != nil {
		panic(err)
	}
	started, err := h.jobs.StartJob(context.Background(), job.ID)
	if err != nil {
		panic(err)
	}
	dev, _ := h.devices.GetDevice(context.Background(), h.device.ID)
	return NewRun(started, dev, h.jobs, nil)
}
