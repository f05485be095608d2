package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/srxops/srxops/pkg/engine"
)

func testDevice(hostname, ip string) *engine.Device {
	return &engine.Device{
		Hostname: hostname,
		MgmtIP:   ip,
		Region:   "west",
		Site:     "Branch 12",
		Enabled:  true,
		Tags:     []string{"branch", "lte"},
	}
}

func TestDeviceCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("srx-branch-01", "192.0.2.10")
	if err := store.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if dev.ID == "" {
		t.Fatal("CreateDevice() did not assign an ID")
	}
	if dev.SSHPort != 22 {
		t.Errorf("SSHPort = %d, want default 22", dev.SSHPort)
	}

	got, err := store.GetDevice(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Hostname != dev.Hostname || got.MgmtIP != dev.MgmtIP || got.Region != "west" || !got.Enabled {
		t.Errorf("GetDevice() = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "lte" {
		t.Errorf("Tags = %v", got.Tags)
	}
	if got.LastSeenAt != nil || got.LastBackupAt != nil {
		t.Error("new device should have no last_seen_at / last_backup_at")
	}

	byIP, err := store.GetDeviceByAddress(ctx, "192.0.2.10")
	if err != nil || byIP.ID != dev.ID {
		t.Errorf("GetDeviceByAddress() = %v, %v", byIP, err)
	}

	got.Notes = "moved to rack 4"
	got.Enabled = false
	got.Tags = nil
	if err := store.UpdateDevice(ctx, got); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	updated, _ := store.GetDevice(ctx, dev.ID)
	if updated.Notes != "moved to rack 4" || updated.Enabled || updated.Tags != nil {
		t.Errorf("after update = %+v", updated)
	}

	if err := store.DeleteDevice(ctx, dev.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := store.GetDevice(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDevice() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteDevice(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteDevice() error = %v, want ErrNotFound", err)
	}
}

func TestCreateDevice_Validation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateDevice(ctx, &engine.Device{Hostname: "srx"}); err == nil {
		t.Error("expected error for missing mgmt_ip")
	}

	if err := store.CreateDevice(ctx, testDevice("srx-a", "192.0.2.1")); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	err := store.CreateDevice(ctx, testDevice("srx-b", "192.0.2.1"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate mgmt_ip error = %v, want ErrDuplicate", err)
	}
}

func TestListDevices(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, d := range []*engine.Device{
		testDevice("srx-c", "192.0.2.3"),
		testDevice("srx-a", "192.0.2.1"),
		{Hostname: "srx-b", MgmtIP: "192.0.2.2", Enabled: false},
	} {
		if err := store.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
	}

	all, err := store.ListDevices(ctx, false)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(all) != 3 || all[0].Hostname != "srx-a" || all[2].Hostname != "srx-c" {
		t.Errorf("ListDevices(false) order = %v", hostnames(all))
	}

	enabled, err := store.ListDevices(ctx, true)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(enabled) != 2 {
		t.Errorf("ListDevices(true) = %v, want 2 enabled", hostnames(enabled))
	}
}

func hostnames(devs []*engine.Device) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Hostname
	}
	return out
}

func TestRecordFacts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("srx-a", "192.0.2.1")
	dev.Model = "SRX300"
	_ = store.CreateDevice(ctx, dev)

	seen := time.Date(2026, 10, 18, 8, 15, 0, 0, time.UTC)
	if err := store.RecordFacts(ctx, dev.ID, "", "21.4R3-S5", "CV1234AF0001", seen); err != nil {
		t.Fatalf("RecordFacts() error = %v", err)
	}

	got, _ := store.GetDevice(ctx, dev.ID)
	if got.Model != "SRX300" {
		t.Errorf("Model = %q, empty facts must not clear it", got.Model)
	}
	if got.FirmwareVersion != "21.4R3-S5" || got.SerialNumber != "CV1234AF0001" {
		t.Errorf("facts = %q / %q", got.FirmwareVersion, got.SerialNumber)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, seen)
	}

	if err := store.SetFirmwareVersion(ctx, dev.ID, "22.4R3-S2"); err != nil {
		t.Fatalf("SetFirmwareVersion() error = %v", err)
	}
	if err := store.TouchBackup(ctx, dev.ID, seen.Add(time.Hour)); err != nil {
		t.Fatalf("TouchBackup() error = %v", err)
	}
	got, _ = store.GetDevice(ctx, dev.ID)
	if got.FirmwareVersion != "22.4R3-S2" {
		t.Errorf("FirmwareVersion = %q", got.FirmwareVersion)
	}
	if got.LastBackupAt == nil || !got.LastBackupAt.Equal(seen.Add(time.Hour)) {
		t.Errorf("LastBackupAt = %v", got.LastBackupAt)
	}

	if err := store.RecordFacts(ctx, "missing", "m", "v", "s", seen); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordFacts(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteDevice_ActiveJobAndCascade(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("srx-a", "192.0.2.1")
	_ = store.CreateDevice(ctx, dev)

	job := &engine.Job{Type: engine.JobTypeBackup, DeviceID: dev.ID}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if err := store.DeleteDevice(ctx, dev.ID); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("DeleteDevice() with pending job error = %v, want ErrDeviceBusy", err)
	}

	if _, err := store.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	if err := store.FinishJob(ctx, job.ID, engine.JobStatusSuccess, nil, ""); err != nil {
		t.Fatalf("FinishJob() error = %v", err)
	}
	_ = store.AddConfigVersion(ctx, &engine.ConfigVersion{
		DeviceID: dev.ID, VersionToken: "abc123", BackupType: engine.BackupTypeManual, JobID: job.ID,
	})
	if _, err := store.Acquire(ctx, dev.ID, "worker-1", job.ID, time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := store.DeleteDevice(ctx, dev.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}

	if _, err := store.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("job survived device deletion: %v", err)
	}
	versions, _ := store.ListConfigVersions(ctx, dev.ID, 0)
	if len(versions) != 0 {
		t.Errorf("config versions survived device deletion: %d", len(versions))
	}
	if _, err := store.GetLease(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("lease survived device deletion: %v", err)
	}
}

func TestDeleteDevice_RacesEnqueue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		dev := testDevice(fmt.Sprintf("srx-race-%02d", i), fmt.Sprintf("192.0.2.%d", 100+i))
		if err := store.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}

		var wg sync.WaitGroup
		var createErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			createErr = store.CreateJob(ctx, &engine.Job{Type: engine.JobTypeBackup, DeviceID: dev.ID})
		}()
		go func() {
			defer wg.Done()
			deleteErr = store.DeleteDevice(ctx, dev.ID)
		}()
		wg.Wait()

		if deleteErr != nil && !errors.Is(deleteErr, ErrDeviceBusy) {
			t.Fatalf("DeleteDevice() error = %v, want nil or ErrDeviceBusy", deleteErr)
		}
		if createErr == nil && deleteErr == nil {
			t.Fatalf("device %d deleted while a job was queued for it", i)
		}
		if createErr != nil && deleteErr != nil {
			t.Fatalf("both failed: create %v, delete %v", createErr, deleteErr)
		}
	}
}
