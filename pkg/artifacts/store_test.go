package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/srxops/srxops/pkg/engine"
)

type memVersions struct {
	mu       sync.Mutex
	versions []*engine.ConfigVersion
}

func (m *memVersions) AddConfigVersion(_ context.Context, v *engine.ConfigVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions = append(m.versions, v)
	return nil
}

func (m *memVersions) ListConfigVersions(_ context.Context, deviceID string, limit int) ([]*engine.ConfigVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*engine.ConfigVersion
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

var testDevice = &engine.Device{ID: "dev-1", Hostname: "srx-branch-01", Region: "west", Site: "Branch 12"}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(root, &memVersions{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, root
}

func TestSaveReadRoundTrip(t *testing.T) {
	store, root := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		content []byte
		lines   int
	}{
		{"set format", []byte("set system host-name srx-branch-01\nset system ntp server 192.0.2.1\n"), 2},
		{"no trailing newline", []byte("set system host-name srx"), 1},
		{"binary and crlf", []byte("set a\r\n\x00\xff\n"), 2},
		{"empty", []byte{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved, err := store.Save(ctx, testDevice, tt.content, "test")
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if len(saved.Token) != 64 || saved.Size != len(tt.content) || saved.Lines != tt.lines {
				t.Errorf("saved = %+v, want %d lines", saved, tt.lines)
			}

			got, err := store.Read(ctx, saved.Token)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if string(got) != string(tt.content) {
				t.Errorf("Read() = %q, want %q", got, tt.content)
			}

			latest, err := os.ReadFile(filepath.Join(root, "configs", "devices", filepath.FromSlash(saved.Path)))
			if err != nil || string(latest) != string(tt.content) {
				t.Errorf("device copy = %q, %v", latest, err)
			}
		})
	}
}

func TestSaveIsContentAddressed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	content := []byte("set system host-name srx-branch-01\n")

	a, err := store.Save(ctx, testDevice, content, "first")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	b, err := store.Save(ctx, &engine.Device{Hostname: "other"}, content, "second")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if a.Token != b.Token {
		t.Errorf("identical content produced tokens %s and %s", a.Token, b.Token)
	}
	if a.Path != "west/Branch_12/srx-branch-01.conf" {
		t.Errorf("Path = %q", a.Path)
	}
	if b.Path != "unknown/unknown/other.conf" {
		t.Errorf("Path = %q", b.Path)
	}

	c, _ := store.Save(ctx, testDevice, append(content, "set system ntp\n"...), "third")
	if c.Token == a.Token {
		t.Error("different content produced the same token")
	}
}

func TestReadErrors(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Read(ctx, "../../etc/passwd"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Read(path) error = %v, want invalid token", err)
	}
	missing := strings.Repeat("ab", 32)
	if _, err := store.Read(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read(missing) error = %v, want ErrNotFound", err)
	}
}

func TestResolve(t *testing.T) {
	store, _ := newTestStore(t)
	saved, _ := store.Save(context.Background(), testDevice, []byte("set system host-name srx\n"), "")

	got, err := store.Resolve(saved.Token[:10])
	if err != nil || got != saved.Token {
		t.Errorf("Resolve(prefix) = %q, %v", got, err)
	}
	if got, err := store.Resolve(strings.ToUpper(saved.Token)); err != nil || got != saved.Token {
		t.Errorf("Resolve(full upper) = %q, %v", got, err)
	}
	if _, err := store.Resolve("abc"); err == nil {
		t.Error("Resolve(short) should fail")
	}
	unknown := "000000"
	if strings.HasPrefix(saved.Token, unknown) {
		unknown = "ffffff"
	}
	if _, err := store.Resolve(unknown); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestDiff(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	before, _ := store.Save(ctx, testDevice, []byte("set system host-name srx-branch-01\nset system ntp server 192.0.2.1\n"), "")
	after, _ := store.Save(ctx, testDevice, []byte("set system host-name srx-branch-99\nset system ntp server 192.0.2.1\n"), "")

	diff, err := store.Diff(ctx, before.Token, after.Token)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	for _, want := range []string{
		"--- " + before.Token[:12],
		"+++ " + after.Token[:12],
		"-set system host-name srx-branch-01",
		"+set system host-name srx-branch-99",
		" set system ntp server 192.0.2.1",
	} {
		if !strings.Contains(diff, want) {
			t.Errorf("diff missing %q:\n%s", want, diff)
		}
	}

	same, err := store.Diff(ctx, before.Token, before.Token)
	if err != nil || same != "" {
		t.Errorf("Diff(same) = %q, %v", same, err)
	}
}

func TestHistory(t *testing.T) {
	versions := &memVersions{}
	store, err := NewStore(t.TempDir(), versions)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()
	for _, token := range []string{"a", "b", "c"} {
		_ = versions.AddConfigVersion(ctx, &engine.ConfigVersion{DeviceID: testDevice.ID, VersionToken: token})
	}
	_ = versions.AddConfigVersion(ctx, &engine.ConfigVersion{DeviceID: "dev-2", VersionToken: "z"})

	history, err := store.History(ctx, testDevice, 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].VersionToken != "c" || history[1].VersionToken != "b" {
		t.Errorf("History() = %+v", history)
	}

	bare, _ := NewStore(t.TempDir(), nil)
	if _, err := bare.History(ctx, testDevice, 0); err == nil {
		t.Error("History() without a version store should fail")
	}
}

func TestPathSegment(t *testing.T) {
	tests := map[string]string{
		"":             "unknown",
		"  ":           "unknown",
		"..":           "unknown",
		"west":         "west",
		"San José/HQ":  "San_Jos__HQ",
		"srx-branch.1": "srx-branch.1",
	}
	for in, want := range tests {
		if got := pathSegment(in); got != want {
			t.Errorf("pathSegment(%q) = %q, want %q", in, got, want)
		}
	}
}
