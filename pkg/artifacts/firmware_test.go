package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeImage(t *testing.T, root, major, name string, size int) {
	t.Helper()
	dir := filepath.Join(root, "firmware", major)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	root := t.TempDir()
	writeImage(t, root, "21.x", "junos-srxsme-21.4R3-S5.tgz", 10)
	writeImage(t, root, "22.x", "junos-install-srxsme-mips-64-22.4R3-S2.tgz", 20)
	writeImage(t, root, "22.x", "junos-srxsme-22.4R2.tgz", 15)
	writeImage(t, root, "23.x", "junos-srxsme-23.4R2.13.tgz", 30)
	writeImage(t, root, "23.x", "README.txt", 1)
	return NewCatalog(root)
}

func TestCatalogFind(t *testing.T) {
	catalog := newTestCatalog(t)

	tests := []struct {
		version string
		file    string
		major   string
		size    int64
	}{
		{"23.4R2.13", "junos-srxsme-23.4R2.13.tgz", "23.x", 30},
		{"22.4R3-S2", "junos-install-srxsme-mips-64-22.4R3-S2.tgz", "22.x", 20},
		{"21.4R3-S5", "junos-srxsme-21.4R3-S5.tgz", "21.x", 10},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			img, err := catalog.Find(tt.version)
			if err != nil {
				t.Fatalf("Find() error = %v", err)
			}
			if img.File != tt.file || img.Major != tt.major || img.Size != tt.size || img.Version != tt.version {
				t.Errorf("Find() = %+v", img)
			}
			if img.Path != filepath.Join(catalog.Dir(), tt.major, tt.file) {
				t.Errorf("Path = %q", img.Path)
			}
		})
	}
}

func TestCatalogFindMissing(t *testing.T) {
	catalog := newTestCatalog(t)

	for _, version := range []string{"24.2R1", "22.4R9", ""} {
		if _, err := catalog.Find(version); err == nil {
			t.Errorf("Find(%q) should fail", version)
		}
	}
	if _, err := catalog.Find("24.2R1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(missing major) error = %v, want ErrNotFound", err)
	}
}

func TestCatalogList(t *testing.T) {
	catalog := newTestCatalog(t)

	images, err := catalog.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var got []string
	for _, img := range images {
		got = append(got, img.Version)
	}
	want := []string{"23.4R2.13", "22.4R3-S2", "22.4R2", "21.4R3-S5"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("List() versions = %v, want %v", got, want)
	}

	empty, err := NewCatalog(t.TempDir()).List()
	if err != nil || len(empty) != 0 {
		t.Errorf("List() on empty root = %v, %v", empty, err)
	}
}

func TestVersionFromFile(t *testing.T) {
	tests := map[string]string{
		"junos-srxsme-23.4R2.13.tgz":                 "23.4R2.13",
		"junos-install-srxsme-mips-64-22.4R3-S2.tgz": "22.4R3-S2",
		"custom-21.4R1.tgz":                          "custom-21.4R1",
	}
	for in, want := range tests {
		if got := VersionFromFile(in); got != want {
			t.Errorf("VersionFromFile(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"23.4R2.13", "22.4R3-S2", 1},
		{"22.4R3-S2", "22.4R2", 1},
		{"21.4R3-S5", "21.4R3-S10", -1},
		{"21.4R3", "21.4R3-S1", -1},
		{"21.4R3", "21.4R3", 0},
		{"9.6R1", "10.1R1", -1},
	}
	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
