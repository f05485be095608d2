package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/srxops/srxops/pkg/engine"
)

// imagePrefixes are stripped from package file names to get the version.
var imagePrefixes = []string{"junos-install-srxsme-mips-64-", "junos-srxsme-"}

const imageSuffix = ".tgz"

// Catalog lists firmware images under <root>/firmware/<major>.x/.
type Catalog struct {
	dir string
}

var _ engine.FirmwareCatalog = (*Catalog)(nil)

// NewCatalog returns a catalog rooted at the artifact root.
func NewCatalog(root string) *Catalog {
	return &Catalog{dir: filepath.Join(root, "firmware")}
}

// Dir returns the firmware directory.
func (c *Catalog) Dir() string { return c.dir }

// Find returns the image for version, looking only in the directory of its
// major release (23.4R2.13 is searched for in 23.x).
func (c *Catalog) Find(version string) (*engine.FirmwareImage, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, fmt.Errorf("firmware version is required")
	}

	major, _, _ := strings.Cut(version, ".")
	dir := filepath.Join(c.dir, major+".x")

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("dir", dir).Msg("firmware version directory not found")
		return nil, fmt.Errorf("firmware %s: %w", version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware directory: %w", err)
	}

	var candidates []*engine.FirmwareImage
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, imageSuffix) || !strings.Contains(name, version) {
			continue
		}
		img, err := imageFor(dir, name, major+".x")
		if err != nil {
			return nil, err
		}
		// An exact version match wins over a file that merely contains it.
		if img.Version == version {
			return img, nil
		}
		candidates = append(candidates, img)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("firmware %s: %w", version, ErrNotFound)
	}
	return candidates[0], nil
}

// List returns every image in the catalog, newest version first.
func (c *Catalog) List() ([]*engine.FirmwareImage, error) {
	majors, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("dir", c.dir).Msg("firmware directory does not exist")
		return []*engine.FirmwareImage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware directory: %w", err)
	}

	images := []*engine.FirmwareImage{}
	for _, m := range majors {
		if !m.IsDir() {
			continue
		}
		dir := filepath.Join(c.dir, m.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), imageSuffix) {
				continue
			}
			img, err := imageFor(dir, entry.Name(), m.Name())
			if err != nil {
				return nil, err
			}
			images = append(images, img)
		}
	}

	sort.SliceStable(images, func(i, j int) bool {
		return CompareVersions(images[i].Version, images[j].Version) > 0
	})
	return images, nil
}

func imageFor(dir, name, major string) (*engine.FirmwareImage, error) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat firmware image: %w", err)
	}
	return &engine.FirmwareImage{
		Version: VersionFromFile(name),
		File:    name,
		Path:    path,
		Size:    info.Size(),
		Major:   major,
	}, nil
}

// VersionFromFile strips the package prefix and .tgz suffix from an image name.
func VersionFromFile(name string) string {
	v := strings.TrimSuffix(name, imageSuffix)
	for _, p := range imagePrefixes {
		v = strings.TrimPrefix(v, p)
	}
	return v
}

// CompareVersions orders Junos version strings such as 21.4R3-S5 and
// 23.4R2.13, comparing digit runs numerically and everything else lexically.
// It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		x, y := pa[i], pb[i]
		xn, yn := isDigits(x), isDigits(y)
		switch {
		case xn && yn:
			x, y = strings.TrimLeft(x, "0"), strings.TrimLeft(y, "0")
			if len(x) != len(y) {
				return sign(len(x) - len(y))
			}
			if c := strings.Compare(x, y); c != 0 {
				return c
			}
		case xn != yn:
			// Numbers sort after letters: 21.4R3 > 21.4R.
			if xn {
				return 1
			}
			return -1
		default:
			if c := strings.Compare(x, y); c != 0 {
				return c
			}
		}
	}
	return sign(len(pa) - len(pb))
}

func versionParts(v string) []string {
	var parts []string
	var cur strings.Builder
	digits := false
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, r := range v {
		switch {
		case r == '.' || r == '-':
			flush()
		case unicode.IsDigit(r):
			if !digits {
				flush()
			}
			digits = true
			cur.WriteRune(r)
		default:
			if digits {
				flush()
			}
			digits = false
			cur.WriteRune(r)
		}
	}
	flush()
	return parts
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
