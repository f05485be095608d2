package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog/log"

	"github.com/srxops/srxops/pkg/engine"
)

// ErrNotFound is returned when a token or firmware version is unknown.
var ErrNotFound = errors.New("artifact not found")

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is a content addressed snapshot store on the local filesystem.
type Store struct {
	root     string
	versions engine.VersionStore
}

var _ engine.ArtifactStore = (*Store)(nil)

// NewStore creates the store under root. versions backs History and may be
// nil when history is not needed.
func NewStore(root string, versions engine.VersionStore) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	for _, dir := range []string{objectsDir(root), devicesDir(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory: %w", err)
		}
	}
	return &Store{root: root, versions: versions}, nil
}

func objectsDir(root string) string { return filepath.Join(root, "configs", "objects") }
func devicesDir(root string) string { return filepath.Join(root, "configs", "devices") }

func (s *Store) objectPath(token string) string {
	return filepath.Join(objectsDir(s.root), token[:2], token)
}

// Save writes content and returns its token. The device's latest copy under
// configs/devices is refreshed as well.
func (s *Store) Save(_ context.Context, device *engine.Device, content []byte, label string) (*engine.SavedConfig, error) {
	sum := sha256.Sum256(content)
	token := hex.EncodeToString(sum[:])

	obj := s.objectPath(token)
	if _, err := os.Stat(obj); errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(obj, content); err != nil {
			return nil, fmt.Errorf("failed to write snapshot: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	rel := devicePath(device)
	if err := writeAtomic(filepath.Join(devicesDir(s.root), rel), content); err != nil {
		return nil, fmt.Errorf("failed to write device copy: %w", err)
	}

	saved := &engine.SavedConfig{
		Token: token,
		Path:  filepath.ToSlash(rel),
		Size:  len(content),
		Lines: countLines(content),
	}

	log.Debug().
		Str("device", device.Hostname).
		Str("token", token[:12]).
		Int("size", saved.Size).
		Str("label", label).
		Msg("configuration snapshot saved")

	return saved, nil
}

// Read returns the bytes saved under token.
func (s *Store) Read(_ context.Context, token string) ([]byte, error) {
	if !tokenPattern.MatchString(token) {
		return nil, fmt.Errorf("invalid version token %q", token)
	}

	data, err := os.ReadFile(s.objectPath(token))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("snapshot %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Resolve expands an unambiguous token prefix of at least 6 characters.
func (s *Store) Resolve(prefix string) (string, error) {
	prefix = strings.ToLower(prefix)
	if tokenPattern.MatchString(prefix) {
		return prefix, nil
	}
	if len(prefix) < 6 {
		return "", fmt.Errorf("token prefix %q is too short", prefix)
	}

	matches, err := filepath.Glob(filepath.Join(objectsDir(s.root), prefix[:2], prefix+"*"))
	if err != nil {
		return "", fmt.Errorf("invalid token prefix %q: %w", prefix, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("snapshot %s: %w", prefix, ErrNotFound)
	case 1:
		return filepath.Base(matches[0]), nil
	default:
		return "", fmt.Errorf("token prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// History lists a device's stored versions, newest first.
func (s *Store) History(ctx context.Context, device *engine.Device, limit int) ([]*engine.ConfigVersion, error) {
	if s.versions == nil {
		return nil, fmt.Errorf("no version store configured")
	}
	return s.versions.ListConfigVersions(ctx, device.ID, limit)
}

// Diff returns a unified diff from the snapshot at tokenA to the one at tokenB.
// Identical snapshots yield an empty string.
func (s *Store) Diff(ctx context.Context, tokenA, tokenB string) (string, error) {
	a, err := s.Read(ctx, tokenA)
	if err != nil {
		return "", err
	}
	b, err := s.Read(ctx, tokenB)
	if err != nil {
		return "", err
	}
	if bytes.Equal(a, b) {
		return "", nil
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: tokenA[:12],
		ToFile:   tokenB[:12],
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("failed to diff snapshots: %w", err)
	}
	return text, nil
}

// devicePath is region/site/hostname.conf with unsafe characters replaced.
func devicePath(d *engine.Device) string {
	return filepath.Join(pathSegment(d.Region), pathSegment(d.Site), pathSegment(d.Hostname)+".conf")
}

func pathSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "." || s == ".." {
		return "unknown"
	}
	return s
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte("\n"))
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

// writeAtomic writes through a .part file and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
