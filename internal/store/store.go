package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/seedmint/internal/seed"
)

var (
	ErrNotFound    = errors.New("store: artifact not found")
	ErrSetup       = errors.New("store: output directory setup failed")
	ErrUnknownKind = errors.New("store: unknown artifact kind")
)

// Kind selects one of the two artifact namespaces.
type Kind int

const (
	KindImage Kind = iota
	KindAttributes
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAttributes:
		return "attributes"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Ext is the fixed file extension for the kind.
func (k Kind) Ext() string {
	switch k {
	case KindImage:
		return ".png"
	case KindAttributes:
		return ".json"
	default:
		return ""
	}
}

// Store is the on-disk artifact layout: two sibling directories holding
// <seed>.png and <seed>.json. Each seed's files have exactly one writer per
// run, so no locking is done here.
type Store struct {
	imageDir string
	attrDir  string
}

func New(imageDir, attrDir string) *Store {
	return &Store{
		imageDir: filepath.Clean(imageDir),
		attrDir:  filepath.Clean(attrDir),
	}
}

// Init creates both directories. It is idempotent.
func (s *Store) Init() error {
	for _, dir := range []string{s.imageDir, s.attrDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSetup, dir, err)
		}
	}
	return nil
}

func (s *Store) Dir(kind Kind) (string, error) {
	switch kind {
	case KindImage:
		return s.imageDir, nil
	case KindAttributes:
		return s.attrDir, nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
}

// FileName is the seed-derived file identity shared by every artifact of a kind.
func FileName(sd seed.Seed, kind Kind) string {
	return sd.String() + kind.Ext()
}

func (s *Store) Path(sd seed.Seed, kind Kind) (string, error) {
	dir, err := s.Dir(kind)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName(sd, kind)), nil
}

// Put replaces the artifact atomically. A previous artifact with the same seed
// is overwritten.
func (s *Store) Put(sd seed.Seed, kind Kind, data []byte) error {
	dest, err := s.Path(sd, kind)
	if err != nil {
		return err
	}
	return writeAtomic(dest, data)
}

func (s *Store) Get(sd seed.Seed, kind Kind) ([]byte, error) {
	p, err := s.Path(sd, kind)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: seed=%s kind=%s", ErrNotFound, sd, kind)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List returns the seeds present for kind in sorted order. A missing
// directory lists as empty.
func (s *Store) List(kind Kind) ([]seed.Seed, error) {
	dir, err := s.Dir(kind)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ext := kind.Ext()
	out := make([]seed.Seed, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ext) {
			continue
		}
		sd, err := seed.Parse(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		out = append(out, sd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
