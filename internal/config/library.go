package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mescon/Mediamend/internal/domain"
)

// Library describes the media types the service manages: where each one
// lives on disk, which offsets are sampled, and which extensions count as media.
type Library struct {
	// Profiles is sorted by media type.
	Profiles   []domain.MediaProfile
	Extensions []string
}

type libraryFile struct {
	MediaTypes map[string]struct {
		Root        string `yaml:"root"`
		Checkpoints []int  `yaml:"checkpoints"`
	} `yaml:"media_types"`
	Extensions []string `yaml:"extensions"`
}

// DefaultExtensions are recognized when the library file names none.
var DefaultExtensions = []string{".mp4", ".mkv", ".avi", ".mov", ".wmv"}

// DefaultLibrary is used when no library file exists.
func DefaultLibrary() *Library {
	return &Library{
		Profiles: []domain.MediaProfile{
			{Type: "movie", Root: "/media/movies", Checkpoints: []int{60, 600, 1800}},
			{Type: "tv", Root: "/media/tv", Checkpoints: []int{60, 300, 600}},
		},
		Extensions: append([]string(nil), DefaultExtensions...),
	}
}

// LoadLibrary reads a YAML library file. A missing file yields DefaultLibrary.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultLibrary(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read library file: %w", err)
	}
	return ParseLibrary(data)
}

// ParseLibrary decodes and normalizes a YAML library definition.
// Checkpoints are sorted and de-duplicated; negative offsets are rejected.
func ParseLibrary(data []byte) (*Library, error) {
	var raw libraryFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse library file: %w", err)
	}
	if len(raw.MediaTypes) == 0 {
		return nil, errors.New("library file defines no media types")
	}

	lib := &Library{}
	for name, p := range raw.MediaTypes {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("media type name must not be empty")
		}
		if !filepath.IsAbs(p.Root) {
			return nil, fmt.Errorf("media type %s: root must be an absolute path, got %q", name, p.Root)
		}
		checkpoints, err := normalizeCheckpoints(p.Checkpoints)
		if err != nil {
			return nil, fmt.Errorf("media type %s: %w", name, err)
		}
		lib.Profiles = append(lib.Profiles, domain.MediaProfile{
			Type:        domain.MediaType(name),
			Root:        filepath.Clean(p.Root),
			Checkpoints: checkpoints,
		})
	}
	sort.Slice(lib.Profiles, func(i, j int) bool { return lib.Profiles[i].Type < lib.Profiles[j].Type })

	exts := raw.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	seen := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if !seen[ext] {
			seen[ext] = true
			lib.Extensions = append(lib.Extensions, ext)
		}
	}
	return lib, nil
}

func normalizeCheckpoints(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, errors.New("at least one checkpoint is required")
	}
	out := make([]int, 0, len(in))
	seen := make(map[int]bool, len(in))
	for _, c := range in {
		if c < 0 {
			return nil, fmt.Errorf("checkpoint offset %d is negative", c)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Profile returns the profile for mediaType.
func (l *Library) Profile(mediaType domain.MediaType) (domain.MediaProfile, bool) {
	for _, p := range l.Profiles {
		if p.Type == mediaType {
			return p, true
		}
	}
	return domain.MediaProfile{}, false
}

// Types returns every configured media type, sorted.
func (l *Library) Types() []domain.MediaType {
	types := make([]domain.MediaType, len(l.Profiles))
	for i, p := range l.Profiles {
		types[i] = p.Type
	}
	return types
}

// IsMediaFile reports whether path has a recognized extension (case-insensitive).
func (l *Library) IsMediaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range l.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}
