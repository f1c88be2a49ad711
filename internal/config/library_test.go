package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mescon/Mediamend/internal/domain"
)

func TestParseLibrary(t *testing.T) {
	data := []byte(`
media_types:
  tv:
    root: /media/tv/
    checkpoints: [600, 60, 300, 60]
  movie:
    root: /media/movies
    checkpoints: [1800, 60, 600]
extensions: [MKV, .mp4, mkv, " .ts "]
`)
	lib, err := ParseLibrary(data)
	if err != nil {
		t.Fatalf("ParseLibrary: %v", err)
	}

	if got := lib.Types(); !reflect.DeepEqual(got, []domain.MediaType{"movie", "tv"}) {
		t.Errorf("Types() = %v", got)
	}
	tv, ok := lib.Profile("tv")
	if !ok {
		t.Fatal("tv profile missing")
	}
	if !reflect.DeepEqual(tv.Checkpoints, []int{60, 300, 600}) {
		t.Errorf("tv checkpoints = %v, want sorted and unique", tv.Checkpoints)
	}
	if tv.Root != "/media/tv" {
		t.Errorf("tv root = %q, want cleaned", tv.Root)
	}
	if !reflect.DeepEqual(lib.Extensions, []string{".mkv", ".mp4", ".ts"}) {
		t.Errorf("Extensions = %v", lib.Extensions)
	}
	if _, ok := lib.Profile("music"); ok {
		t.Error("unknown profile reported present")
	}
}

func TestParseLibrary_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"no media types", "extensions: [.mkv]", "no media types"},
		{"relative root", "media_types: {movie: {root: movies, checkpoints: [60]}}", "absolute"},
		{"negative checkpoint", "media_types: {movie: {root: /m, checkpoints: [60, -1]}}", "negative"},
		{"no checkpoints", "media_types: {movie: {root: /m}}", "at least one checkpoint"},
		{"bad yaml", "media_types: [", "parse library"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLibrary([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLibrary_DefaultExtensions(t *testing.T) {
	lib, err := ParseLibrary([]byte("media_types: {movie: {root: /m, checkpoints: [0, 60]}}"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lib.Extensions, DefaultExtensions) {
		t.Errorf("Extensions = %v, want defaults", lib.Extensions)
	}
}

func TestLoadLibrary_MissingFileUsesDefaults(t *testing.T) {
	lib, err := LoadLibrary(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	movie, ok := lib.Profile("movie")
	if !ok || !reflect.DeepEqual(movie.Checkpoints, []int{60, 600, 1800}) || movie.Root != "/media/movies" {
		t.Errorf("default movie profile = %+v", movie)
	}
	tv, _ := lib.Profile("tv")
	if !reflect.DeepEqual(tv.Checkpoints, []int{60, 300, 600}) {
		t.Errorf("default tv checkpoints = %v", tv.Checkpoints)
	}
}

func TestLoadLibraryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.yaml")
	if err := os.WriteFile(path, []byte("media_types: {anime: {root: /media/anime, checkpoints: [30]}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewTestConfig()
	c.LibraryFile = path

	if err := c.LoadLibraryFile(); err != nil {
		t.Fatal(err)
	}
	if got := c.Library.Types(); !reflect.DeepEqual(got, []domain.MediaType{"anime"}) {
		t.Errorf("Types() = %v", got)
	}
}

func TestLibrary_IsMediaFile(t *testing.T) {
	lib := DefaultLibrary()
	tests := []struct {
		path string
		want bool
	}{
		{"/media/movies/test.mkv", true},
		{"/media/movies/test.MKV", true},
		{"/media/movies/test.wmv", true},
		{"/media/movies/test.srt", false},
		{"/media/movies/cover.jpg", false},
		{"/media/movies/noext", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := lib.IsMediaFile(tt.path); got != tt.want {
			t.Errorf("IsMediaFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
