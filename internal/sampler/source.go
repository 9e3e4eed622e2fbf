package sampler

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source yields decoded frames in capture order. Read returns io.EOF when
// the source is exhausted. Open may be called again after Close to replay.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// DirSource reads still images from a directory in lexical file-name order.
// Names should be zero-padded (frame_00001.jpg) for lexical order to match
// capture order.
type DirSource struct {
	dir   string
	files []string
	pos   int
}

// NewDirSource creates a source over the .jpg/.jpeg/.png files in dir
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) Open(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	s.files = s.files[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			s.files = append(s.files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(s.files)
	s.pos = 0
	return nil
}

func (s *DirSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.files) {
		return nil, io.EOF
	}
	path := s.files[s.pos]
	s.pos++

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (s *DirSource) Close() error {
	s.files = nil
	s.pos = 0
	return nil
}

func (s *DirSource) String() string {
	return "dir:" + s.dir
}

// SliceSource replays in-memory images
type SliceSource struct {
	Images []image.Image
	// OpenErr fails Open when set
	OpenErr error
	// ReadErr is returned instead of io.EOF once Images are exhausted
	ReadErr error

	pos int
}

// NewSliceSource creates a source over images
func NewSliceSource(images ...image.Image) *SliceSource {
	return &SliceSource{Images: images}
}

func (s *SliceSource) Open(ctx context.Context) error {
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.pos = 0
	return nil
}

func (s *SliceSource) Read(ctx context.Context) (image.Image, error) {
	if s.pos >= len(s.Images) {
		if s.ReadErr != nil {
			return nil, s.ReadErr
		}
		return nil, io.EOF
	}
	img := s.Images[s.pos]
	s.pos++
	return img, nil
}

func (s *SliceSource) Close() error { return nil }

func (s *SliceSource) String() string {
	return fmt.Sprintf("memory:%d", len(s.Images))
}

// PathSource resolves a path on Open: a directory of stills or a video
// file. Resolution failures (missing path, video without OpenCV support)
// surface from Open like any other source failure.
type PathSource struct {
	path  string
	inner Source
}

// NewSource returns a source over path. Nothing is touched until Open.
func NewSource(path string) *PathSource {
	return &PathSource{path: path}
}

func (s *PathSource) Open(ctx context.Context) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	var inner Source
	if info.IsDir() {
		inner = NewDirSource(s.path)
	} else if inner, err = NewVideoSource(s.path); err != nil {
		return err
	}
	if err := inner.Open(ctx); err != nil {
		return err
	}
	s.inner = inner
	return nil
}

func (s *PathSource) Read(ctx context.Context) (image.Image, error) {
	if s.inner == nil {
		return nil, fmt.Errorf("source %s is not open", s.path)
	}
	return s.inner.Read(ctx)
}

func (s *PathSource) Close() error {
	if s.inner == nil {
		return nil
	}
	err := s.inner.Close()
	s.inner = nil
	return err
}

func (s *PathSource) String() string {
	return s.path
}
