//go:build gocv

package sampler

import (
	"context"
	"errors"
	"image"
	"io"

	"gocv.io/x/gocv"
)

// VideoSource decodes a video file with OpenCV
type VideoSource struct {
	path string
	cap  *gocv.VideoCapture
	mat  gocv.Mat
}

// NewVideoSource creates a source over the video at path
func NewVideoSource(path string) (Source, error) {
	return &VideoSource{path: path}, nil
}

func (s *VideoSource) Open(ctx context.Context) error {
	capture, err := gocv.VideoCaptureFile(s.path)
	if err != nil {
		return err
	}
	if !capture.IsOpened() {
		capture.Close()
		return errors.New("video capture not opened")
	}
	s.cap = capture
	s.mat = gocv.NewMat()
	return nil
}

func (s *VideoSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cap == nil {
		return nil, errors.New("video source not open")
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, io.EOF
	}
	return s.mat.ToImage()
}

func (s *VideoSource) Close() error {
	if s.cap == nil {
		return nil
	}
	s.mat.Close()
	err := s.cap.Close()
	s.cap = nil
	return err
}

func (s *VideoSource) String() string {
	return "video:" + s.path
}
