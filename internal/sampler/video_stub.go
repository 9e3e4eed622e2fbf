//go:build !gocv

package sampler

import "errors"

// ErrNoVideoSupport is returned for video files in builds without OpenCV
var ErrNoVideoSupport = errors.New("video files need a build with -tags gocv; use a directory of frames instead")

// NewVideoSource is unavailable without the gocv build tag
func NewVideoSource(path string) (Source, error) {
	return nil, ErrNoVideoSupport
}
