package detect

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// ErrWorkerGone is returned after the worker process died or was killed
var ErrWorkerGone = errors.New("detector worker is not running")

// ProcessConfig describes the external model worker
type ProcessConfig struct {
	Command     []string      // argv of the worker, e.g. ["python3", "detect_worker.py", "--model", "pothole.pt"]
	Env         []string      // extra KEY=VALUE pairs on top of the current environment
	Codec       string        // CodecJSON (default) or CodecMsgpack
	Timeout     time.Duration // per-frame deadline, 0 disables
	JPEGQuality int
}

// ProcessDetector drives a model worker over stdin/stdout. Requests are
// serialized: one frame is in flight at a time, so concurrent Detect calls
// queue on the mutex.
type ProcessDetector struct {
	cfg   ProcessConfig
	codec codec

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	seq    uint64
	broken error

	exited chan struct{}
}

// StartProcess spawns the worker. The process lives until Close or until
// ctx is cancelled.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*ProcessDetector, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("detector command is empty")
	}
	c, err := newCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start detector worker: %w", err)
	}

	d := &ProcessDetector{
		cfg:    cfg,
		codec:  c,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64<<10),
		exited: make(chan struct{}),
	}
	logger.Info("Detector", "Worker started", "pid", cmd.Process.Pid, "codec", cfg.Codec, "command", strings.Join(cfg.Command, " "))

	go d.logStderr(stderr)
	go d.wait()
	return d, nil
}

func (d *ProcessDetector) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			logger.Error("Detector", "Worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			logger.Warn("Detector", "Worker warning", "log", line)
		default:
			logger.Debug("Detector", "Worker log", "log", line)
		}
	}
}

func (d *ProcessDetector) wait() {
	err := d.cmd.Wait()
	if err != nil {
		logger.Warn("Detector", "Worker exited", "pid", d.cmd.Process.Pid, "error", err)
	} else {
		logger.Info("Detector", "Worker exited cleanly", "pid", d.cmd.Process.Pid)
	}
	close(d.exited)
}

// Detect sends img to the worker and waits for its boxes. A timeout, a
// broken stream or a sequence mismatch kills the worker and returns an error
// wrapping ErrWorkerGone, as do all later calls. Cancellation also kills the
// worker but returns the context error.
func (d *ProcessDetector) Detect(ctx context.Context, img image.Image) ([]Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.broken != nil {
		return nil, d.broken
	}
	select {
	case <-d.exited:
		d.broken = ErrWorkerGone
		return nil, d.broken
	default:
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	d.seq++
	b := img.Bounds()
	req := request{Seq: d.seq, Width: b.Dx(), Height: b.Dy(), Image: buf.Bytes()}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		if err := d.codec.write(d.stdin, req); err != nil {
			res.err = fmt.Errorf("write request: %w", err)
		} else if err := d.codec.read(d.stdout, &res.resp); err != nil {
			res.err = fmt.Errorf("read response: %w", err)
		}
		done <- res
	}()

	var timeout <-chan time.Time
	if d.cfg.Timeout > 0 {
		t := time.NewTimer(d.cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			d.kill(res.err)
			return nil, d.broken
		}
		return d.decode(req.Seq, res.resp)
	case <-timeout:
		d.kill(fmt.Errorf("no response within %s", d.cfg.Timeout))
		return nil, d.broken
	case <-ctx.Done():
		d.kill(ctx.Err())
		return nil, ctx.Err()
	}
}

func (d *ProcessDetector) decode(seq uint64, resp response) ([]Candidate, error) {
	if resp.Seq != seq {
		d.kill(fmt.Errorf("response for seq %d, expected %d", resp.Seq, seq))
		return nil, d.broken
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker: %s", resp.Error)
	}
	out := make([]Candidate, 0, len(resp.Detections))
	for _, box := range resp.Detections {
		out = append(out, Candidate{
			Label:      box.Label,
			Confidence: box.Confidence,
			BBox: types.BBox{
				X1: int(box.BBox[0]),
				Y1: int(box.BBox[1]),
				X2: int(box.BBox[2]),
				Y2: int(box.BBox[3]),
			},
		})
	}
	if resp.Timing != nil {
		logger.Debug("Detector", "Inference", "seq", seq, "inference_ms", resp.Timing.InferenceMs, "boxes", len(out))
	}
	return out, nil
}

// kill must be called with mu held
func (d *ProcessDetector) kill(cause error) {
	if d.broken != nil {
		return
	}
	d.broken = fmt.Errorf("%w: %v", ErrWorkerGone, cause)
	logger.Warn("Detector", "Killing worker", "reason", cause)
	_ = d.stdin.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
}

// Close stops the worker, giving it two seconds to exit after stdin closes.
func (d *ProcessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.broken == nil {
		d.broken = ErrWorkerGone
		_ = d.stdin.Close()
	}
	select {
	case <-d.exited:
	case <-time.After(2 * time.Second):
		logger.Warn("Detector", "Worker stop timeout, force killing")
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		<-d.exited
	}
	return nil
}
