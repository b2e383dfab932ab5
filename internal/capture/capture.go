// Package capture drives the still-capture pipeline: flash priming, geometry
// resolution, and rasterization of the guide-frame crop.
package capture

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/expensio/expensio/internal/errors"
	"github.com/expensio/expensio/internal/geometry"
	"github.com/expensio/expensio/internal/metrics"
)

// FrameSource supplies decoded frames from a live video stream. Frame returns
// ErrStreamNotReady until at least one frame has been decoded.
type FrameSource interface {
	Frame() (image.Image, error)
}

// Torch models a hardware-assisted flash on the active video track. Enabling
// is best-effort; failures are tolerated.
type Torch interface {
	Available() bool
	Set(on bool) error
}

const (
	stateIdle int32 = iota
	statePriming
	stateRasterizing
)

// Config holds capture pipeline settings
type Config struct {
	Oversample  float64
	JPEGQuality int
	SettleDelay time.Duration
}

// Controller serializes captures from a single stream. Its state machine is
// the mutual-exclusion mechanism: a capture call while another is in flight
// is rejected rather than queued.
type Controller struct {
	torch  Torch
	cfg    Config
	logger *zap.Logger

	state      atomic.Int32
	generation atomic.Int64
}

// Still is the output of one successful capture.
type Still struct {
	JPEG       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// NewController creates a capture controller. torch may be nil when the
// stream has no flash capability.
func NewController(torch Torch, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Oversample < 1 {
		cfg.Oversample = 3
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	return &Controller{
		torch:  torch,
		cfg:    cfg,
		logger: logger,
	}
}

// Invalidate marks any in-flight capture as stale. Results computed for an
// earlier generation are dropped instead of being delivered, so closing the
// capture view while a capture is outstanding is safe.
func (c *Controller) Invalidate() {
	c.generation.Add(1)
}

// Capture runs one Idle -> Priming -> Rasterizing -> Idle cycle against the
// given source. Returns ErrCaptureBusy if a capture is already in flight.
func (c *Controller) Capture(ctx context.Context, src FrameSource, viewportW, viewportH float64, guide geometry.GuideRect) (*Still, error) {
	if !c.state.CompareAndSwap(stateIdle, statePriming) {
		return nil, errors.ErrCaptureBusy
	}
	defer c.state.Store(stateIdle)

	gen := c.generation.Load()

	if c.torch != nil && c.torch.Available() {
		if err := c.torch.Set(true); err != nil {
			// Flash is best-effort; a torch that refuses to light never
			// aborts the capture.
			c.logger.Warn("Failed to enable torch", zap.Error(err))
		}
		// Torch-off must run even when rasterization fails, so the hardware
		// is never left lit.
		defer func() {
			if err := c.torch.Set(false); err != nil {
				c.logger.Warn("Failed to disable torch", zap.Error(err))
			}
		}()
	}

	// Flash enablement is asynchronous relative to sensor exposure; hold
	// Priming briefly before reading a frame.
	if c.cfg.SettleDelay > 0 {
		select {
		case <-time.After(c.cfg.SettleDelay):
		case <-ctx.Done():
			metrics.CapturesTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		}
	}

	c.state.Store(stateRasterizing)

	still, err := c.rasterize(src, viewportW, viewportH, guide)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if c.generation.Load() != gen {
		metrics.CapturesTotal.WithLabelValues("stale").Inc()
		return nil, errors.ErrCaptureStale
	}

	metrics.CapturesTotal.WithLabelValues("ok").Inc()
	return still, nil
}

func (c *Controller) rasterize(src FrameSource, viewportW, viewportH float64, guide geometry.GuideRect) (*Still, error) {
	frame, err := src.Frame()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStreamNotReady.Code, errors.ErrStreamNotReady.Message)
	}

	bounds := frame.Bounds()
	plan, err := geometry.Plan(geometry.CaptureFrame{
		VideoWidth:     bounds.Dx(),
		VideoHeight:    bounds.Dy(),
		ViewportWidth:  viewportW,
		ViewportHeight: viewportH,
		Guide:          guide,
	}, c.cfg.Oversample)
	if err != nil {
		return nil, err
	}

	target := image.NewRGBA(image.Rect(0, 0, plan.TargetWidth, plan.TargetHeight))
	xdraw.CatmullRom.Scale(target, target.Bounds(), frame, plan.Source.Add(bounds.Min), xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, target, &jpeg.Options{Quality: c.cfg.JPEGQuality}); err != nil {
		return nil, errors.Wrap(err, errors.ErrRasterFailed.Code, errors.ErrRasterFailed.Message)
	}

	return &Still{
		JPEG:       buf.Bytes(),
		Width:      plan.TargetWidth,
		Height:     plan.TargetHeight,
		CapturedAt: time.Now(),
	}, nil
}
