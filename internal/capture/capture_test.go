package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/expensio/expensio/internal/errors"
	"github.com/expensio/expensio/internal/geometry"
)

type fakeSource struct {
	frame image.Image
	err   error
	block chan struct{} // when set, Frame blocks until closed
}

func (f *fakeSource) Frame() (image.Image, error) {
	if f.block != nil {
		<-f.block
	}
	return f.frame, f.err
}

type fakeTorch struct {
	mu        sync.Mutex
	available bool
	on        bool
	setErr    error
	calls     []bool
}

func (f *fakeTorch) Available() bool { return f.available }

func (f *fakeTorch) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, on)
	if f.setErr != nil {
		return f.setErr
	}
	f.on = on
	return nil
}

func testFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}
	return img
}

func testController(torch Torch) *Controller {
	return NewController(torch, Config{
		Oversample:  3,
		JPEGQuality: 85,
		SettleDelay: 0,
	}, zap.NewNop())
}

func centerGuide(vw, vh float64) geometry.GuideRect {
	return geometry.GuideRect{X: vw * 0.2, Y: vh * 0.1, W: vw * 0.6, H: vh * 0.8}
}

func TestCapture_ProducesOversampledJPEG(t *testing.T) {
	src := &fakeSource{frame: testFrame(1280, 720)}
	ctrl := testController(nil)

	still, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
	require.NoError(t, err)
	require.NotNil(t, still)

	assert.Equal(t, int(390*0.6*3), still.Width)
	assert.Equal(t, int(840*0.8*3), still.Height)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(still.JPEG))
	require.NoError(t, err)
	assert.Equal(t, still.Width, cfg.Width)
	assert.Equal(t, still.Height, cfg.Height)
}

func TestCapture_BusyWhileInFlight(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{frame: testFrame(640, 480), block: block}
	ctrl := testController(nil)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
		done <- err
	}()

	// Wait for the first capture to enter the state machine.
	require.Eventually(t, func() bool {
		_, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
		return err == apperrors.ErrCaptureBusy
	}, time.Second, 5*time.Millisecond)

	close(block)
	require.NoError(t, <-done)

	// Controller returns to Idle afterwards.
	_, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
	assert.NoError(t, err)
}

func TestCapture_TorchFailureIsSwallowed(t *testing.T) {
	torch := &fakeTorch{available: true, setErr: assert.AnError}
	src := &fakeSource{frame: testFrame(640, 480)}
	ctrl := testController(torch)

	_, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
	assert.NoError(t, err)
}

func TestCapture_TorchDisabledAfterFailedRasterize(t *testing.T) {
	torch := &fakeTorch{available: true}
	src := &fakeSource{err: apperrors.ErrStreamNotReady}
	ctrl := testController(torch)

	_, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrStreamNotReady.Code, apperrors.GetCode(err))

	torch.mu.Lock()
	defer torch.mu.Unlock()
	require.NotEmpty(t, torch.calls)
	assert.False(t, torch.calls[len(torch.calls)-1], "last torch call must be off")
	assert.False(t, torch.on)
}

func TestCapture_StaleGenerationDropped(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{frame: testFrame(640, 480), block: block}
	ctrl := testController(nil)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
		done <- err
	}()

	// Simulate the user dismissing the capture view mid-flight.
	require.Eventually(t, func() bool {
		_, err := ctrl.Capture(context.Background(), src, 390, 840, centerGuide(390, 840))
		return err == apperrors.ErrCaptureBusy
	}, time.Second, 5*time.Millisecond)
	ctrl.Invalidate()
	close(block)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCaptureStale.Code, apperrors.GetCode(err))
}

func TestCapture_CanceledDuringSettle(t *testing.T) {
	src := &fakeSource{frame: testFrame(640, 480)}
	ctrl := NewController(nil, Config{Oversample: 3, JPEGQuality: 85, SettleDelay: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Capture(ctx, src, 390, 840, centerGuide(390, 840))
	assert.ErrorIs(t, err, context.Canceled)
}
