// Package geometry maps an on-screen guide frame onto the native pixel grid
// of a live video stream.
package geometry

import (
	"image"
	"math"

	"github.com/expensio/expensio/internal/errors"
)

// GuideRect is the document guide frame, in viewport (CSS) units.
type GuideRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CaptureFrame describes one capture attempt: the stream's native resolution,
// the viewport it is displayed in, and the guide frame drawn over it.
type CaptureFrame struct {
	VideoWidth     int
	VideoHeight    int
	ViewportWidth  float64
	ViewportHeight float64
	Guide          GuideRect
}

// CropPlan is the resolved capture geometry: the rectangle to read from the
// video frame and the raster size to render it at.
type CropPlan struct {
	Source       image.Rectangle
	TargetWidth  int
	TargetHeight int
}

// Plan computes the source rectangle in video pixel space that corresponds to
// what the user sees inside the guide frame.
//
// The displayed video is a cover-fit crop of the native frame: it is scaled
// uniformly to fill the viewport and the overflowing dimension is centered and
// clipped. The guide frame's position must therefore be resolved in two
// stages: first find the cover-fit rectangle of the video that is actually
// visible, then apply the guide's viewport percentages to that rectangle
// rather than to the raw video dimensions. Applying them to the raw frame
// produces a systematically wrong crop whenever the aspect ratios differ.
func Plan(frame CaptureFrame, oversample float64) (CropPlan, error) {
	if frame.VideoWidth <= 0 || frame.VideoHeight <= 0 {
		return CropPlan{}, errors.ErrStreamNotReady
	}
	if frame.ViewportWidth <= 0 || frame.ViewportHeight <= 0 {
		return CropPlan{}, errors.New(errors.ErrStreamNotReady.Code, "viewport has zero size")
	}
	if frame.Guide.W <= 0 || frame.Guide.H <= 0 {
		return CropPlan{}, errors.New(errors.ErrBadRequest.Code, "guide frame has zero size")
	}

	visible := coverFit(frame)

	relX := frame.Guide.X / frame.ViewportWidth
	relY := frame.Guide.Y / frame.ViewportHeight
	relW := frame.Guide.W / frame.ViewportWidth
	relH := frame.Guide.H / frame.ViewportHeight

	srcX := visible.X + relX*visible.W
	srcY := visible.Y + relY*visible.H
	srcW := relW * visible.W
	srcH := relH * visible.H

	source := image.Rect(
		int(math.Round(srcX)),
		int(math.Round(srcY)),
		int(math.Round(srcX+srcW)),
		int(math.Round(srcY+srcH)),
	)
	source = source.Intersect(image.Rect(0, 0, frame.VideoWidth, frame.VideoHeight))
	if source.Empty() {
		return CropPlan{}, errors.New(errors.ErrBadRequest.Code, "guide frame maps outside the video frame")
	}

	return CropPlan{
		Source:       source,
		TargetWidth:  int(math.Round(frame.Guide.W * oversample)),
		TargetHeight: int(math.Round(frame.Guide.H * oversample)),
	}, nil
}

type rectF struct {
	X, Y, W, H float64
}

// coverFit returns the sub-rectangle of the native video frame that remains
// visible when the frame is cover-fitted into the viewport.
func coverFit(frame CaptureFrame) rectF {
	videoW := float64(frame.VideoWidth)
	videoH := float64(frame.VideoHeight)
	videoAspect := videoW / videoH
	viewportAspect := frame.ViewportWidth / frame.ViewportHeight

	if videoAspect > viewportAspect {
		// Video is wider than the viewport: the sides are clipped.
		visibleW := videoH * viewportAspect
		return rectF{X: (videoW - visibleW) / 2, Y: 0, W: visibleW, H: videoH}
	}

	// Video is taller than (or matches) the viewport: top and bottom clipped.
	visibleH := videoW / viewportAspect
	return rectF{X: 0, Y: (videoH - visibleH) / 2, W: videoW, H: visibleH}
}
