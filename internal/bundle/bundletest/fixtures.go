// Package bundletest provides synthetic bundles for tests.
package bundletest

import (
	"encoding/binary"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/oaklog/internal/bundle"
)

// Default fixture dimensions.
const (
	Width  = 320
	Height = 240
)

// ColorMat returns a BGR image filled with a solid color.
func ColorMat(width, height int, b, g, r float64) gocv.Mat {
	m := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(b, g, r, 0))
	return m
}

// DepthMat returns a 16-bit depth map with a horizontal gradient from minMM to maxMM.
func DepthMat(width, height int, minMM, maxMM uint16) gocv.Mat {
	data := make([]byte, width*height*2)
	span := float64(maxMM - minMM)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := minMM
			if width > 1 {
				v = minMM + uint16(span*float64(x)/float64(width-1))
			}
			binary.LittleEndian.PutUint16(data[(y*width+x)*2:], v)
		}
	}
	view, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV16UC1, data)
	if err != nil {
		return gocv.NewMat()
	}
	defer view.Close()
	return view.Clone()
}

// TwoDetections returns the scripted pair: "A" at (100,50)-(200,150) with 0.9
// confidence followed by "B" at (10,10)-(20,20) with 0.4.
func TwoDetections() []bundle.Detection {
	return []bundle.Detection{
		{Label: "A", Confidence: 0.9, X: 120, Y: -40, Z: 1500, XMin: 100, YMin: 50, XMax: 200, YMax: 150},
		{Label: "B", Confidence: 0.4, X: -300, Y: 10, Z: 2400, XMin: 10, YMin: 10, XMax: 20, YMax: 20},
	}
}

// Bundle returns a complete bundle with color, depth and the given detections.
func Bundle(ts time.Time, detections []bundle.Detection) *bundle.Bundle {
	return bundle.New(ts,
		ColorMat(Width, Height, 40, 80, 160),
		DepthMat(Width, Height, 400, 4000),
		detections,
	)
}

// ColorOnly returns a bundle whose depth component is absent.
func ColorOnly(ts time.Time, detections []bundle.Detection) *bundle.Bundle {
	return bundle.New(ts, ColorMat(Width, Height, 0, 0, 0), gocv.NewMat(), detections)
}

// NoColor returns a bundle whose color component is absent.
func NoColor(ts time.Time) *bundle.Bundle {
	return bundle.New(ts, gocv.NewMat(), DepthMat(Width, Height, 400, 4000), nil)
}
