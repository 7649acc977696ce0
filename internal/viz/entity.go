// Package viz turns bundles into scene entities (camera model, images,
// boxes, map markers, scalars and a text summary) and logs them to a
// visualization session.
package viz

// Entity is a loggable scene element.
type Entity interface {
	EntityKind() string
}

// Colors are packed as 0xRRGGBBAA.
const (
	ColorRed   uint32 = 0xFF0000FF
	ColorBlue  uint32 = 0x0000FFFF
	ColorGreen uint32 = 0x00FF00FF
	ColorWhite uint32 = 0xFFFFFFFF
)

// Pinhole is the camera projection model.
type Pinhole struct {
	FocalLength float64 `msgpack:"focal_length" json:"focal_length"`
	Width       int     `msgpack:"width" json:"width"`
	Height      int     `msgpack:"height" json:"height"`
}

func (Pinhole) EntityKind() string { return "pinhole" }

// Image is an encoded color image.
type Image struct {
	Width      int    `msgpack:"width" json:"width"`
	Height     int    `msgpack:"height" json:"height"`
	ColorModel string `msgpack:"color_model" json:"color_model"`
	MediaType  string `msgpack:"media_type" json:"media_type"`
	Data       []byte `msgpack:"data" json:"-"`
}

func (Image) EntityKind() string { return "image" }

// DepthImage is a 16-bit depth map; Meter is the number of units per meter.
type DepthImage struct {
	Width     int     `msgpack:"width" json:"width"`
	Height    int     `msgpack:"height" json:"height"`
	Meter     float64 `msgpack:"meter" json:"meter"`
	MediaType string  `msgpack:"media_type" json:"media_type"`
	Data      []byte  `msgpack:"data" json:"-"`
}

func (DepthImage) EntityKind() string { return "depth_image" }

// Boxes2D are image-space boxes given by their top-left corner and size.
type Boxes2D struct {
	Mins     [][2]float64 `msgpack:"mins" json:"mins"`
	Sizes    [][2]float64 `msgpack:"sizes" json:"sizes"`
	Labels   []string     `msgpack:"labels" json:"labels"`
	ClassIDs []uint16     `msgpack:"class_ids" json:"class_ids"`
}

func (Boxes2D) EntityKind() string { return "boxes2d" }

// Boxes3D are axis-aligned boxes in meters.
type Boxes3D struct {
	Centers   [][3]float64 `msgpack:"centers" json:"centers"`
	HalfSizes [][3]float64 `msgpack:"half_sizes" json:"half_sizes"`
	Labels    []string     `msgpack:"labels" json:"labels"`
	Colors    []uint32     `msgpack:"colors" json:"colors"`
}

func (Boxes3D) EntityKind() string { return "boxes3d" }

// Points2D are markers on a plane.
type Points2D struct {
	Positions [][2]float64 `msgpack:"positions" json:"positions"`
	Radii     []float64    `msgpack:"radii" json:"radii"`
	Colors    []uint32     `msgpack:"colors" json:"colors"`
	Labels    []string     `msgpack:"labels" json:"labels"`
}

func (Points2D) EntityKind() string { return "points2d" }

// Scalar is one sample of a time series.
type Scalar struct {
	Value float64 `msgpack:"value" json:"value"`
}

func (Scalar) EntityKind() string { return "scalar" }

// TextDocument is a text panel.
type TextDocument struct {
	Text      string `msgpack:"text" json:"text"`
	MediaType string `msgpack:"media_type" json:"media_type"`
}

func (TextDocument) EntityKind() string { return "text_document" }

// LabelColor returns the marker color used for a class label.
func LabelColor(label string) uint32 {
	switch label {
	case "person":
		return ColorRed
	case "bottle":
		return ColorBlue
	default:
		return ColorGreen
	}
}
