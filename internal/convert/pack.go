package convert

import (
	"fmt"
	"image"

	"epaperbridge/internal/bridge"
)

// Panel geometry (12.48" tri-color, four cascaded segments).
const (
	Width      = 1304
	Height     = 984
	FrameBytes = Width * Height / 4 // two 1bpp planes

	halfRows = Height / 2
	leftCols = 648
)

// Grey thresholds. Darker than Black is black ink, lighter than White is
// paper, everything between is red ink.
const (
	Black = 32
	White = 222
)

// Ink levels. The primary plane carries bit 1, the secondary plane bit 0.
const (
	LevelBlack = 0
	LevelWhite = 2
	LevelRed   = 3
)

// segment is the pixel window a device drives.
type segment struct {
	y0, y1 int
	x0, x1 int
}

// The masters own the bottom-left and top-right windows, each slave the
// window beside its master.
var segments = [4]segment{
	bridge.M1: {halfRows, Height, 0, leftCols},
	bridge.S1: {halfRows, Height, leftCols, Width},
	bridge.M2: {0, halfRows, leftCols, Width},
	bridge.S2: {0, halfRows, 0, leftCols},
}

// Level maps a grey value to its ink level.
func Level(g uint8) uint8 {
	switch {
	case g < Black:
		return LevelBlack
	case g > White:
		return LevelWhite
	default:
		return LevelRed
	}
}

// Layout returns the plane byte counts the frame is cut into.
func Layout() bridge.Layout {
	var l bridge.Layout
	for d, s := range segments {
		l[d] = (s.y1 - s.y0) * (s.x1 - s.x0) / 8
	}
	return l
}

// Pack converts a Width x Height grey image into the byte stream the bridge
// expects after the start token: eight planes in phase order, each
// row-major with eight pixels per byte, most significant bit first.
func Pack(img *image.Gray) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() != Width || b.Dy() != Height {
		return nil, fmt.Errorf("convert: expected %dx%d, got %dx%d", Width, Height, b.Dx(), b.Dy())
	}

	out := make([]byte, 0, FrameBytes)
	for p := bridge.PhaseM1Primary; p < bridge.PhaseRefresh; p++ {
		s := segments[p.Device()]
		shift := uint(1)
		if p.Plane() == bridge.Secondary {
			shift = 0
		}
		for y := s.y0; y < s.y1; y++ {
			row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := s.x0; x < s.x1; x += 8 {
				var v byte
				for bit := 0; bit < 8; bit++ {
					lvl := Level(row[x+bit])
					v |= ((lvl >> shift) & 1) << (7 - bit)
				}
				out = append(out, v)
			}
		}
	}
	return out, nil
}
