package action

// NormalizedMax is the upper bound of the normalized coordinate space.
const NormalizedMax = 1000

// ResolvePixel maps a normalized point to pixel coordinates for a screen of
// the given dimensions. Mapping is (nx·W/1000, ny·H/1000) with integer
// truncation; the right/bottom edge is clamped to W-1/H-1 so that
// (1000,1000) lands on the last addressable pixel.
func ResolvePixel(p Point, width, height int) (int, int) {
	x := p.X * width / NormalizedMax
	y := p.Y * height / NormalizedMax
	if x >= width {
		x = width - 1
	}
	if y >= height {
		y = height - 1
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return x, y
}

// DirectionSegment computes the start/end pixel pair for a directional swipe.
// The gesture covers 80% of the screen along the axis of travel, centered at
// the midline of the other axis.
func DirectionSegment(d Direction, width, height int) (x1, y1, x2, y2 int) {
	cx, cy := width/2, height/2
	spanX := width * 8 / 10
	spanY := height * 8 / 10
	switch d {
	case DirUp:
		return cx, cy + spanY/2, cx, cy - spanY/2
	case DirDown:
		return cx, cy - spanY/2, cx, cy + spanY/2
	case DirLeft:
		return cx + spanX/2, cy, cx - spanX/2, cy
	case DirRight:
		return cx - spanX/2, cy, cx + spanX/2, cy
	}
	return cx, cy, cx, cy
}
