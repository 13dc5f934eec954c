package reconcile

// pinThreshold is how close (in pixels) to the bottom still counts as
// following the newest message.
const pinThreshold = 100

// Viewport is what the scroll policy looks at
type Viewport struct {
	MessageCount    int
	KeyboardVisible bool
	// Pinned is true when the newest message is in view
	Pinned bool
}

// ScrollAction tells the renderer how to move to the newest message
type ScrollAction int

const (
	ScrollNone ScrollAction = iota
	ScrollSmooth
	ScrollInstant
)

func (a ScrollAction) String() string {
	switch a {
	case ScrollSmooth:
		return "smooth"
	case ScrollInstant:
		return "instant"
	default:
		return "none"
	}
}

// IsPinned reports whether a list scrolled to offset, showing height
// pixels of content pixels, is at the newest message.
func IsPinned(offset, height, content float64) bool {
	return content-(offset+height) <= pinThreshold
}

// ScrollFor decides how to scroll after the viewport changed from prev to
// next. Only a changed message count or keyboard toggle moves the list, and
// only while pinned; keyboard toggles jump without animation.
func ScrollFor(prev, next Viewport) ScrollAction {
	keyboardToggled := prev.KeyboardVisible != next.KeyboardVisible
	if prev.MessageCount == next.MessageCount && !keyboardToggled {
		return ScrollNone
	}
	if !next.Pinned {
		return ScrollNone
	}
	if keyboardToggled {
		return ScrollInstant
	}
	return ScrollSmooth
}
