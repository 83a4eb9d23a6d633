package timeline

import (
	"fmt"
	"strings"
)

// TrackKind gates whether a track's clips feed the picture or the mix
type TrackKind int

const (
	Video TrackKind = iota
	Audio
)

func (k TrackKind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseTrackKind accepts "video" or "audio"
func ParseTrackKind(s string) (TrackKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video", "v":
		return Video, nil
	case "audio", "a":
		return Audio, nil
	default:
		return Video, fmt.Errorf("unknown track kind: %q", s)
	}
}

// Track is one lane of the timeline. Height only matters to views.
type Track struct {
	Index  int
	Kind   TrackKind
	Name   string
	Height int
}
