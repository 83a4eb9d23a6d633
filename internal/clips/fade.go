package clips

import (
	"fmt"
	"strings"
)

// FadeCurve shapes a fade's gain over its normalized position
type FadeCurve int

const (
	Linear FadeCurve = iota
	EaseIn
	EaseOut
	EaseInOut
)

var curveNames = map[FadeCurve]string{
	Linear:    "linear",
	EaseIn:    "ease-in",
	EaseOut:   "ease-out",
	EaseInOut: "ease-in-out",
}

// Gain maps t in [0,1] (0 = silent end of the fade, 1 = full level) to a gain.
func (f FadeCurve) Gain(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	switch f {
	case EaseIn:
		return t * t
	case EaseOut:
		return 1 - (1-t)*(1-t)
	case EaseInOut:
		return t * t * (3 - 2*t)
	default:
		return t
	}
}

func (f FadeCurve) String() string {
	if name, ok := curveNames[f]; ok {
		return name
	}
	return fmt.Sprintf("curve(%d)", int(f))
}

// ParseFadeCurve accepts the names produced by String; empty means linear.
func ParseFadeCurve(s string) (FadeCurve, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Linear, nil
	}
	for curve, name := range curveNames {
		if name == s {
			return curve, nil
		}
	}
	return Linear, fmt.Errorf("unknown fade curve: %s", s)
}

// MarshalYAML writes the curve by name
func (f FadeCurve) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// UnmarshalYAML reads a curve name
func (f *FadeCurve) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	curve, err := ParseFadeCurve(s)
	if err != nil {
		return err
	}
	*f = curve
	return nil
}
