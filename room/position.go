package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind discriminates the two Position variants.
type Kind string

const (
	Absolute Kind = "absolute"
	Anchored Kind = "anchored"
)

var ErrInvalidPosition = errors.New("invalid position")

// Position is either an absolute coordinate or an offset from a named anchor.
// Anchor is set only when Kind is Anchored.
type Position struct {
	Kind   Kind    `json:"kind"`
	Anchor string  `json:"anchor,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
}

func At(x, y, z float64) Position {
	return Position{Kind: Absolute, X: x, Y: y, Z: z}
}

func Offset(anchor string, x, y, z float64) Position {
	return Position{Kind: Anchored, Anchor: anchor, X: x, Y: y, Z: z}
}

// Origin is the spawn used when nothing has been stored yet.
func Origin() Position {
	return At(0, 0, 0)
}

func (p Position) Validate() error {
	switch p.Kind {
	case Absolute:
		if p.Anchor != "" {
			return fmt.Errorf("%w: absolute position carries anchor %q", ErrInvalidPosition, p.Anchor)
		}
	case Anchored:
		if p.Anchor == "" {
			return fmt.Errorf("%w: anchored position without anchor", ErrInvalidPosition)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPosition, p.Kind)
	}
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidPosition)
		}
	}
	return nil
}

func (p Position) String() string {
	if p.Kind == Anchored {
		return fmt.Sprintf("%s%+.2f,%+.2f,%+.2f", p.Anchor, p.X, p.Y, p.Z)
	}
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// UnmarshalJSON accepts the bare {x,y,z} form and infers the kind from the
// presence of an anchor.
func (p *Position) UnmarshalJSON(data []byte) error {
	type plain Position
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Kind == "" {
		v.Kind = Absolute
		if v.Anchor != "" {
			v.Kind = Anchored
		}
	}
	*p = Position(v)
	return nil
}
