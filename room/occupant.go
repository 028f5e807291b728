package room

import "strings"

// Occupant is a participant present in the room at query time. Values are
// never cached beyond the query that produced them.
type Occupant struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
}

// Channel is where an inbound message was received.
type Channel int

const (
	Public Channel = iota
	Direct
)

func (c Channel) String() string {
	if c == Direct {
		return "direct"
	}
	return "public"
}

// Outfit is the set of wearable items the platform reports for an occupant.
type Outfit struct {
	Items []OutfitItem `json:"items"`
}

type OutfitItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Palette int    `json:"palette,omitempty"`
}

func Find(occupants []Occupant, id string) (Occupant, bool) {
	for _, o := range occupants {
		if o.ID == id {
			return o, true
		}
	}
	return Occupant{}, false
}

// FindByName matches a display name case-insensitively; a leading @ is ignored.
func FindByName(occupants []Occupant, name string) (Occupant, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	for _, o := range occupants {
		if strings.EqualFold(o.Name, name) {
			return o, true
		}
	}
	return Occupant{}, false
}

// Without returns the occupants whose ids are not in exclude.
func Without(occupants []Occupant, exclude map[string]bool) []Occupant {
	out := make([]Occupant, 0, len(occupants))
	for _, o := range occupants {
		if !exclude[o.ID] {
			out = append(out, o)
		}
	}
	return out
}
