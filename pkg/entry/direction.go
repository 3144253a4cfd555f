package entry

import "fmt"

// Direction partitions relations of an entry into two independent key spaces.
type Direction uint8

const (
	// Citations are the entries citing the source entry.
	Citations Direction = iota
	// References are the entries cited by the source entry.
	References
)

// Directions lists every direction; handy for setting up per-direction instances.
var Directions = []Direction{Citations, References}

func (d Direction) String() string {
	switch d {
	case Citations:
		return "citations"
	case References:
		return "references"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(name string) (Direction, error) {
	for _, direction := range Directions {
		if direction.String() == name {
			return direction, nil
		}
	}
	return 0, fmt.Errorf("unknown relation direction %q", name)
}
