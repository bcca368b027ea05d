package collaboration

import (
	"hash/fnv"
	"regexp"
)

// DefaultColor is used when a user has no name to derive a color from
const DefaultColor = "#3B82F6"

var palette = []string{
	"#3B82F6", // blue
	"#EF4444", // red
	"#10B981", // green
	"#F59E0B", // amber
	"#8B5CF6", // violet
	"#EC4899", // pink
	"#14B8A6", // teal
	"#F97316", // orange
}

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// ColorFor returns the preferred color when it is a valid #RRGGBB value,
// otherwise a color derived from name. The same name always gets the same color.
func ColorFor(name, preferred string) string {
	if hexColor.MatchString(preferred) {
		return preferred
	}
	if name == "" {
		return DefaultColor
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return palette[h.Sum32()%uint32(len(palette))]
}
