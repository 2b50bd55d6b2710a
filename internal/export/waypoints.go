package export

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"iter"
	"strings"

	"github.com/coffersTech/mapwatch/internal/model"
)

const waypointTimeLayout = "2006-01-02 15.04"

// WaypointFilename names a Rei's Minimap points file for a server host
// (for example "smp7.empire.us") and world.
func WaypointFilename(serverHost, world string) string {
	return fmt.Sprintf("%s.DIM%d.points", serverHost, Dimension(world))
}

// Dimension maps a world name to its Minecraft dimension id.
func Dimension(world string) int {
	w := strings.ToLower(world)
	switch {
	case strings.Contains(w, "nether"):
		return -1
	case strings.HasSuffix(w, "the_end") || strings.HasSuffix(w, "_end"):
		return 1
	default:
		return 0
	}
}

// WriteWaypoints writes one waypoint per entity of every reading. Gaps are
// skipped. It returns the number of waypoints written.
func WriteWaypoints(w io.Writer, results iter.Seq2[model.Result, error]) (int, error) {
	bw := bufio.NewWriter(w)
	n := 0
	for res, err := range results {
		if err != nil {
			bw.Flush()
			return n, err
		}
		reading, ok := res.(model.Reading)
		if !ok {
			continue
		}
		stamp := reading.Timestamp.UTC().Format(waypointTimeLayout)
		for _, e := range reading.Entities {
			if err := writeWaypoint(bw, e.Name+" "+stamp, e.X, e.Y, e.Z, true, waypointColor(e.Name)); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, bw.Flush()
}

// writeWaypoint emits NAME:X:Y:Z:ENABLED:COLOR. Colons in the name would
// break the format and are replaced by spaces.
func writeWaypoint(w io.Writer, name string, x, y, z int, enabled bool, color string) error {
	name = strings.ReplaceAll(name, ":", " ")
	_, err := fmt.Fprintf(w, "%s:%d:%d:%d:%t:%s\n", name, x, y, z, enabled, color)
	return err
}

// waypointColor derives a stable RGB color from a player name.
func waypointColor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%06X", h.Sum32()&0xFFFFFF)
}
