package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/valyala/fastjson"
	"golang.org/x/text/cases"
)

// decoder turns map update payloads into entity records of a single world.
// It owns its parser and is not safe for concurrent use.
type decoder struct {
	parser fastjson.Parser
	fold   cases.Caser
	world  string // folded; empty accepts every world
}

func newDecoder(world string, fold cases.Caser) *decoder {
	d := &decoder{fold: fold}
	if world != "" {
		d.world = fold.String(world)
	}
	return d
}

// decode returns the players of snap that live in the decoder's world.
// A payload without a players list decodes to no records.
func (d *decoder) decode(snap model.Snapshot) ([]model.EntityRecord, error) {
	v, err := d.parser.ParseBytes(snap.Payload)
	if err != nil {
		return nil, malformed(snap, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, malformed(snap, fmt.Errorf("payload is a %s, want object", v.Type()))
	}

	players := v.Get("players")
	if players == nil || players.Type() == fastjson.TypeNull {
		return nil, nil
	}
	arr, err := players.Array()
	if err != nil {
		return nil, malformed(snap, errors.New("players is not an array"))
	}

	records := make([]model.EntityRecord, 0, len(arr))
	for i, p := range arr {
		rec, err := decodePlayer(p)
		if err != nil {
			return nil, malformed(snap, fmt.Errorf("player %d: %w", i, err))
		}
		if d.world != "" && d.fold.String(rec.World) != d.world {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodePlayer(p *fastjson.Value) (model.EntityRecord, error) {
	if p.Type() != fastjson.TypeObject {
		return model.EntityRecord{}, fmt.Errorf("got %s, want object", p.Type())
	}

	name := string(p.GetStringBytes("name"))
	if name == "" {
		name = string(p.GetStringBytes("account"))
	}

	x, err := coordinate(p, "x", true)
	if err != nil {
		return model.EntityRecord{}, err
	}
	y, err := coordinate(p, "y", false)
	if err != nil {
		return model.EntityRecord{}, err
	}
	z, err := coordinate(p, "z", true)
	if err != nil {
		return model.EntityRecord{}, err
	}

	return model.EntityRecord{
		Name:  name,
		World: string(p.GetStringBytes("world")),
		X:     x,
		Y:     y,
		Z:     z,
	}, nil
}

// coordinate reads a numeric field. Map feeds report block positions as
// doubles, so values are floored onto the block grid.
func coordinate(p *fastjson.Value, key string, required bool) (int, error) {
	c := p.Get(key)
	if c == nil {
		if required {
			return 0, fmt.Errorf("missing %s", key)
		}
		return 0, nil
	}
	f, err := c.Float64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return int(math.Floor(f)), nil
}

func malformed(snap model.Snapshot, err error) error {
	return &model.MalformedSnapshotError{Timestamp: snap.Timestamp, Err: err}
}
