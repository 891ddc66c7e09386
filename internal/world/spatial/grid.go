// Package spatial implements the interest-management spatial index: entities
// with a transform and the spatially-indexed flag are hashed into a 3D grid
// of fixed cell size for O(1) membership updates and bounded-radius queries.
package spatial

import (
	"math"

	"github.com/outpost-games/worldserver/internal/world/ecs"
)

// Cell is a discretized grid coordinate.
type Cell struct {
	X, Y, Z int64
}

// Grid hashes positions into fixed-size cells and answers radius queries by
// scanning the covering set of cells.
type Grid struct {
	cellSize float64
	cells    map[Cell]map[ecs.Entity]struct{}
	posOf    map[ecs.Entity]ecs.Vec3
	// live is consulted at query time to lazily sweep destroyed entities
	// instead of eagerly scanning the grid on every destroy.
	live func(ecs.Entity) bool
}

// New creates a grid with the given fixed cell size. live reports whether an
// entity id is still alive; results referencing dead entities are dropped
// lazily at query time.
func New(cellSize float64, live func(ecs.Entity) bool) *Grid {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Grid{
		cellSize: cellSize,
		cells:    make(map[Cell]map[ecs.Entity]struct{}),
		posOf:    make(map[ecs.Entity]ecs.Vec3),
		live:     live,
	}
}

func (g *Grid) cellOf(p ecs.Vec3) Cell {
	return Cell{
		X: int64(math.Floor(float64(p.X) / g.cellSize)),
		Y: int64(math.Floor(float64(p.Y) / g.cellSize)),
		Z: int64(math.Floor(float64(p.Z) / g.cellSize)),
	}
}

// Move updates e's grid membership to new_pos in O(1): remove from the old
// cell (if any), insert into the new cell. Invalidates cell membership
// atomically with respect to the next Query call.
func (g *Grid) Move(e ecs.Entity, newPos ecs.Vec3) {
	if old, ok := g.posOf[e]; ok {
		oldCell := g.cellOf(old)
		if set, ok := g.cells[oldCell]; ok {
			delete(set, e)
			if len(set) == 0 {
				delete(g.cells, oldCell)
			}
		}
	}
	g.posOf[e] = newPos
	cell := g.cellOf(newPos)
	set, ok := g.cells[cell]
	if !ok {
		set = make(map[ecs.Entity]struct{})
		g.cells[cell] = set
	}
	set[e] = struct{}{}
}

// Remove drops e from the grid entirely, e.g. on entity destruction.
func (g *Grid) Remove(e ecs.Entity) {
	if pos, ok := g.posOf[e]; ok {
		cell := g.cellOf(pos)
		if set, ok := g.cells[cell]; ok {
			delete(set, e)
			if len(set) == 0 {
				delete(g.cells, cell)
			}
		}
		delete(g.posOf, e)
	}
}

// Query returns every entity within radius of center, examining at most
// (ceil(2r/cellSize)+1)^3 cells. Results are unordered; the caller sorts by
// distance when needed. Entries at exactly the boundary radius are included;
// callers applying a strict "< max_view_distance" exclusion should filter
// themselves (see spec.md boundary behavior: distance == max_view_distance
// is excluded from interest).
func (g *Grid) Query(center ecs.Vec3, radius float64) []ecs.Entity {
	minCell := g.cellOf(ecs.Vec3{X: center.X - float32(radius), Y: center.Y - float32(radius), Z: center.Z - float32(radius)})
	maxCell := g.cellOf(ecs.Vec3{X: center.X + float32(radius), Y: center.Y + float32(radius), Z: center.Z + float32(radius)})

	r2 := radius * radius
	var results []ecs.Entity
	for x := minCell.X; x <= maxCell.X; x++ {
		for y := minCell.Y; y <= maxCell.Y; y++ {
			for z := minCell.Z; z <= maxCell.Z; z++ {
				set, ok := g.cells[Cell{X: x, Y: y, Z: z}]
				if !ok {
					continue
				}
				for e := range set {
					if g.live != nil && !g.live(e) {
						continue // lazily swept stale entry
					}
					pos := g.posOf[e]
					dx := float64(pos.X - center.X)
					dy := float64(pos.Y - center.Y)
					dz := float64(pos.Z - center.Z)
					if dx*dx+dy*dy+dz*dz <= r2 {
						results = append(results, e)
					}
				}
			}
		}
	}
	return results
}

// Distance returns the Euclidean distance between two positions.
func Distance(a, b ecs.Vec3) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
