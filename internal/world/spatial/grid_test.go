package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/outpost-games/worldserver/internal/world/ecs"
)

func TestGrid_MoveAndQuery(t *testing.T) {
	g := New(10, func(ecs.Entity) bool { return true })

	a, b, c := ecs.Entity(1), ecs.Entity(2), ecs.Entity(3)
	g.Move(a, ecs.Vec3{X: 0, Y: 0, Z: 0})
	g.Move(b, ecs.Vec3{X: 5, Y: 0, Z: 0})
	g.Move(c, ecs.Vec3{X: 100, Y: 0, Z: 0})

	results := g.Query(ecs.Vec3{X: 0, Y: 0, Z: 0}, 20)
	assert.ElementsMatch(t, []ecs.Entity{a, b}, results)
}

func TestGrid_MoveUpdatesCellMembership(t *testing.T) {
	g := New(10, func(ecs.Entity) bool { return true })
	a := ecs.Entity(1)

	g.Move(a, ecs.Vec3{X: 0, Y: 0, Z: 0})
	assert.ElementsMatch(t, []ecs.Entity{a}, g.Query(ecs.Vec3{X: 0, Y: 0, Z: 0}, 5))

	g.Move(a, ecs.Vec3{X: 200, Y: 0, Z: 0})
	assert.Empty(t, g.Query(ecs.Vec3{X: 0, Y: 0, Z: 0}, 5))
	assert.ElementsMatch(t, []ecs.Entity{a}, g.Query(ecs.Vec3{X: 200, Y: 0, Z: 0}, 5))
}

func TestGrid_LazySweepOfDestroyedEntities(t *testing.T) {
	dead := map[ecs.Entity]bool{}
	g := New(10, func(e ecs.Entity) bool { return !dead[e] })

	a := ecs.Entity(1)
	g.Move(a, ecs.Vec3{X: 0, Y: 0, Z: 0})
	dead[a] = true

	assert.Empty(t, g.Query(ecs.Vec3{X: 0, Y: 0, Z: 0}, 5))
}

func TestGrid_Remove(t *testing.T) {
	g := New(10, func(ecs.Entity) bool { return true })
	a := ecs.Entity(1)
	g.Move(a, ecs.Vec3{X: 0, Y: 0, Z: 0})
	g.Remove(a)
	assert.Empty(t, g.Query(ecs.Vec3{X: 0, Y: 0, Z: 0}, 5))
}

func TestDistance(t *testing.T) {
	d := Distance(ecs.Vec3{X: 0, Y: 0, Z: 0}, ecs.Vec3{X: 3, Y: 4, Z: 0})
	assert.InDelta(t, 5.0, d, 1e-9)
}
