package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityStore_NeverRecycles(t *testing.T) {
	s := NewEntityStore()
	a := s.Create()
	s.Destroy(a)
	b := s.Create()
	assert.NotEqual(t, a, b)
}

func TestWorld_DestroyEntitySweepsAllStorages(t *testing.T) {
	w := NewWorld()
	transforms := RegisterStorage(w, NewStorage[Transform]("transform"))
	healths := RegisterStorage(w, NewStorage[Health]("health"))

	e := w.CreateEntity()
	transforms.Set(e, Transform{Position: Vec3{1, 2, 3}})
	healths.Set(e, Health{Current: 100, Maximum: 100})

	require.True(t, w.IsAlive(e))
	_, ok := transforms.Get(e)
	require.True(t, ok)

	w.DestroyEntity(e)

	assert.False(t, w.IsAlive(e))
	_, ok = transforms.Get(e)
	assert.False(t, ok)
	_, ok = healths.Get(e)
	assert.False(t, ok)
}

func TestStorage_GetOrNone(t *testing.T) {
	s := NewStorage[Health]("health")
	e := Entity(1)

	_, ok := s.Get(e)
	assert.False(t, ok)

	s.Set(e, Health{Current: 50, Maximum: 100})
	v, ok := s.Get(e)
	require.True(t, ok)
	assert.Equal(t, int32(50), v.Current)

	s.Remove(e)
	_, ok = s.Get(e)
	assert.False(t, ok)
}

func TestStorage_DirtyTracking(t *testing.T) {
	s := NewStorage[Health]("health")
	e1, e2 := Entity(1), Entity(2)
	s.Set(e1, Health{Current: 10, Maximum: 10})
	s.Set(e2, Health{Current: 20, Maximum: 20})

	dirty := s.DirtyEntities()
	assert.ElementsMatch(t, []Entity{e1, e2}, dirty)

	s.ClearDirty()
	assert.Empty(t, s.DirtyEntities())
}

func TestHealth_IsDead(t *testing.T) {
	assert.True(t, Health{Current: 0, Maximum: 100}.IsDead())
	assert.False(t, Health{Current: 1, Maximum: 100}.IsDead())
}

func TestForEach2_OnlyEntitiesWithBothKinds(t *testing.T) {
	transforms := NewStorage[Transform]("transform")
	healths := NewStorage[Health]("health")

	both := Entity(1)
	onlyTransform := Entity(2)

	transforms.Set(both, Transform{Position: Vec3{1, 0, 0}})
	healths.Set(both, Health{Current: 100, Maximum: 100})
	transforms.Set(onlyTransform, Transform{Position: Vec3{5, 0, 0}})

	seen := map[Entity]bool{}
	ForEach2(transforms, healths, func(e Entity, tr *Transform, h *Health) {
		seen[e] = true
		h.Current -= 10
	})

	assert.Equal(t, map[Entity]bool{both: true}, seen)
	v, _ := healths.Get(both)
	assert.Equal(t, int32(90), v.Current)
}

func TestForEach3_RequiresAllThreeKinds(t *testing.T) {
	transforms := NewStorage[Transform]("transform")
	healths := NewStorage[Health]("health")
	tags := NewStorage[Tag]("tag")

	e := Entity(1)
	transforms.Set(e, Transform{})
	healths.Set(e, Health{Current: 1, Maximum: 1})
	tags.Set(e, Tag{Name: "npc"})

	partial := Entity(2)
	transforms.Set(partial, Transform{})
	healths.Set(partial, Health{Current: 1, Maximum: 1})

	count := 0
	ForEach3(transforms, healths, tags, func(Entity, *Transform, *Health, *Tag) {
		count++
	})
	assert.Equal(t, 1, count)
}
