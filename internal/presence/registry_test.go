package presence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegistryInsertAndGet(t *testing.T) {
	r := NewRegistry()
	p := newParticipant("c1", Vector3{Y: 0.9})
	require.NoError(t, r.Insert(p))

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, 0.9, got.Position.Y)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryInsertDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newParticipant("c1", Vector3{})))
	err := r.Insert(newParticipant("c1", Vector3{}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already connected")
	assert.Equal(t, 1, r.Count())
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newParticipant("c1", Vector3{})))

	got, ok := r.Get("c1")
	require.True(t, ok)
	got.DisplayName = "scribbled"

	again, ok := r.Get("c1")
	require.True(t, ok)
	assert.NotEqual(t, "scribbled", again.DisplayName)
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newParticipant("c1", Vector3{})))

	ok := r.Update("c1", func(p *Participant) {
		p.Position = Vector3{X: 1, Y: 2, Z: 3}
	})
	require.True(t, ok)

	got, _ := r.Get("c1")
	assert.Equal(t, Vector3{X: 1, Y: 2, Z: 3}, got.Position)
}

func TestRegistryUpdateAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	called := false
	ok := r.Update("ghost", func(p *Participant) { called = true })
	assert.False(t, ok)
	assert.False(t, called)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newParticipant("c1", Vector3{})))

	assert.True(t, r.Remove("c1"))
	assert.Equal(t, 0, r.Count())

	// Second removal reports nothing deleted: the leave-broadcast guard.
	assert.False(t, r.Remove("c1"))
}

func TestRegistrySnapshotCopySemantics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Insert(newParticipant("c1", Vector3{})))
	require.NoError(t, r.Insert(newParticipant("c2", Vector3{})))

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	// Mutating the registry after the fact must not change the snapshot.
	r.Update("c1", func(p *Participant) { p.DisplayName = "renamed" })
	require.True(t, r.Remove("c2"))

	assert.Equal(t, placeholderName("c1"), snap["c1"].DisplayName)
	_, stillThere := snap["c2"]
	assert.True(t, stillThere)
}

// Property: after any interleaving of inserts, removals, and updates, the
// registry's membership equals exactly the set of ids inserted and not yet
// removed.
func TestRegistryMembershipProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		open := make(map[string]bool)

		ids := rapid.SliceOfN(rapid.StringMatching(`conn-[0-9]{1,2}`), 1, 40).Draw(t, "ids")
		for _, id := range ids {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				err := r.Insert(newParticipant(id, Vector3{}))
				if open[id] {
					if err == nil {
						t.Fatalf("duplicate insert of %q succeeded", id)
					}
				} else {
					if err != nil {
						t.Fatalf("insert of %q failed: %v", id, err)
					}
					open[id] = true
				}
			case 1:
				removed := r.Remove(id)
				if removed != open[id] {
					t.Fatalf("remove of %q reported %v, want %v", id, removed, open[id])
				}
				delete(open, id)
			case 2:
				updated := r.Update(id, func(p *Participant) { p.Rotation.Yaw += 0.1 })
				if updated != open[id] {
					t.Fatalf("update of %q reported %v, want %v", id, updated, open[id])
				}
			}
		}

		snap := r.Snapshot()
		if len(snap) != len(open) {
			t.Fatalf("registry has %d entries, want %d", len(snap), len(open))
		}
		for id := range open {
			if _, ok := snap[id]; !ok {
				t.Fatalf("registry missing open connection %q", id)
			}
		}
	})
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("g%d-c%d", g, i)
				_ = r.Insert(newParticipant(id, Vector3{}))
				r.Update(id, func(p *Participant) { p.Position.X++ })
				_ = r.Snapshot()
				r.Remove(id)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	assert.Equal(t, 0, r.Count())
}
