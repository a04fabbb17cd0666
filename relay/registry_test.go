package relay

import (
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/playweave/collab/collab"
)

func testMember(userName string) *Member {
	return NewMember(
		&collab.Presence{
			ConnId:   collab.NewId(),
			UserId:   collab.NewId(),
			UserName: userName,
			JoinedAt: time.Now().UnixMilli(),
		},
		8,
	)
}

func TestRegistryReplayInvariant(t *testing.T) {
	// for all join/leave sequences, the live set after replay equals
	// joined minus left
	registry := NewConnectionRegistry()

	n := 50
	members := []*Member{}
	for i := 0; i < n; i += 1 {
		member := testMember("user")
		members = append(members, member)
		registry.Join("doc-1", member)
	}
	assert.Equal(t, n, registry.RoomSize("doc-1"))

	left := map[collab.Id]bool{}
	mathrand.Shuffle(len(members), func(i, j int) {
		members[i], members[j] = members[j], members[i]
	})
	for _, member := range members[:n/2] {
		registry.Leave("doc-1", member.Presence.ConnId)
		left[member.Presence.ConnId] = true
	}
	assert.Equal(t, n-n/2, registry.RoomSize("doc-1"))

	for _, presence := range registry.Presences("doc-1") {
		assert.Equal(t, false, left[presence.ConnId])
	}

	// leaving an already-left connection is a no-op, not an error
	for _, member := range members[:n/2] {
		registry.Leave("doc-1", member.Presence.ConnId)
	}
	assert.Equal(t, n-n/2, registry.RoomSize("doc-1"))

	for _, member := range members[n/2:] {
		registry.Leave("doc-1", member.Presence.ConnId)
	}
	assert.Equal(t, 0, registry.RoomSize("doc-1"))
	assert.Equal(t, 0, len(registry.Rooms()))
}

func TestRegistryJoinSnapshotAndDeltas(t *testing.T) {
	registry := NewConnectionRegistry()

	a := testMember("alice")
	snapshotA := registry.Join("doc-1", a)
	assert.Equal(t, 1, len(snapshotA))
	assert.Equal(t, a.Presence.ConnId, snapshotA[0].ConnId)

	b := testMember("bob")
	snapshotB := registry.Join("doc-1", b)
	// the joiner gets the full set including itself
	assert.Equal(t, 2, len(snapshotB))

	// the existing member got a user_joined delta
	delta := <-a.send
	assert.Equal(t, collab.MessageTypeUserJoined, delta.Type)
	assert.Equal(t, b.Presence.ConnId, delta.Presence.ConnId)

	registry.Leave("doc-1", b.Presence.ConnId)
	delta = <-a.send
	assert.Equal(t, collab.MessageTypeUserLeft, delta.Type)
	assert.Equal(t, b.Presence.ConnId, delta.Presence.ConnId)

	// rooms are isolated
	c := testMember("carol")
	registry.Join("doc-2", c)
	registry.Broadcast("doc-2", &collab.Message{Type: collab.MessageTypePong}, collab.Id{})
	assert.Equal(t, 0, len(a.send))
	assert.Equal(t, 1, len(c.send))
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	registry := NewConnectionRegistry()

	a := testMember("alice")
	b := testMember("bob")
	registry.Join("doc-1", a)
	registry.Join("doc-1", b)
	// drain the join delta
	<-a.send

	message := &collab.Message{
		Type:  collab.MessageTypeUpdate,
		Event: collab.NewModuleDeleteUpdate("m1"),
	}
	registry.Broadcast("doc-1", message, a.Presence.ConnId)

	assert.Equal(t, 0, len(a.send))
	received := <-b.send
	assert.Equal(t, collab.MessageTypeUpdate, received.Type)
	assert.Equal(t, "m1", received.Event.ModuleId)
}

func TestRegistryBestEffortDelivery(t *testing.T) {
	registry := NewConnectionRegistry()

	slow := NewMember(
		&collab.Presence{
			ConnId:   collab.NewId(),
			UserId:   collab.NewId(),
			UserName: "slow",
			JoinedAt: time.Now().UnixMilli(),
		},
		1,
	)
	registry.Join("doc-1", slow)

	// a full queue drops instead of blocking
	for i := 0; i < 10; i += 1 {
		registry.Broadcast("doc-1", &collab.Message{Type: collab.MessageTypePong}, collab.Id{})
	}
	assert.Equal(t, 1, len(slow.send))
}
