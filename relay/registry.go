package relay

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/playweave/collab/collab"
)

// one live connection in a room. The relay owns the websocket; the
// registry only sees the presence record and the outbound queue.
type Member struct {
	Presence *collab.Presence
	send     chan *collab.Message
}

func NewMember(presence *collab.Presence, sendBufferSize int) *Member {
	return &Member{
		Presence: presence,
		send:     make(chan *collab.Message, sendBufferSize),
	}
}

// tracks which connections belong to which document room and fans
// events out. The registry is the single source of truth for presence;
// it must never leak a stale entry, so Leave runs on abnormal
// disconnect as well as explicit leave.
//
// delivery is at-most-once, best effort. A member with a full send
// queue misses the message.
type ConnectionRegistry struct {
	stateLock sync.Mutex
	// documentId -> connId -> member
	rooms map[string]map[collab.Id]*Member
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		rooms: map[string]map[collab.Id]*Member{},
	}
}

// adds the connection to the room, announces it to the other members,
// and returns the full presence snapshot including the joiner
func (self *ConnectionRegistry) Join(documentId string, member *Member) []*collab.Presence {
	self.stateLock.Lock()
	room, ok := self.rooms[documentId]
	if !ok {
		room = map[collab.Id]*Member{}
		self.rooms[documentId] = room
	}
	room[member.Presence.ConnId] = member
	members := maps.Values(room)
	self.stateLock.Unlock()

	presences := []*collab.Presence{}
	for _, other := range members {
		presences = append(presences, other.Presence)
		if other.Presence.ConnId != member.Presence.ConnId {
			self.deliver(other, &collab.Message{
				Type:     collab.MessageTypeUserJoined,
				Presence: member.Presence,
			})
		}
	}
	slices.SortFunc(presences, func(a *collab.Presence, b *collab.Presence) int {
		if a.JoinedAt != b.JoinedAt {
			return int(a.JoinedAt - b.JoinedAt)
		}
		return slices.Compare(a.ConnId.Bytes(), b.ConnId.Bytes())
	})

	glog.V(2).Infof("[rg]join %s %s\n", documentId, member.Presence.ConnId)
	return presences
}

// removes the connection and announces the departure. Leaving a
// connection that already left is a no-op, not an error.
func (self *ConnectionRegistry) Leave(documentId string, connId collab.Id) {
	self.stateLock.Lock()
	room, ok := self.rooms[documentId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	member, ok := room[connId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(room, connId)
	if len(room) == 0 {
		delete(self.rooms, documentId)
	}
	members := maps.Values(room)
	self.stateLock.Unlock()

	for _, other := range members {
		self.deliver(other, &collab.Message{
			Type:     collab.MessageTypeUserLeft,
			Presence: member.Presence,
		})
	}

	glog.V(2).Infof("[rg]leave %s %s\n", documentId, connId)
}

// delivers the message to every live connection in the room except
// excludeConnId. Pass the zero id to deliver to all members.
func (self *ConnectionRegistry) Broadcast(documentId string, message *collab.Message, excludeConnId collab.Id) {
	self.stateLock.Lock()
	room := self.rooms[documentId]
	members := maps.Values(room)
	self.stateLock.Unlock()

	for _, member := range members {
		if member.Presence.ConnId == excludeConnId {
			continue
		}
		self.deliver(member, message)
	}
}

func (self *ConnectionRegistry) Presences(documentId string) []*collab.Presence {
	self.stateLock.Lock()
	room := self.rooms[documentId]
	members := maps.Values(room)
	self.stateLock.Unlock()

	presences := []*collab.Presence{}
	for _, member := range members {
		presences = append(presences, member.Presence)
	}
	return presences
}

func (self *ConnectionRegistry) RoomSize(documentId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms[documentId])
}

func (self *ConnectionRegistry) Rooms() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.rooms)
}

func (self *ConnectionRegistry) deliver(member *Member, message *collab.Message) {
	select {
	case member.send <- message:
	default:
		// best effort. The member's queue is full; it misses this one.
		glog.Infof("[rg]drop %s for %s: send buffer full\n", message.Type, member.Presence.ConnId)
	}
}
