package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/playweave/collab/collab"
)

type RelaySettings struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// covers several client ping intervals
	ReadTimeout    time.Duration
	SendBufferSize int
	StatusInterval time.Duration
	// when set, join tokens must verify against this HMAC secret.
	// when empty, claims are read unverified (dev mode).
	JwtSecret string
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		AuthTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    80 * time.Second,
		SendBufferSize: 32,
		StatusInterval: 60 * time.Second,
	}
}

// the broadcast server. One logical room per document; the relay holds
// no document state beyond the membership list. It is a dumb relay, not
// a source of truth: each client's local state is authoritative for its
// own view.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *ConnectionRegistry
	settings *RelaySettings

	// optional cross-instance fan-out
	bridge *RedisBridge

	upgrader *websocket.Upgrader
	router   *mux.Router
}

func NewRelayWithDefaults(ctx context.Context, registry *ConnectionRegistry) *Relay {
	return NewRelay(ctx, registry, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, registry *ConnectionRegistry, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		settings: settings,
		upgrader: &websocket.Upgrader{
			// the embedding application fronts the relay; origin policy
			// is enforced there
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	router := mux.NewRouter()
	router.HandleFunc("/doc/{documentId}/ws", relay.handleWs)
	relay.router = router

	go relay.run()
	return relay
}

// set before serving. The bridge re-fans updates published by other
// relay instances into local rooms.
func (self *Relay) SetBridge(bridge *RedisBridge) {
	self.bridge = bridge
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

func (self *Relay) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.StatusInterval):
			rooms := self.registry.Rooms()
			total := 0
			for _, documentId := range rooms {
				total += self.registry.RoomSize(documentId)
			}
			glog.Infof("[r]status rooms=%d connections=%d\n", len(rooms), total)
		}
	}
}

func (self *Relay) handleWs(w http.ResponseWriter, r *http.Request) {
	documentId := mux.Vars(r)["documentId"]

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade %s error = %s\n", documentId, err)
		return
	}

	byJwt, err := self.authenticate(ws)
	if err != nil {
		glog.Infof("[r]auth %s error = %s\n", documentId, err)
		self.writeMessage(ws, &collab.Message{
			Type:    collab.MessageTypeError,
			Message: "authentication failed",
		})
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth"),
			time.Now().Add(self.settings.WriteTimeout),
		)
		ws.Close()
		return
	}

	connId := collab.NewId()
	member := NewMember(
		&collab.Presence{
			ConnId:   connId,
			UserId:   byJwt.UserId,
			UserName: byJwt.UserName,
			JoinedAt: time.Now().UnixMilli(),
		},
		self.settings.SendBufferSize,
	)

	presences := self.registry.Join(documentId, member)
	if self.bridge != nil {
		self.bridge.EnsureRoom(documentId)
	}

	// the join reply is the full presence snapshot
	if !self.writeMessage(ws, &collab.Message{
		Type:      collab.MessageTypePresence,
		Presences: presences,
		Self:      member.Presence,
	}) {
		self.leave(documentId, connId)
		ws.Close()
		return
	}

	glog.Infof("[r]join %s %s (%s)\n", documentId, connId, byJwt.UserName)
	self.serve(ws, documentId, member, byJwt)
}

// first frame after the upgrade is the auth message
func (self *Relay) authenticate(ws *websocket.Conn) (*collab.ByJwt, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, b, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	message, err := collab.DecodeMessage(b)
	if err != nil {
		return nil, err
	}
	if message.Type != collab.MessageTypeAuth {
		return nil, &ProtocolError{Message: "expected an auth message"}
	}
	if self.settings.JwtSecret != "" {
		return collab.ParseByJwt(message.Token, []byte(self.settings.JwtSecret))
	}
	return collab.ParseByJwtUnverified(message.Token)
}

func (self *Relay) serve(ws *websocket.Conn, documentId string, member *Member, byJwt *collab.ByJwt) {
	defer ws.Close()

	connId := member.Presence.ConnId

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	defer self.leave(documentId, connId)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-member.send:
				b, err := collab.EncodeMessage(message)
				if err != nil {
					glog.Warningf("[r]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					glog.Infof("[r]%s-> error = %s\n", connId, err)
					return
				}
				glog.V(2).Infof("[r]%s->\n", connId)
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, b, err := ws.ReadMessage()
		if err != nil {
			// abnormal disconnect takes the same leave path as a
			// normal close, so presence never leaks
			glog.Infof("[r]%s<- closed = %s\n", connId, err)
			return
		}

		message, err := collab.DecodeMessage(b)
		if err != nil {
			// malformed. Drop and keep the connection open.
			glog.Infof("[r]%s<- drop malformed message = %s\n", connId, err)
			continue
		}

		switch message.Type {
		case collab.MessageTypePing:
			self.deliverPong(member)
		case collab.MessageTypePong:
			// nothing to do
		case collab.MessageTypeUpdate:
			if message.Event == nil {
				continue
			}
			// stamp identity and time from the verified connection,
			// never from the client payload
			event := message.Event
			event.ConnId = connId
			event.UserId = byJwt.UserId
			event.UserName = byJwt.UserName
			event.ServerTime = time.Now().UnixMilli()

			self.registry.Broadcast(documentId, message, connId)
			if self.bridge != nil {
				self.bridge.Publish(documentId, message)
			}
			glog.V(2).Infof("[r]%s<- %s %s\n", connId, event.Kind, event.TargetId())
		default:
			glog.Infof("[r]%s<- drop unknown message type %s\n", connId, message.Type)
		}
	}
}

func (self *Relay) deliverPong(member *Member) {
	select {
	case member.send <- &collab.Message{Type: collab.MessageTypePong}:
	default:
	}
}

func (self *Relay) leave(documentId string, connId collab.Id) {
	self.registry.Leave(documentId, connId)
	if self.bridge != nil && self.registry.RoomSize(documentId) == 0 {
		self.bridge.DropRoom(documentId)
	}
}

// synchronous write used during the join handshake, before the write
// pump starts
func (self *Relay) writeMessage(ws *websocket.Conn, message *collab.Message) bool {
	b, err := collab.EncodeMessage(message)
	if err != nil {
		glog.Warningf("[r]encode error = %s\n", err)
		return false
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return false
	}
	return true
}

func (self *Relay) Close() {
	self.cancel()
}

type ProtocolError struct {
	Message string
}

func (self *ProtocolError) Error() string {
	return self.Message
}
