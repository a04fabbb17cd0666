package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ConnectionState string

const (
	// no document selected
	ConnectionStateIdle       ConnectionState = "idle"
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateConnected  ConnectionState = "connected"
	// waiting for the next reconnect attempt
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

func (self ConnectionState) IsConnected() bool {
	switch self {
	case ConnectionStateConnected:
		return true
	default:
		return false
	}
}

type ConnectionStateFunction = func(state ConnectionState)
type PresenceFunction = func(presences []*Presence)
type UpdateFunction = func(doc *Document, event *UpdateEvent)
type HighlightFunction = func(targetId string)
type SnapshotFunction = func(doc *Document)

// fetches a full document snapshot from the persistence owner.
// see SessionSettings.SnapshotFunc
type SnapshotFunc = func(ctx context.Context, documentId string) (*Document, error)

type SessionSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	// fixed backoff between reconnect attempts, not exponential
	ReconnectTimeout time.Duration
	// keepalive through intermediaries with idle timeouts
	PingInterval time.Duration
	WriteTimeout time.Duration
	// covers several missed ping intervals. A quiet connection that
	// stops returning pongs times out the read and reconnects.
	ReadTimeout time.Duration
	// how long a remote change stays highlighted unless superseded
	HighlightTimeout time.Duration
	SendBufferSize   int

	DispatcherSettings *DispatcherSettings

	// when set, the session refetches the document after every
	// reconnect (not the first connect) and replaces local state.
	// when nil, updates broadcast while disconnected stay missed.
	SnapshotFunc SnapshotFunc
}

func DefaultSessionSettings() *SessionSettings {
	pingInterval := 25 * time.Second
	return &SessionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   3 * time.Second,
		PingInterval:       pingInterval,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        3*pingInterval + 5*time.Second,
		HighlightTimeout:   2 * time.Second,
		SendBufferSize:     32,
		DispatcherSettings: DefaultDispatcherSettings(),
	}
}

// client-side owner of one active document connection.
//
// owns the channel connection, the reconnect loop, the presence set,
// and update dispatch. Constructed explicitly and owned by the
// document-editing view; there is no ambient global session.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	auth       *RoomAuth
	byJwt      *ByJwt

	settings *SessionSettings

	stateLock         sync.Mutex
	state             ConnectionState
	documentId        string
	docCancel         context.CancelFunc
	dispatcher        *Dispatcher
	connId            Id
	presences         map[Id]*Presence
	doc               *Document
	lastEvent         *UpdateEvent
	highlightTargetId string
	highlightTimer    *time.Timer
	sendQueue         chan []byte

	stateCallbacks     *CallbackList[ConnectionStateFunction]
	presenceCallbacks  *CallbackList[PresenceFunction]
	updateCallbacks    *CallbackList[UpdateFunction]
	highlightCallbacks *CallbackList[HighlightFunction]
	snapshotCallbacks  *CallbackList[SnapshotFunction]
}

func NewSessionWithDefaults(ctx context.Context, connectUrl string, auth *RoomAuth) *Session {
	return NewSession(ctx, connectUrl, auth, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	connectUrl string,
	auth *RoomAuth,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	// display identity only. The relay re-stamps events from the
	// verified token, so a bad local parse degrades to anonymous.
	byJwt, err := ParseByJwtUnverified(auth.ByJwt)
	if err != nil {
		glog.Infof("[s]token parse error = %s\n", err)
		byJwt = &ByJwt{}
	}

	return &Session{
		ctx:                cancelCtx,
		cancel:             cancel,
		connectUrl:         connectUrl,
		auth:               auth,
		byJwt:              byJwt,
		settings:           settings,
		state:              ConnectionStateIdle,
		presences:          map[Id]*Presence{},
		doc:                NewDocument(),
		stateCallbacks:     NewCallbackList[ConnectionStateFunction](),
		presenceCallbacks:  NewCallbackList[PresenceFunction](),
		updateCallbacks:    NewCallbackList[UpdateFunction](),
		highlightCallbacks: NewCallbackList[HighlightFunction](),
		snapshotCallbacks:  NewCallbackList[SnapshotFunction](),
	}
}

func (self *Session) AddConnectionStateCallback(callback ConnectionStateFunction) Sub {
	return self.stateCallbacks.Add(callback)
}

func (self *Session) AddPresenceCallback(callback PresenceFunction) Sub {
	return self.presenceCallbacks.Add(callback)
}

func (self *Session) AddUpdateCallback(callback UpdateFunction) Sub {
	return self.updateCallbacks.Add(callback)
}

func (self *Session) AddHighlightCallback(callback HighlightFunction) Sub {
	return self.highlightCallbacks.Add(callback)
}

func (self *Session) AddSnapshotCallback(callback SnapshotFunction) Sub {
	return self.snapshotCallbacks.Add(callback)
}

func (self *Session) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) DocumentId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documentId
}

func (self *Session) ConnId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connId
}

func (self *Session) Presences() []*Presence {
	self.stateLock.Lock()
	presences := maps.Values(self.presences)
	self.stateLock.Unlock()

	slices.SortFunc(presences, func(a *Presence, b *Presence) int {
		if a.JoinedAt != b.JoinedAt {
			return int(a.JoinedAt - b.JoinedAt)
		}
		return slices.Compare(a.ConnId.Bytes(), b.ConnId.Bytes())
	})
	return presences
}

func (self *Session) Document() *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.doc
}

// replaces local document state. Called by the embedding application
// after the initial snapshot load.
func (self *Session) SetDocument(doc *Document) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.doc = doc
}

// the last received remote update, for transient UI highlighting
func (self *Session) LastUpdate() *UpdateEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastEvent
}

func (self *Session) HighlightTargetId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.highlightTargetId
}

// opens a connection to the document's room. If the session is already
// connected to a different document, that connection is torn down first.
// reconnects keep running until Disconnect or the session context ends.
func (self *Session) ConnectToDocument(documentId string) {
	self.stateLock.Lock()
	if self.documentId == documentId && self.docCancel != nil {
		self.stateLock.Unlock()
		return
	}
	docCancel := self.docCancel
	dispatcher := self.dispatcher

	docCtx, nextDocCancel := context.WithCancel(self.ctx)
	self.docCancel = nextDocCancel
	self.documentId = documentId
	self.connId = Id{}
	self.presences = map[Id]*Presence{}
	self.dispatcher = NewDispatcher(docCtx, self.sendEvent, self.settings.DispatcherSettings)
	self.stateLock.Unlock()

	if dispatcher != nil {
		dispatcher.Close()
	}
	if docCancel != nil {
		docCancel()
	}

	self.setState(docCtx, ConnectionStateConnecting)
	go self.run(docCtx, documentId)
}

// idempotent. Cancels pending debounced sends and the reconnect timer,
// closes the channel with a normal-closure code, clears presence.
func (self *Session) Disconnect() {
	self.stateLock.Lock()
	if self.docCancel == nil {
		self.stateLock.Unlock()
		return
	}
	docCancel := self.docCancel
	dispatcher := self.dispatcher
	self.docCancel = nil
	self.dispatcher = nil
	self.documentId = ""
	self.connId = Id{}
	self.presences = map[Id]*Presence{}
	self.lastEvent = nil
	self.highlightTargetId = ""
	if self.highlightTimer != nil {
		self.highlightTimer.Stop()
		self.highlightTimer = nil
	}
	self.state = ConnectionStateIdle
	self.stateLock.Unlock()

	dispatcher.Close()
	docCancel()

	for _, callback := range self.stateCallbacks.Get() {
		self.fireState(callback, ConnectionStateIdle)
	}
	self.firePresences()
}

// stamps the local identity on the event, applies it optimistically to
// local state, and forwards it to the dispatcher. While disconnected
// the local apply still happens; the send is dropped with a warning.
func (self *Session) SendUpdate(event *UpdateEvent) {
	self.stateLock.Lock()
	dispatcher := self.dispatcher
	event.UserId = self.byJwt.UserId
	event.UserName = self.byJwt.UserName
	event.ConnId = self.connId
	self.doc = ApplyUpdate(self.doc, event)
	self.stateLock.Unlock()

	if dispatcher == nil {
		glog.Infof("[s]drop update %s: no document selected\n", event.Kind)
		return
	}
	dispatcher.Dispatch(event)
}

func (self *Session) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Session) run(ctx context.Context, documentId string) {
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		self.setState(ctx, ConnectionStateConnecting)

		ws, joinMessage, err := self.connect(ctx, documentId)
		if err != nil {
			glog.Infof("[s]connect %s error = %s\n", documentId, err)
			self.setState(ctx, ConnectionStateDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.installPresenceSnapshot(ctx, joinMessage)
		self.setState(ctx, ConnectionStateConnected)

		if !first && self.settings.SnapshotFunc != nil {
			self.refetchSnapshot(ctx, documentId)
		}
		first = false

		if glog.V(2) {
			Trace(fmt.Sprintf("[s]serve %s", documentId), func() {
				self.serve(ctx, ws, documentId)
			})
		} else {
			self.serve(ctx, ws, documentId)
		}

		self.setState(ctx, ConnectionStateDisconnected)
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// dials the room, authenticates with the first frame, and waits for the
// registry's presence snapshot
func (self *Session) connect(ctx context.Context, documentId string) (*websocket.Conn, *Message, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	url := fmt.Sprintf("%s/doc/%s/ws", self.connectUrl, documentId)
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes := RequireEncodeMessage(&Message{
		Type:  MessageTypeAuth,
		Token: self.auth.ByJwt,
	})
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, b, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	message, err := DecodeMessage(b)
	if err != nil {
		return nil, nil, err
	}
	switch message.Type {
	case MessageTypePresence:
		// joined
	case MessageTypeError:
		return nil, nil, fmt.Errorf("join error: %s", message.Message)
	default:
		return nil, nil, fmt.Errorf("unexpected message type on join: %s", message.Type)
	}

	success = true
	return ws, message, nil
}

func (self *Session) serve(ctx context.Context, ws *websocket.Conn, documentId string) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)
	self.stateLock.Lock()
	self.sendQueue = send
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		if self.sendQueue == send {
			self.sendQueue = nil
		}
		self.stateLock.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				// explicit teardown closes with a normal code so the
				// relay distinguishes leave from failure
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			case b := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					glog.Infof("[ss]%s-> error = %s\n", documentId, err)
					return
				}
				glog.V(2).Infof("[ss]%s->\n", documentId)
			case <-time.After(self.settings.PingInterval):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				pingBytes := RequireEncodeMessage(&Message{Type: MessageTypePing})
				if err := ws.WriteMessage(websocket.TextMessage, pingBytes); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, b, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[sr]%s<- error = %s\n", documentId, err)
				return
			}
			self.handleMessage(handleCtx, b)
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *Session) handleMessage(ctx context.Context, b []byte) {
	message, err := DecodeMessage(b)
	if err != nil {
		// malformed. Drop and keep the connection open.
		glog.Infof("[sr]drop malformed message = %s\n", err)
		return
	}

	switch message.Type {
	case MessageTypeUpdate:
		if message.Event == nil {
			return
		}
		if !message.Event.ConnId.IsZero() && message.Event.ConnId == self.ConnId() {
			// self-originated echo
			glog.V(2).Infof("[sr]drop echo %s\n", message.Event.Kind)
			return
		}
		self.applyRemote(message.Event)
	case MessageTypePresence:
		self.installPresenceSnapshot(ctx, message)
	case MessageTypeUserJoined:
		if message.Presence == nil {
			return
		}
		self.stateLock.Lock()
		self.presences[message.Presence.ConnId] = message.Presence
		self.stateLock.Unlock()
		self.firePresences()
	case MessageTypeUserLeft:
		if message.Presence == nil {
			return
		}
		self.stateLock.Lock()
		delete(self.presences, message.Presence.ConnId)
		self.stateLock.Unlock()
		self.firePresences()
	case MessageTypePong:
		// the read itself is the liveness signal
		glog.V(2).Infof("[sr]pong\n")
	case MessageTypePing:
		self.stateLock.Lock()
		send := self.sendQueue
		self.stateLock.Unlock()
		if send != nil {
			pongBytes := RequireEncodeMessage(&Message{Type: MessageTypePong})
			select {
			case send <- pongBytes:
			default:
			}
		}
	case MessageTypeError:
		// non-fatal
		glog.Infof("[sr]relay error: %s\n", message.Message)
	default:
		glog.Infof("[sr]drop unknown message type %s\n", message.Type)
	}
}

// the registry's snapshot replaces local presence state wholesale
func (self *Session) installPresenceSnapshot(ctx context.Context, message *Message) {
	if ctx.Err() != nil {
		return
	}
	self.stateLock.Lock()
	self.presences = map[Id]*Presence{}
	for _, presence := range message.Presences {
		self.presences[presence.ConnId] = presence
	}
	if message.Self != nil {
		self.connId = message.Self.ConnId
	}
	self.stateLock.Unlock()
	self.firePresences()
}

func (self *Session) applyRemote(event *UpdateEvent) {
	targetId := event.TargetId()

	self.stateLock.Lock()
	nextDoc := ApplyUpdate(self.doc, event)
	self.doc = nextDoc
	self.lastEvent = event
	self.highlightTargetId = targetId
	if self.highlightTimer != nil {
		self.highlightTimer.Stop()
	}
	self.highlightTimer = time.AfterFunc(self.settings.HighlightTimeout, func() {
		self.clearHighlight(targetId)
	})
	self.stateLock.Unlock()

	for _, callback := range self.updateCallbacks.Get() {
		func(callback UpdateFunction) {
			HandleError(func() {
				callback(nextDoc, event)
			})
		}(callback)
	}
	self.fireHighlight(targetId)
}

func (self *Session) clearHighlight(targetId string) {
	self.stateLock.Lock()
	if self.highlightTargetId != targetId {
		// superseded by a newer highlight
		self.stateLock.Unlock()
		return
	}
	self.highlightTargetId = ""
	self.stateLock.Unlock()
	self.fireHighlight("")
}

func (self *Session) refetchSnapshot(ctx context.Context, documentId string) {
	doc, err := self.settings.SnapshotFunc(ctx, documentId)
	if err != nil {
		glog.Infof("[s]snapshot refetch %s error = %s\n", documentId, err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	self.stateLock.Lock()
	self.doc = doc
	self.stateLock.Unlock()
	for _, callback := range self.snapshotCallbacks.Get() {
		func(callback SnapshotFunction) {
			HandleError(func() {
				callback(doc)
			})
		}(callback)
	}
}

// dispatcher sink. Fire-and-forget: a full buffer or a disconnected
// channel drops the message with a local warning.
func (self *Session) sendEvent(event *UpdateEvent) bool {
	self.stateLock.Lock()
	send := self.sendQueue
	state := self.state
	self.stateLock.Unlock()

	if send == nil || state != ConnectionStateConnected {
		glog.Infof("[s]drop update %s: not connected\n", event.Kind)
		return false
	}

	b, err := EncodeMessage(&Message{
		Type:  MessageTypeUpdate,
		Event: event,
	})
	if err != nil {
		glog.Warningf("[s]encode update error = %s\n", err)
		return false
	}

	select {
	case send <- b:
		return true
	default:
		glog.Infof("[s]drop update %s: send buffer full\n", event.Kind)
		return false
	}
}

func (self *Session) setState(ctx context.Context, state ConnectionState) {
	self.stateLock.Lock()
	if ctx.Err() != nil || self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		self.fireState(callback, state)
	}
}

func (self *Session) fireState(callback ConnectionStateFunction, state ConnectionState) {
	HandleError(func() {
		callback(state)
	})
}

func (self *Session) firePresences() {
	presences := self.Presences()
	for _, callback := range self.presenceCallbacks.Get() {
		func(callback PresenceFunction) {
			HandleError(func() {
				callback(presences)
			})
		}(callback)
	}
}

func (self *Session) fireHighlight(targetId string) {
	for _, callback := range self.highlightCallbacks.Get() {
		func(callback HighlightFunction) {
			HandleError(func() {
				callback(targetId)
			})
		}(callback)
	}
}
