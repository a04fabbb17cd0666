package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/playweave/collab/collab"
)

// cross-instance fan-out over Redis pub/sub.
//
// every local room broadcast is also published to the room's channel;
// each instance subscribes per live room and re-fans remote publishes
// to its local members. Instances ignore their own publishes, so a
// single-instance deployment behaves identically with or without the
// bridge.
type RedisBridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *redis.Client
	registry *ConnectionRegistry

	instanceId collab.Id

	stateLock sync.Mutex
	// documentId -> live subscription
	subs map[string]*redis.PubSub
}

type bridgeEnvelope struct {
	InstanceId collab.Id       `json:"instance_id"`
	Message    *collab.Message `json:"message"`
}

func NewRedisBridge(ctx context.Context, redisUrl string, registry *ConnectionRegistry) (*RedisBridge, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisBridge{
		ctx:        cancelCtx,
		cancel:     cancel,
		client:     client,
		registry:   registry,
		instanceId: collab.NewId(),
		subs:       map[string]*redis.PubSub{},
	}, nil
}

func roomChannel(documentId string) string {
	return fmt.Sprintf("playweave:room:%s", documentId)
}

// subscribes to the room's channel if not already subscribed
func (self *RedisBridge) EnsureRoom(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.subs[documentId]; ok {
		return
	}
	pubsub := self.client.Subscribe(self.ctx, roomChannel(documentId))
	self.subs[documentId] = pubsub

	go self.pump(documentId, pubsub)
}

func (self *RedisBridge) DropRoom(documentId string) {
	self.stateLock.Lock()
	pubsub, ok := self.subs[documentId]
	if ok {
		delete(self.subs, documentId)
	}
	self.stateLock.Unlock()

	if ok {
		pubsub.Close()
	}
}

func (self *RedisBridge) Publish(documentId string, message *collab.Message) {
	b, err := json.Marshal(&bridgeEnvelope{
		InstanceId: self.instanceId,
		Message:    message,
	})
	if err != nil {
		glog.Warningf("[rb]encode error = %s\n", err)
		return
	}
	if err := self.client.Publish(self.ctx, roomChannel(documentId), b).Err(); err != nil {
		// best effort, same as local fan-out
		glog.Infof("[rb]publish %s error = %s\n", documentId, err)
	}
}

func (self *RedisBridge) pump(documentId string, pubsub *redis.PubSub) {
	defer pubsub.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			envelope := &bridgeEnvelope{}
			if err := json.Unmarshal([]byte(msg.Payload), envelope); err != nil {
				glog.Infof("[rb]%s drop malformed envelope = %s\n", documentId, err)
				continue
			}
			if envelope.InstanceId == self.instanceId {
				// own publish
				continue
			}
			if envelope.Message == nil {
				continue
			}
			self.registry.Broadcast(documentId, envelope.Message, collab.Id{})
			glog.V(2).Infof("[rb]%s<- %s\n", documentId, envelope.Message.Type)
		}
	}
}

func (self *RedisBridge) Close() {
	self.cancel()

	self.stateLock.Lock()
	subs := self.subs
	self.subs = map[string]*redis.PubSub{}
	self.stateLock.Unlock()

	for _, pubsub := range subs {
		pubsub.Close()
	}
	self.client.Close()
}
