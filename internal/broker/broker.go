// Package broker relays a gateway over redis pub/sub.
//
// Every dispatch is published to <prefix>:dispatch:<EVENT_NAME> as
// {"shard_id":n,"payload":d}. Send requests published to <prefix>:gateway_send
// as {"shard_id":n,"payload":{"op":..,"d":..}} are forwarded to the gateway.
// Every process subscribes on its own connection, so each one sees every send
// request and forwards those for the shards it owns. Requests are forwarded in
// order per shard, a shard waiting on its send budget does not hold up others.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mediocregopher/radix/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPrefix prefixes every channel when none is configured.
const DefaultPrefix = "kephasgate"

// DefaultSendTimeout bounds one forwarded send. It is longer than the default
// send window so a request waiting on an exhausted budget still goes out.
const DefaultSendTimeout = 90 * time.Second

// shardQueueSize is how many requests may wait per shard before new ones are dropped.
const shardQueueSize = 100

// Message is the envelope of both published dispatches and send requests.
type Message struct {
	ShardID int                 `json:"shard_id"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Broker connects a gateway to redis.
type Broker struct {
	gateway    kephasgate.Gateway
	publisher  radix.Client
	subscriber radix.PubSubConn
	prefix     string
	id         string
	log        *logrus.Entry

	// SendTimeout bounds each forwarded send, including the wait for the shard's send budget.
	SendTimeout time.Duration
}

// New creates a broker. publisher is used for PUBLISH, subscriber for the
// send channel subscription, typically a radix.PersistentPubSubWithOpts.
func New(gateway kephasgate.Gateway, publisher radix.Client, subscriber radix.PubSubConn, prefix string) *Broker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	id := uuid.New().String()

	return &Broker{
		gateway:     gateway,
		publisher:   publisher,
		subscriber:  subscriber,
		prefix:      prefix,
		id:          id,
		log:         logging.GetFixedPrefixLogger("broker").WithField("subscriber", id),
		SendTimeout: DefaultSendTimeout,
	}
}

// ID returns the random id of this subscriber.
func (b *Broker) ID() string {
	return b.id
}

// DispatchChannel returns the channel dispatches named event are published to.
func (b *Broker) DispatchChannel(event string) string {
	return b.prefix + ":dispatch:" + event
}

// SendChannel returns the channel send requests are read from.
func (b *Broker) SendChannel() string {
	return b.prefix + ":gateway_send"
}

// Publish publishes a dispatch received on shardID.
func (b *Broker) Publish(shardID int, d *protocol.Dispatch) error {
	payload := d.Data
	if len(payload) == 0 {
		payload = jsoniter.RawMessage("null")
	}

	data, err := json.Marshal(Message{ShardID: shardID, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "encode dispatch")
	}

	err = b.publisher.Do(radix.FlatCmd(nil, "PUBLISH", b.DispatchChannel(d.Name), data))
	return errors.WithMessage(err, "redis publish")
}

// Run publishes gateway dispatches and forwards send requests until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	msgChan := make(chan radix.PubSubMessage, 100)
	if err := b.subscriber.Subscribe(msgChan, b.SendChannel()); err != nil {
		return errors.WithMessage(err, "subscribe")
	}
	defer b.subscriber.Unsubscribe(msgChan, b.SendChannel())

	unsubscribe := b.gateway.OnEvent(b.handleEvent)
	defer unsubscribe()

	var wg sync.WaitGroup
	queues := make(map[int]chan protocol.SendPayload)
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	b.log.WithField("channel", b.SendChannel()).Info("listening for send requests")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgChan:
			if len(msg.Message) < 1 {
				continue
			}
			shardID, payload, ok := b.decodeSend(msg.Message)
			if !ok {
				continue
			}

			q, ok := queues[shardID]
			if !ok {
				q = make(chan protocol.SendPayload, shardQueueSize)
				queues[shardID] = q
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.forward(ctx, shardID, q)
				}()
			}

			select {
			case q <- payload:
			default:
				b.log.WithField("shard", shardID).WithField("op", payload.Opcode().String()).Warn("send queue full, dropping send request")
			}
		}
	}
}

func (b *Broker) handleEvent(e kephasgate.Event) {
	if e.Type != kephasgate.EventDispatch || e.Dispatch == nil {
		return
	}

	if err := b.Publish(e.ShardID, e.Dispatch); err != nil {
		b.log.WithError(err).WithField("shard", e.ShardID).WithField("evt", e.Dispatch.Name).Error("failed publishing dispatch")
	}
}

func (b *Broker) decodeSend(data []byte) (int, protocol.SendPayload, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.WithError(err).Error("invalid send request")
		return 0, nil, false
	}

	payload, err := protocol.DecodeSendPayload(msg.Payload)
	if err != nil {
		b.log.WithError(err).WithField("shard", msg.ShardID).Error("invalid send payload")
		return 0, nil, false
	}
	return msg.ShardID, payload, true
}

// forward sends the requests queued for one shard in order until q is closed.
func (b *Broker) forward(ctx context.Context, shardID int, q <-chan protocol.SendPayload) {
	for payload := range q {
		if ctx.Err() != nil {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, b.SendTimeout)
		err := b.gateway.Send(sendCtx, shardID, payload)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, kephasgate.ErrUnknownShard):
			b.log.WithField("shard", shardID).Debug("send request for a shard owned elsewhere")
		case ctx.Err() != nil:
		default:
			b.log.WithError(err).WithField("shard", shardID).WithField("op", payload.Opcode().String()).Warn("failed forwarding send request")
		}
	}
}
