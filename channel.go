package cunqa

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/theapemachine/errnie"
)

/*
ClassicalChannel is the peer-to-peer mesh QPUs use to exchange runtime
measurements. One router socket accepts frames from every connected
peer; one dealer per target carries outbound sends. Frames arrive as
[identity, payload] and the identity is what receives demultiplex on,
so a shared router behaves like N point-to-point streams that each
preserve send order.

The channel is single-goroutine-owned: the QPU's compute goroutine or
the executor's main loop. Nothing here is safe for concurrent use.
*/
type ClassicalChannel struct {
	ctx      context.Context
	id       string
	endpoint string
	router   zmq4.Socket
	dealers  map[string]zmq4.Socket
	buffer   map[string][]string // out-of-order frames parked per origin
	alias    map[string]string   // wire identity -> logical peer key

	dialRetry int
	dialPause time.Duration
}

/*
NewClassicalChannel binds the channel's router socket. An empty id
makes the bound endpoint the channel identity, which is also what
force-endpoint connectors stamp on their outbound frames.
*/
func NewClassicalChannel(ctx context.Context, id, mode string) (*ClassicalChannel, error) {
	host := "127.0.0.1"
	if mode != ModeHPC {
		ip, err := BestLocalIPv4()
		if err != nil {
			return nil, errors.Wrap(err, "selecting channel bind address")
		}
		host = ip
	}

	router := zmq4.NewRouter(ctx)
	if err := router.Listen("tcp://" + host + ":0"); err != nil {
		return nil, errors.Wrapf(err, "binding channel on %s", host)
	}

	c := &ClassicalChannel{
		ctx:       ctx,
		id:        id,
		endpoint:  "tcp://" + router.Addr().String(),
		router:    router,
		dealers:   make(map[string]zmq4.Socket),
		buffer:    make(map[string][]string),
		alias:     make(map[string]string),
		dialRetry: 10,
		dialPause: 100 * time.Millisecond,
	}
	if c.id == "" {
		c.id = c.endpoint
	}
	return c, nil
}

// ID is the identity stamped on outbound frames.
func (c *ClassicalChannel) ID() string { return c.id }

// Endpoint is the bound router address.
func (c *ClassicalChannel) Endpoint() string { return c.endpoint }

/*
Publish appends this channel's endpoint to communications.json under
the process key, making it discoverable by peers and executors.
*/
func (c *ClassicalChannel) Publish(path, suffix string) error {
	entry := CommEntry{CommunicationsEndpoint: c.endpoint}
	if err := WriteOnFile(&entry, path, suffix); err != nil {
		return err
	}
	errnie.Info("published channel %s under suffix %q", c.endpoint, suffix)
	return nil
}

/*
Connect opens a dealer to a peer endpoint. The dealer is keyed by id,
or by the endpoint itself when id is empty, and repeated calls with
the same target are no-ops. forceEndpoint stamps the outbound identity
with this channel's bound endpoint instead of its id, so the receiver
recognises the connector by address; executors connect that way.

Peers under the batch scheduler come up independently, so the dial is
retried with exponential backoff before giving up.
*/
func (c *ClassicalChannel) Connect(endpoint, id string, forceEndpoint bool) error {
	key := id
	if key == "" {
		key = endpoint
	}
	if _, ok := c.dealers[key]; ok {
		return nil
	}

	identity := c.id
	if forceEndpoint {
		identity = c.endpoint
	}

	dealer := zmq4.NewDealer(c.ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))
	if err := c.dialBackoff(dealer, endpoint); err != nil {
		return errors.Wrapf(err, "connecting to %s", endpoint)
	}
	c.dealers[key] = dealer
	if id != "" && id != endpoint {
		// A peer that connected back to us with force_endpoint stamps
		// its frames with its address; demultiplex those under the
		// logical key the caller chose.
		c.alias[endpoint] = id
	}
	errnie.Info("channel %s connected to %s as %q", c.id, endpoint, key)
	return nil
}

// dialBackoff retries the dial with exponentially growing pauses.
func (c *ClassicalChannel) dialBackoff(sock zmq4.Socket, endpoint string) error {
	var err error
	for attempt := 1; attempt <= c.dialRetry; attempt++ {
		if err = sock.Dial(endpoint); err == nil {
			return nil
		}
		time.Sleep(c.dialPause * time.Duration(math.Pow(2, float64(attempt-1))))
	}
	return err
}

// SendInfo sends one opaque payload to the dealer keyed target.
// An unknown target is a programmer bug, not a transport condition.
func (c *ClassicalChannel) SendInfo(data, target string) error {
	dealer, ok := c.dealers[target]
	if !ok {
		return errors.Errorf("no connection to %q", target)
	}
	if err := dealer.Send(zmq4.NewMsgString(data)); err != nil {
		return errors.Wrapf(err, "sending to %q", target)
	}
	return nil
}

/*
RecvInfo returns the next payload whose sender identity equals origin.
Frames from other peers that arrive in the meantime are parked in the
per-origin buffer instead of being dropped, which is what keeps every
logical stream ordered and loss-free.
*/
func (c *ClassicalChannel) RecvInfo(origin string) (string, error) {
	if queued := c.buffer[origin]; len(queued) > 0 {
		c.buffer[origin] = queued[1:]
		return queued[0], nil
	}

	for {
		msg, err := c.router.Recv()
		if err != nil {
			return "", errors.Wrap(err, "channel recv")
		}
		if len(msg.Frames) < 2 {
			continue
		}
		identity := string(msg.Frames[0])
		if logical, ok := c.alias[identity]; ok {
			identity = logical
		}
		payload := string(msg.Frames[len(msg.Frames)-1])
		if identity == origin {
			return payload, nil
		}
		c.buffer[identity] = append(c.buffer[identity], payload)
	}
}

// SendMeasure is the integer convenience over SendInfo.
func (c *ClassicalChannel) SendMeasure(value int, target string) error {
	return c.SendInfo(strconv.Itoa(value), target)
}

// RecvMeasure is the integer convenience over RecvInfo.
func (c *ClassicalChannel) RecvMeasure(origin string) (int, error) {
	payload, err := c.RecvInfo(origin)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(payload)
	if err != nil {
		return 0, errors.Wrapf(err, "decoding measurement %q from %q", payload, origin)
	}
	return value, nil
}

// Close shuts the router and every dealer.
func (c *ClassicalChannel) Close() error {
	for _, dealer := range c.dealers {
		dealer.Close()
	}
	return c.router.Close()
}
