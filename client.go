package cunqa

import (
	"context"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

/*
Client submits task documents to one QPU's client socket and blocks
for each reply. One dealer per client: the QPU's router tells clients
apart by routing id, so many clients can share a QPU while each sees
its own replies in submission order.
*/
type Client struct {
	sock zmq4.Socket
}

// Connect dials a QPU endpoint as published in qpus.json.
func Connect(ctx context.Context, endpoint string) (*Client, error) {
	sock := zmq4.NewDealer(ctx)
	if err := sock.Dial(endpoint); err != nil {
		return nil, errors.Wrapf(err, "dialing QPU %s", endpoint)
	}
	return &Client{sock: sock}, nil
}

// Submit sends one document and blocks for the reply document.
func (c *Client) Submit(doc string) (string, error) {
	if err := c.sock.Send(zmq4.NewMsgString(doc)); err != nil {
		return "", errors.Wrap(err, "submitting task")
	}
	msg, err := c.sock.Recv()
	if err != nil {
		return "", errors.Wrap(err, "awaiting result")
	}
	return string(msg.Frames[len(msg.Frames)-1]), nil
}

// Close tells the QPU the session is over and releases the socket.
func (c *Client) Close() error {
	c.sock.Send(zmq4.NewMsgString(CloseSentinel))
	return c.sock.Close()
}
