package cunqa

import (
	"context"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

// CloseSentinel is what RecvData hands the listen loop when the client
// session is gone, either because the peer said so or because the
// socket errored. The loop treats it as a re-accept signal.
const CloseSentinel = "CLOSE"

/*
Server is the client-facing side of a QPU: one router socket bound at
construction, receiving task documents from any number of submitters
and answering each with exactly one result document. Every inbound
message carries an opaque routing id; replies go out against the
oldest un-replied id, which preserves per-client ordering because the
compute side is single-threaded.
*/
type Server struct {
	sock     zmq4.Socket
	endpoint string

	mu      sync.Mutex
	pending [][]byte // routing ids awaiting a reply, oldest first
	closing bool
}

/*
NewServer binds the client socket. Mode ModeHPC binds to loopback with
a kernel-assigned port; anything else binds to the best local IPv4.
The actual endpoint is read back for publishing into qpus.json.
*/
func NewServer(ctx context.Context, mode string) (*Server, error) {
	host := "127.0.0.1"
	if mode != ModeHPC {
		ip, err := BestLocalIPv4()
		if err != nil {
			return nil, errors.Wrap(err, "selecting bind address")
		}
		host = ip
	}

	sock := zmq4.NewRouter(ctx)
	if err := sock.Listen("tcp://" + host + ":0"); err != nil {
		return nil, errors.Wrapf(err, "binding client socket on %s", host)
	}
	return &Server{
		sock:     sock,
		endpoint: "tcp://" + sock.Addr().String(),
	}, nil
}

// Endpoint is the bound address, as published in the registry.
func (s *Server) Endpoint() string { return s.endpoint }

/*
RecvData blocks for the next client payload. A socket error or a
literal CLOSE from the client both come back as the CLOSE sentinel;
only real payloads enqueue a routing id.
*/
func (s *Server) RecvData() string {
	msg, err := s.sock.Recv()
	if err != nil {
		if !s.isClosing() {
			log.Printf("client socket recv failed: %v", err)
		}
		return CloseSentinel
	}
	if len(msg.Frames) < 2 {
		log.Printf("client socket dropped short message (%d frames)", len(msg.Frames))
		return CloseSentinel
	}

	id := msg.Frames[0]
	payload := string(msg.Frames[len(msg.Frames)-1])
	if payload == CloseSentinel {
		return CloseSentinel
	}

	s.mu.Lock()
	s.pending = append(s.pending, id)
	s.mu.Unlock()
	return payload
}

/*
SendResult replies to the oldest un-replied routing id. A send failure
means the submitter is gone; the caller decides whether to drop the
reply or escalate.
*/
func (s *Server) SendResult(result string) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return errors.New("no pending routing id to reply to")
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	if err := s.sock.Send(zmq4.NewMsgFrom(id, []byte(result))); err != nil {
		return errors.Wrap(err, "sending result")
	}
	return nil
}

// Close tears the socket down; a blocked RecvData returns CLOSE.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	return s.sock.Close()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
