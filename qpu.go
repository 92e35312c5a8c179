package cunqa

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/theapemachine/errnie"
)

/*
QPU is one simulated quantum device: a backend, the client-facing
server socket, and a FIFO message queue bridging the two worker
goroutines. The listen goroutine feeds the queue, the compute
goroutine drains it; they synchronise through one mutex and one
condition variable and nothing else.
*/
type QPU struct {
	cfg     *Config
	backend Backend
	server  *Server
	metrics *Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	closing bool

	lastTask *QuantumTask // owned by the compute goroutine
	wg       sync.WaitGroup
}

// NewQPU wires a QPU around an already-constructed backend and server.
func NewQPU(cfg *Config, backend Backend, server *Server) *QPU {
	q := &QPU{
		cfg:     cfg,
		backend: backend,
		server:  server,
		metrics: newMetrics(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

/*
TurnON registers the QPU in qpus.json, launches the listen and compute
goroutines and blocks until the QPU is turned off. The registry entry
goes out first so clients can only discover an endpoint that is
already being served.
*/
func (q *QPU) TurnON() error {
	entry := QPUEntry{
		Backend: map[string]any{"name": q.cfg.Simulator, "version": Version},
		Net: QPUNet{
			Mode:     q.cfg.Mode,
			Nodename: q.cfg.Nodename,
			Endpoint: q.server.Endpoint(),
		},
		Name:       q.cfg.Name,
		Family:     q.cfg.Family,
		SlurmJobID: q.cfg.JobID,
	}
	if err := WriteOnFile(&entry, q.cfg.QPUsPath(), q.cfg.Family); err != nil {
		return err
	}
	errnie.Info("QPU %s serving on %s", q.cfg.Name, q.server.Endpoint())

	q.wg.Add(2)
	go q.listen()
	go q.compute()
	q.wg.Wait()
	return nil
}

// TurnOFF stops both goroutines and logs the execution metrics.
func (q *QPU) TurnOFF() {
	q.mu.Lock()
	q.closing = true
	q.cond.Signal()
	q.mu.Unlock()

	q.server.Close()
	errnie.Info("QPU %s metrics: %v", q.cfg.Name, q.metrics.ExportMetrics())
}

// Metrics exposes the execution counters, mostly for tests.
func (q *QPU) Metrics() *Metrics { return q.metrics }

// Endpoint is the client-facing address, as published in qpus.json.
func (q *QPU) Endpoint() string { return q.server.Endpoint() }

/*
listen accepts client payloads forever. A CLOSE sentinel (client gone
or socket error) just re-enters the receive; anything else goes onto
the queue under the mutex, with the condition variable notified
exactly once per push.
*/
func (q *QPU) listen() {
	defer q.wg.Done()
	for {
		msg := q.server.RecvData()

		q.mu.Lock()
		if q.closing {
			q.mu.Unlock()
			return
		}
		if msg == CloseSentinel {
			q.mu.Unlock()
			continue
		}
		q.queue = append(q.queue, msg)
		q.cond.Signal()
		q.mu.Unlock()
	}
}

/*
compute waits on the queue predicate, drains one message at a time and
replies. The mutex is released while the backend runs so the listen
goroutine keeps accepting. A send failure means the submitter is gone;
the reply is dropped and the QPU moves on.
*/
func (q *QPU) compute() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closing {
			q.cond.Wait()
		}
		if q.closing && len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		msg := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		started := time.Now()
		result, ok := q.process(msg)
		q.metrics.RecordTask(time.Since(started), ok)

		if err := q.server.SendResult(result); err != nil {
			log.Printf("dropping reply, submitter gone: %v", err)
			q.metrics.RecordDroppedReply()
		}
	}
}

/*
process turns one client document into one reply document. Every
failure mode short of a registry-corruption panic becomes an
{"ERROR":...} reply so the submitter is never left blocked and no
routing id leaks.
*/
func (q *QPU) process(msg string) (string, bool) {
	task, err := ParseMessage(msg, q.lastTask)
	if err != nil {
		log.Printf("rejecting task: %v", err)
		if _, ok := err.(*ProtocolError); ok {
			log.Printf("offending document: %s", spew.Sdump(msg))
		}
		return errorReply(err), false
	}

	if task.HasCC {
		comms, err := ReadAll(q.cfg.CommsPath())
		if err != nil {
			log.Printf("cannot read communications registry: %v", err)
			return errorReply(err), false
		}
		if err := task.ResolvePeers(comms); err != nil {
			log.Printf("cannot resolve peers for task %s: %v", task.ID, err)
			return errorReply(err), false
		}
	}
	q.lastTask = task

	result, err := q.execute(task)
	if err != nil {
		log.Printf("backend failed on task %s: %v", task.ID, err)
		return errorReply(err), false
	}
	return result, true
}

// execute shields the serving loop from the backend: a panic out of
// the kernel (a circuit missing the operands a gate indexes, say) is
// converted into an ordinary error so the QPU outlives the task.
func (q *QPU) execute(task *QuantumTask) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("backend panic on task %s: %v", task.ID, r)
		}
	}()
	return q.backend.Execute(task)
}

// errorReply shapes any error into the wire's error document.
func errorReply(err error) string {
	reply, merr := json.Marshal(map[string]string{"ERROR": err.Error()})
	if merr != nil {
		return `{"ERROR":"internal error"}`
	}
	return string(reply)
}

// Version tags registry entries with the build generation.
const Version = "0.3.1"

/*
BuildQPU assembles a QPU from its configuration: kernel, channel (for
cc/qc communication types), backend and client socket. The channel is
published before the QPU starts serving so peers can already resolve
this process while its first task is in flight.
*/
func BuildQPU(ctx context.Context, cfg *Config) (*QPU, error) {
	server, err := NewServer(ctx, cfg.Mode)
	if err != nil {
		return nil, err
	}

	var backend Backend
	switch cfg.CommType {
	case "cc":
		kernel, err := NewKernel(cfg.Simulator)
		if err != nil {
			return nil, err
		}
		ch, err := NewClassicalChannel(ctx, "", cfg.Mode)
		if err != nil {
			return nil, err
		}
		ch.dialRetry, ch.dialPause = cfg.DialRetry, cfg.DialPause
		if err := ch.Publish(cfg.CommsPath(), cfg.Family); err != nil {
			return nil, err
		}
		backend = &CCBackend{Kernel: kernel, Channel: ch}
	case "qc":
		ch, err := NewClassicalChannel(ctx, "", cfg.Mode)
		if err != nil {
			return nil, err
		}
		ch.dialRetry, ch.dialPause = cfg.DialRetry, cfg.DialPause
		if err := ch.Publish(cfg.CommsPath(), cfg.Family); err != nil {
			return nil, err
		}
		backend = &QCBackend{Channel: ch, CommsPath: cfg.CommsPath(), Suffix: cfg.Family}
	default:
		kernel, err := NewKernel(cfg.Simulator)
		if err != nil {
			return nil, err
		}
		backend = &SimpleBackend{Kernel: kernel}
	}

	return NewQPU(cfg, backend, server), nil
}
