package cunqa

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/theapemachine/errnie"
)

/*
Executor fronts a group of QPUs whose kernel cannot itself talk to
peers. It collects one circuit from every registered peer, runs the
group jointly through the numerical kernel, and broadcasts the
serialised result back to every contributor. A straggler peer blocks
the round: the aggregated simulation needs all participants, so the
fan-in is deliberately blocking and walks peers in a fixed order.
*/
type Executor struct {
	cfg    *Config
	ch     *ClassicalChannel
	kernel Kernel
	peers  []string // peer channel endpoints, in sorted registry-key order
}

/*
NewExecutor builds the channel with identity "executor", discovers the
group in communications.json (keys matching this job, or ending in the
group suffix), registers its own endpoint inside each matching entry,
connects to every peer and announces itself so each QPU can later
address it as "executor".
*/
func NewExecutor(ctx context.Context, cfg *Config) (*Executor, error) {
	kernel, err := NewKernel(cfg.Simulator)
	if err != nil {
		return nil, err
	}
	ch, err := NewClassicalChannel(ctx, "executor", cfg.Mode)
	if err != nil {
		return nil, err
	}

	e := &Executor{cfg: cfg, ch: ch, kernel: kernel}
	if err := e.discover(); err != nil {
		ch.Close()
		return nil, err
	}
	return e, nil
}

func (e *Executor) discover() error {
	comms, err := ReadAll(e.cfg.CommsPath())
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(comms))
	for key := range comms {
		if e.inGroup(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return errors.Errorf("no peers registered for job %s group %q", e.cfg.JobID, e.cfg.Group)
	}

	for _, key := range keys {
		var entry CommEntry
		if err := json.Unmarshal(comms[key], &entry); err != nil {
			return errors.Wrapf(err, "corrupt communications entry %q", key)
		}
		if err := SetExecutorEndpoint(e.cfg.CommsPath(), key, e.ch.Endpoint()); err != nil {
			return err
		}
		// Force-endpoint connect: the QPU's channel will see this
		// executor under its address, then re-key it as "executor".
		if err := e.ch.Connect(entry.CommunicationsEndpoint, "", true); err != nil {
			return err
		}
		if err := e.ch.SendInfo(e.ch.Endpoint(), entry.CommunicationsEndpoint); err != nil {
			return err
		}
		e.peers = append(e.peers, entry.CommunicationsEndpoint)
	}

	errnie.Info("executor %s fronting %d peers", e.ch.Endpoint(), len(e.peers))
	return nil
}

func (e *Executor) inGroup(key string) bool {
	if e.cfg.Group != "" {
		return strings.HasSuffix(key, "_"+e.cfg.Group)
	}
	return strings.HasPrefix(key, e.cfg.JobID+"_")
}

// Peers lists the group's channel endpoints.
func (e *Executor) Peers() []string { return e.peers }

// Run loops rounds forever; it only returns on a channel error.
func (e *Executor) Run() error {
	for {
		if err := e.RunRound(); err != nil {
			return err
		}
	}
}

/*
RunRound performs one fan-in / execute / fan-out cycle: block on every
peer in order, aggregate whatever non-empty circuits arrived, run the
joint computation once, and send the same result document to every
peer that contributed this round.
*/
func (e *Executor) RunRound() error {
	var working []string
	var tasks []*QuantumTask

	for _, peer := range e.peers {
		payload, err := e.ch.RecvInfo(peer)
		if err != nil {
			return err
		}
		if payload == "" {
			continue
		}
		var task QuantumTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			// A malformed circuit costs only its sender an error document.
			reply := errorReply(protocolErrf("malformed circuit from %q: %v", peer, err))
			if err := e.ch.SendInfo(reply, peer); err != nil {
				return err
			}
			continue
		}
		working = append(working, peer)
		tasks = append(tasks, &task)
	}
	if len(tasks) == 0 {
		return nil
	}

	result, err := e.runAggregate(tasks)
	if err != nil {
		result = errorReply(err)
	}

	for _, peer := range working {
		if err := e.ch.SendInfo(result, peer); err != nil {
			return err
		}
	}
	return nil
}

/*
runAggregate merges the round's circuits into one computation over a
joint register: task i's qubits and classical bits are offset past
everything collected before it. The combined circuit runs once through
the kernel, with the channel available to it, and the adapted result
is what every contributor receives.
*/
func (e *Executor) runAggregate(tasks []*QuantumTask) (result string, err error) {
	// A malformed circuit must cost its round an error document, not
	// the executor process.
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("aggregate kernel panic: %v", r)
		}
	}()

	joint := &QuantumTask{
		ID:     tasks[0].ID,
		Config: tasks[0].Config,
	}

	qubitOff, clbitOff := 0, 0
	for _, task := range tasks {
		nQubits, nClbits := circuitWidth(task)
		for _, inst := range task.Clone().Instructions {
			for i := range inst.Qubits {
				inst.Qubits[i] += qubitOff
			}
			for i := range inst.Clbits {
				inst.Clbits[i] += clbitOff
			}
			for i := range inst.Memory {
				inst.Memory[i] += clbitOff
			}
			joint.Instructions = append(joint.Instructions, inst)
		}
		qubitOff += nQubits
		clbitOff += nClbits
	}
	joint.Config.NumClbits = clbitOff

	raw, err := e.kernel.Run(joint, e.ch)
	if err != nil {
		return "", err
	}
	return adaptResult(raw, clbitOff)
}

// Close releases the channel.
func (e *Executor) Close() error { return e.ch.Close() }
