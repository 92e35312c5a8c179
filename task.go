package cunqa

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ProtocolError covers malformed tasks, arity mismatches and unknown
// peers: anything the QPU answers with an {"ERROR":...} document
// instead of tearing anything down.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return e.Reason }

func protocolErrf(format string, args ...any) error {
	return &ProtocolError{Reason: errors.Errorf(format, args...).Error()}
}

// Instruction is one gate, measurement or peer operation of a circuit.
type Instruction struct {
	Name   string    `json:"name"`
	Qubits []int     `json:"qubits"`
	Params []float64 `json:"params,omitempty"`
	Clbits []int     `json:"clbits,omitempty"`
	Memory []int     `json:"memory,omitempty"`
	QPUs   []string  `json:"qpus,omitempty"`
}

// TaskConfig is the opaque configuration forwarded to the backend.
// The fields the substrate itself looks at are typed; everything else
// rides along in Extra.
type TaskConfig struct {
	Shots                int    `json:"shots"`
	Method               string `json:"method"`
	NumClbits            int    `json:"num_clbits"`
	ParallelShots        int    `json:"parallel_shots,omitempty"`
	AvoidParallelization bool   `json:"avoid_parallelization"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (tc *TaskConfig) UnmarshalJSON(data []byte) error {
	type alias TaskConfig
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*tc = TaskConfig(a)
	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{"shots", "method", "num_clbits", "parallel_shots", "avoid_parallelization"} {
		delete(all, known)
	}
	if len(all) > 0 {
		tc.Extra = all
	}
	return nil
}

// QuantumTask is the unit of submission.
type QuantumTask struct {
	ID           string        `json:"id"`
	Config       TaskConfig    `json:"config"`
	Instructions []Instruction `json:"instructions"`
	SendingTo    []string      `json:"sending_to"`
	IsDynamic    bool          `json:"is_dynamic"`
	HasCC        bool          `json:"has_cc"`
}

func (t *QuantumTask) UnmarshalJSON(data []byte) error {
	type alias QuantumTask
	var a struct {
		alias
		Circuit []Instruction `json:"circuit"`
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = QuantumTask(a.alias)
	if t.Instructions == nil {
		t.Instructions = a.Circuit
	}
	return nil
}

// Marshal serialises the task back to its wire form. Unknown config
// keys held in Config.Extra are not written out.
func (t *QuantumTask) Marshal() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", errors.Wrap(err, "encoding task")
	}
	return string(data), nil
}

// Clone deep-copies the task so a rebind never aliases the original.
func (t *QuantumTask) Clone() *QuantumTask {
	dup := *t
	dup.Instructions = make([]Instruction, len(t.Instructions))
	for i, inst := range t.Instructions {
		ci := inst
		ci.Qubits = append([]int(nil), inst.Qubits...)
		ci.Params = append([]float64(nil), inst.Params...)
		ci.Clbits = append([]int(nil), inst.Clbits...)
		ci.Memory = append([]int(nil), inst.Memory...)
		ci.QPUs = append([]string(nil), inst.QPUs...)
		dup.Instructions[i] = ci
	}
	dup.SendingTo = append([]string(nil), t.SendingTo...)
	return &dup
}

/*
ParseMessage turns one inbound client document into an executable
task. A document carrying only "params" rebinds the gate parameters of
the last-received circuit instead of describing a new one.
*/
func ParseMessage(data string, last *QuantumTask) (*QuantumTask, error) {
	var probe struct {
		ID     *string   `json:"id"`
		Params []float64 `json:"params"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return nil, protocolErrf("malformed task document: %v", err)
	}

	if probe.ID == nil {
		if probe.Params == nil {
			return nil, protocolErrf("document is neither a task nor a params update")
		}
		if last == nil {
			return nil, protocolErrf("params update before any circuit")
		}
		return RebindParams(last, probe.Params)
	}

	var task QuantumTask
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, protocolErrf("malformed task document: %v", err)
	}
	return &task, nil
}

// paramArity is how many floats each parametric gate consumes.
func paramArity(name string) int {
	switch name {
	case "rx", "ry", "rz":
		return 1
	case "r":
		return 2
	case "u", "cu":
		return 3
	default:
		return 0
	}
}

/*
RebindParams replaces gate parameters positionally over the circuit.
The params vector must match the summed arities exactly; anything else
fails the task.
*/
func RebindParams(last *QuantumTask, params []float64) (*QuantumTask, error) {
	need := 0
	for _, inst := range last.Instructions {
		need += paramArity(inst.Name)
	}
	if need != len(params) {
		return nil, protocolErrf("circuit wants %d parameters, got %d", need, len(params))
	}

	task := last.Clone()
	next := 0
	for i := range task.Instructions {
		arity := paramArity(task.Instructions[i].Name)
		if arity == 0 {
			continue
		}
		task.Instructions[i].Params = append([]float64(nil), params[next:next+arity]...)
		next += arity
	}
	return task, nil
}

/*
ResolvePeers rewrites logical peer identifiers into concrete endpoints
using a communications.json snapshot. Instructions routing to peers
get the peer's executor endpoint when one is registered (the delegated
variant) and its channel endpoint otherwise; sending_to always gets
the channel endpoint. The rewrite happens exactly once, on ingress,
before any backend sees the task.
*/
func (t *QuantumTask) ResolvePeers(comms map[string]json.RawMessage) error {
	entries := make(map[string]CommEntry, len(comms))
	for key, raw := range comms {
		var entry CommEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return protocolErrf("corrupt communications entry %q: %v", key, err)
		}
		entries[key] = entry
	}

	for i := range t.Instructions {
		for j, logical := range t.Instructions[i].QPUs {
			entry, err := lookupPeer(entries, logical)
			if err != nil {
				return err
			}
			if entry.ExecutorEndpoint != "" {
				t.Instructions[i].QPUs[j] = entry.ExecutorEndpoint
			} else {
				t.Instructions[i].QPUs[j] = entry.CommunicationsEndpoint
			}
		}
	}
	for i, logical := range t.SendingTo {
		entry, err := lookupPeer(entries, logical)
		if err != nil {
			return err
		}
		t.SendingTo[i] = entry.CommunicationsEndpoint
	}
	return nil
}

// lookupPeer resolves a logical id against the registry snapshot: an id
// equal to an endpoint registered there resolves to that entry, then an
// exact key match, then a unique "<job>_<pid>_<id>" suffix match. An
// endpoint that no entry registers is an unknown peer like any other id.
func lookupPeer(entries map[string]CommEntry, logical string) (CommEntry, error) {
	for _, entry := range entries {
		if entry.CommunicationsEndpoint == logical || entry.ExecutorEndpoint == logical {
			return entry, nil
		}
	}
	if entry, ok := entries[logical]; ok {
		return entry, nil
	}

	var found *CommEntry
	for key := range entries {
		if hasKeySuffix(key, logical) {
			if found != nil {
				return CommEntry{}, protocolErrf("ambiguous peer id %q", logical)
			}
			entry := entries[key]
			found = &entry
		}
	}
	if found == nil {
		return CommEntry{}, protocolErrf("unknown peer id %q", logical)
	}
	return *found, nil
}

func hasKeySuffix(key, suffix string) bool {
	return len(key) > len(suffix)+1 &&
		key[len(key)-len(suffix):] == suffix &&
		key[len(key)-len(suffix)-1] == '_'
}
