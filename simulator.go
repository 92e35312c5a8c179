package cunqa

import (
	"encoding/json"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

/*
Kernel is the numerical backend seam. The substrate treats it as
opaque: hand it a task, get a result document back. Dynamic circuits
additionally get the classical channel so mid-circuit measurements can
cross QPU boundaries while the simulation runs.
*/
type Kernel interface {
	Run(task *QuantumTask, ch *ClassicalChannel) (string, error)
}

// NewKernel selects a kernel by simulator name. An unrecognised name
// is a configuration error and fatal at process start.
func NewKernel(name string) (Kernel, error) {
	switch name {
	case "statevector", "aer":
		return NewStatevector(time.Now().UnixNano()), nil
	default:
		return nil, errors.Errorf("unrecognised simulator %q", name)
	}
}

// Statevector simulates circuits on a dense amplitude vector.
type Statevector struct {
	seed int64
}

func NewStatevector(seed int64) *Statevector {
	return &Statevector{seed: seed}
}

const defaultShots = 1024

/*
Run executes the task shot by shot and returns the result document
with hex-keyed counts. Static circuits may fan the shot loop across a
bounded worker pool when the task asks for it; dynamic circuits run
serially because each shot converses with peers in lockstep.
*/
func (sv *Statevector) Run(task *QuantumTask, ch *ClassicalChannel) (string, error) {
	nQubits, nClbits := circuitWidth(task)
	shots := task.Config.Shots
	if shots <= 0 {
		shots = defaultShots
	}

	started := time.Now()
	var counts map[string]int
	var err error

	workers := task.Config.ParallelShots
	if ch == nil && !task.Config.AvoidParallelization && workers > 1 {
		counts, err = sv.runParallel(task, nQubits, nClbits, shots, workers)
	} else {
		counts, err = sv.runShots(task, ch, nQubits, nClbits, shots, rand.New(rand.NewSource(sv.seed)))
	}
	if err != nil {
		return "", err
	}

	result := map[string]any{
		"results": []any{
			map[string]any{
				"data":    map[string]any{"counts": counts},
				"shots":   shots,
				"success": true,
			},
		},
		"success":    true,
		"time_taken": time.Since(started).Seconds(),
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", errors.Wrap(err, "encoding result")
	}
	return string(data), nil
}

// runParallel splits the shot loop across a bounded worker pool and
// merges the per-worker histograms.
func (sv *Statevector) runParallel(task *QuantumTask, nQubits, nClbits, shots, workers int) (map[string]int, error) {
	if workers > shots {
		workers = shots
	}

	type partial struct {
		counts map[string]int
		err    error
	}
	results := make(chan partial, workers)
	var wg sync.WaitGroup

	per := shots / workers
	extra := shots % workers
	for w := 0; w < workers; w++ {
		n := per
		if w < extra {
			n++
		}
		wg.Add(1)
		go func(w, n int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(sv.seed + int64(w)))
			counts, err := sv.runShots(task, nil, nQubits, nClbits, n, rng)
			results <- partial{counts: counts, err: err}
		}(w, n)
	}
	wg.Wait()
	close(results)

	merged := map[string]int{}
	for p := range results {
		if p.err != nil {
			return nil, p.err
		}
		for key, n := range p.counts {
			merged[key] += n
		}
	}
	return merged, nil
}

func (sv *Statevector) runShots(task *QuantumTask, ch *ClassicalChannel, nQubits, nClbits, shots int, rng *rand.Rand) (map[string]int, error) {
	counts := make(map[string]int)
	for shot := 0; shot < shots; shot++ {
		creg, err := sv.runOnce(task, ch, nQubits, nClbits, rng)
		if err != nil {
			return nil, err
		}
		value := 0
		for i, bit := range creg {
			value |= bit << i
		}
		counts[fmt.Sprintf("0x%x", value)]++
	}
	return counts, nil
}

// runOnce plays one shot and returns the classical register.
func (sv *Statevector) runOnce(task *QuantumTask, ch *ClassicalChannel, nQubits, nClbits int, rng *rand.Rand) ([]int, error) {
	state := newState(nQubits)
	creg := make([]int, nClbits)

	for _, inst := range task.Instructions {
		if err := sv.applyInstruction(state, creg, inst, ch, rng); err != nil {
			return nil, err
		}
	}
	return creg, nil
}

func (sv *Statevector) applyInstruction(state []complex128, creg []int, inst Instruction, ch *ClassicalChannel, rng *rand.Rand) error {
	switch inst.Name {
	case "measure":
		bit := measure(state, inst.Qubits[0], rng)
		storeBit(creg, inst, bit)
		return nil

	case "measure_and_send":
		// Measure locally, push the outcome to every peer routed by
		// the instruction. The targets are concrete endpoints after
		// ingress rewrite.
		bit := measure(state, inst.Qubits[0], rng)
		if len(inst.Memory) > 0 || len(inst.Clbits) > 0 {
			storeBit(creg, inst, bit)
		}
		if ch == nil {
			return errors.New("measure_and_send outside a dynamic execution")
		}
		for _, target := range inst.QPUs {
			if err := ch.Connect(target, "", true); err != nil {
				return err
			}
			if err := ch.SendMeasure(bit, target); err != nil {
				return err
			}
		}
		return nil

	case "recv":
		if ch == nil {
			return errors.New("recv outside a dynamic execution")
		}
		bit, err := ch.RecvMeasure(inst.QPUs[0])
		if err != nil {
			return err
		}
		storeBit(creg, inst, bit)
		return nil
	}

	if base, ok := conditionalGate(inst.Name); ok {
		idx := conditionBit(inst)
		if idx < 0 || idx >= len(creg) || creg[idx] == 0 {
			return nil
		}
		cond := inst
		cond.Name = base
		return sv.applyInstruction(state, creg, cond, ch, rng)
	}

	return applyGate(state, inst)
}

// conditionalGate unwraps the c_if_ prefix of classically conditioned
// gates.
func conditionalGate(name string) (string, bool) {
	const prefix = "c_if_"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):], true
	}
	return "", false
}

func conditionBit(inst Instruction) int {
	if len(inst.Clbits) > 0 {
		return inst.Clbits[0]
	}
	if len(inst.Memory) > 0 {
		return inst.Memory[0]
	}
	return -1
}

func storeBit(creg []int, inst Instruction, bit int) {
	if len(inst.Memory) > 0 {
		creg[inst.Memory[0]] = bit
	} else if len(inst.Clbits) > 0 {
		creg[inst.Clbits[0]] = bit
	}
}

// circuitWidth derives register sizes from the task, preferring the
// declared num_clbits over what the circuit touches.
func circuitWidth(task *QuantumTask) (nQubits, nClbits int) {
	for _, inst := range task.Instructions {
		for _, q := range inst.Qubits {
			if q+1 > nQubits {
				nQubits = q + 1
			}
		}
		for _, c := range inst.Clbits {
			if c+1 > nClbits {
				nClbits = c + 1
			}
		}
		for _, c := range inst.Memory {
			if c+1 > nClbits {
				nClbits = c + 1
			}
		}
	}
	if nQubits == 0 {
		nQubits = 1
	}
	if task.Config.NumClbits > 0 {
		nClbits = task.Config.NumClbits
	}
	if nClbits == 0 {
		nClbits = nQubits
	}
	return nQubits, nClbits
}

// newState prepares |0...0>.
func newState(nQubits int) []complex128 {
	state := make([]complex128, 1<<uint(nQubits))
	state[0] = 1
	return state
}

/*
measure samples one qubit from the amplitude vector, collapses the
state onto the outcome and renormalises. The probability of each
outcome is the squared modulus summed over the matching basis states.
*/
func measure(state []complex128, qubit int, rng *rand.Rand) int {
	mask := 1 << uint(qubit)
	p1 := 0.0
	for idx, amp := range state {
		if idx&mask != 0 {
			m := cmplx.Abs(amp)
			p1 += m * m
		}
	}

	bit := 0
	if rng.Float64() < p1 {
		bit = 1
	}

	keep := 0
	if bit == 1 {
		keep = mask
	}
	norm := 0.0
	for idx := range state {
		if idx&mask != keep {
			state[idx] = 0
		} else {
			m := cmplx.Abs(state[idx])
			norm += m * m
		}
	}
	scale := complex(1/math.Sqrt(norm), 0)
	for idx := range state {
		state[idx] *= scale
	}
	return bit
}

func applyGate(state []complex128, inst Instruction) error {
	name := inst.Name
	q := inst.Qubits
	p := inst.Params

	switch name {
	case "id", "barrier":
		return nil
	case "h", "x", "y", "z", "s", "sdg", "t", "tdg", "sx":
		apply1(state, q[0], gateMatrix(name))
		return nil
	case "rx":
		apply1(state, q[0], rxMatrix(p[0]))
		return nil
	case "ry":
		apply1(state, q[0], ryMatrix(p[0]))
		return nil
	case "rz":
		apply1(state, q[0], rzMatrix(p[0]))
		return nil
	case "r":
		apply1(state, q[0], rMatrix(p[0], p[1]))
		return nil
	case "u":
		apply1(state, q[0], uMatrix(p[0], p[1], p[2]))
		return nil
	case "cx":
		applyControlled(state, q[0], q[1], gateMatrix("x"))
		return nil
	case "cy":
		applyControlled(state, q[0], q[1], gateMatrix("y"))
		return nil
	case "cz":
		applyControlled(state, q[0], q[1], gateMatrix("z"))
		return nil
	case "cu":
		applyControlled(state, q[0], q[1], uMatrix(p[0], p[1], p[2]))
		return nil
	case "swap":
		applyControlled(state, q[0], q[1], gateMatrix("x"))
		applyControlled(state, q[1], q[0], gateMatrix("x"))
		applyControlled(state, q[0], q[1], gateMatrix("x"))
		return nil
	case "ecr":
		apply2(state, q[0], q[1], ecrMatrix())
		return nil
	default:
		return errors.Errorf("unknown gate %q", name)
	}
}

// apply1 multiplies a single-qubit matrix into the state vector.
func apply1(state []complex128, qubit int, m [2][2]complex128) {
	mask := 1 << uint(qubit)
	for idx := range state {
		if idx&mask != 0 {
			continue
		}
		a0 := state[idx]
		a1 := state[idx|mask]
		state[idx] = m[0][0]*a0 + m[0][1]*a1
		state[idx|mask] = m[1][0]*a0 + m[1][1]*a1
	}
}

// applyControlled multiplies the matrix into the target amplitudes of
// basis states where the control bit is set.
func applyControlled(state []complex128, control, target int, m [2][2]complex128) {
	cmask := 1 << uint(control)
	tmask := 1 << uint(target)
	for idx := range state {
		if idx&cmask == 0 || idx&tmask != 0 {
			continue
		}
		a0 := state[idx]
		a1 := state[idx|tmask]
		state[idx] = m[0][0]*a0 + m[0][1]*a1
		state[idx|tmask] = m[1][0]*a0 + m[1][1]*a1
	}
}

/*
apply2 multiplies a full two-qubit matrix into the state vector. The
matrix is ordered little-endian over (q0, q1): sub-index bit 0 is q0,
bit 1 is q1.
*/
func apply2(state []complex128, q0, q1 int, m [4][4]complex128) {
	m0 := 1 << uint(q0)
	m1 := 1 << uint(q1)
	for idx := range state {
		if idx&m0 != 0 || idx&m1 != 0 {
			continue
		}
		group := [4]int{idx, idx | m0, idx | m1, idx | m0 | m1}
		var a [4]complex128
		for i, g := range group {
			a[i] = state[g]
		}
		for r, g := range group {
			v := complex(0, 0)
			for col := 0; col < 4; col++ {
				v += m[r][col] * a[col]
			}
			state[g] = v
		}
	}
}

var invSqrt2 = complex(1/math.Sqrt2, 0)

func gateMatrix(name string) [2][2]complex128 {
	switch name {
	case "h":
		return [2][2]complex128{{invSqrt2, invSqrt2}, {invSqrt2, -invSqrt2}}
	case "x":
		return [2][2]complex128{{0, 1}, {1, 0}}
	case "y":
		return [2][2]complex128{{0, -1i}, {1i, 0}}
	case "z":
		return [2][2]complex128{{1, 0}, {0, -1}}
	case "s":
		return [2][2]complex128{{1, 0}, {0, 1i}}
	case "sdg":
		return [2][2]complex128{{1, 0}, {0, -1i}}
	case "t":
		return [2][2]complex128{{1, 0}, {0, cmplx.Exp(complex(0, math.Pi/4))}}
	case "tdg":
		return [2][2]complex128{{1, 0}, {0, cmplx.Exp(complex(0, -math.Pi/4))}}
	case "sx":
		return [2][2]complex128{
			{complex(0.5, 0.5), complex(0.5, -0.5)},
			{complex(0.5, -0.5), complex(0.5, 0.5)},
		}
	}
	panic("unreachable gate " + name)
}

// ecrMatrix is the echoed cross-resonance gate, the maximally
// entangling two-qubit primitive of fixed-frequency hardware.
func ecrMatrix() [4][4]complex128 {
	return [4][4]complex128{
		{0, invSqrt2, 0, invSqrt2 * 1i},
		{invSqrt2, 0, invSqrt2 * -1i, 0},
		{0, invSqrt2 * 1i, 0, invSqrt2},
		{invSqrt2 * -1i, 0, invSqrt2, 0},
	}
}

func rxMatrix(theta float64) [2][2]complex128 {
	c := complex(math.Cos(theta/2), 0)
	s := complex(0, -math.Sin(theta/2))
	return [2][2]complex128{{c, s}, {s, c}}
}

func ryMatrix(theta float64) [2][2]complex128 {
	c := complex(math.Cos(theta/2), 0)
	s := complex(math.Sin(theta/2), 0)
	return [2][2]complex128{{c, -s}, {s, c}}
}

func rzMatrix(theta float64) [2][2]complex128 {
	return [2][2]complex128{
		{cmplx.Exp(complex(0, -theta/2)), 0},
		{0, cmplx.Exp(complex(0, theta/2))},
	}
}

// rMatrix rotates by theta around the cos(phi)X+sin(phi)Y axis.
func rMatrix(theta, phi float64) [2][2]complex128 {
	c := complex(math.Cos(theta/2), 0)
	s := math.Sin(theta / 2)
	return [2][2]complex128{
		{c, complex(0, -s) * cmplx.Exp(complex(0, -phi))},
		{complex(0, -s) * cmplx.Exp(complex(0, phi)), c},
	}
}

func uMatrix(theta, phi, lambda float64) [2][2]complex128 {
	c := complex(math.Cos(theta/2), 0)
	s := complex(math.Sin(theta/2), 0)
	return [2][2]complex128{
		{c, -s * cmplx.Exp(complex(0, lambda))},
		{s * cmplx.Exp(complex(0, phi)), c * cmplx.Exp(complex(0, phi+lambda))},
	}
}
