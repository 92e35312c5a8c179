package cunqa

import (
	"context"
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func kernelCounts(raw string) map[string]int {
	var result struct {
		Results []struct {
			Data struct {
				Counts map[string]int `json:"counts"`
			} `json:"data"`
		} `json:"results"`
	}
	So(json.Unmarshal([]byte(raw), &result), ShouldBeNil)
	So(result.Results, ShouldHaveLength, 1)
	return result.Results[0].Data.Counts
}

func TestStatevectorBell(t *testing.T) {
	Convey("Given a Bell circuit", t, func() {
		task, err := ParseMessage(bellDoc, nil)
		So(err, ShouldBeNil)

		Convey("When simulated for 1000 shots", func() {
			raw, err := NewStatevector(7).Run(task, nil)
			So(err, ShouldBeNil)
			counts := kernelCounts(raw)

			Convey("Only the correlated outcomes appear, roughly balanced", func() {
				So(counts, ShouldHaveLength, 2)
				So(counts["0x0"]+counts["0x3"], ShouldEqual, 1000)
				// 3 sigma around an even split
				So(counts["0x0"], ShouldBeBetween, 452, 548)
				So(counts["0x3"], ShouldBeBetween, 452, 548)
			})
		})
	})
}

func TestStatevectorGates(t *testing.T) {
	run := func(doc string) map[string]int {
		task, err := ParseMessage(doc, nil)
		So(err, ShouldBeNil)
		raw, err := NewStatevector(3).Run(task, nil)
		So(err, ShouldBeNil)
		return kernelCounts(raw)
	}

	Convey("Given deterministic circuits", t, func() {
		Convey("x flips the qubit", func() {
			counts := run(`{"id":"g1","config":{"shots":10,"num_clbits":1},` +
				`"instructions":[{"name":"x","qubits":[0]},{"name":"measure","qubits":[0],"memory":[0]}]}`)
			So(counts, ShouldResemble, map[string]int{"0x1": 10})
		})

		Convey("rx(pi) flips the qubit", func() {
			counts := run(`{"id":"g2","config":{"shots":10,"num_clbits":1},` +
				`"instructions":[{"name":"rx","qubits":[0],"params":[3.14159265358979]},` +
				`{"name":"measure","qubits":[0],"memory":[0]}]}`)
			So(counts, ShouldResemble, map[string]int{"0x1": 10})
		})

		Convey("A conditioned gate only fires when its classical bit is set", func() {
			counts := run(`{"id":"g3","config":{"shots":10,"num_clbits":2},` +
				`"instructions":[{"name":"x","qubits":[0]},{"name":"measure","qubits":[0],"memory":[0]},` +
				`{"name":"c_if_x","qubits":[1],"clbits":[0]},{"name":"measure","qubits":[1],"memory":[1]}]}`)
			So(counts, ShouldResemble, map[string]int{"0x3": 10})
		})

		Convey("ecr on |00>: the first qubit always reads 1, the second takes both values", func() {
			counts := run(`{"id":"g5","config":{"shots":40,"num_clbits":2},` +
				`"instructions":[{"name":"ecr","qubits":[0,1]},` +
				`{"name":"measure","qubits":[0],"memory":[0]},{"name":"measure","qubits":[1],"memory":[1]}]}`)
			So(counts["0x1"]+counts["0x3"], ShouldEqual, 40)
			So(counts["0x1"], ShouldBeGreaterThan, 0)
			So(counts["0x3"], ShouldBeGreaterThan, 0)
			So(counts, ShouldNotContainKey, "0x0")
			So(counts, ShouldNotContainKey, "0x2")
		})

		Convey("An unknown gate fails the run", func() {
			task, err := ParseMessage(`{"id":"g4","config":{"shots":1},"instructions":[{"name":"frobnicate","qubits":[0]}]}`, nil)
			So(err, ShouldBeNil)
			_, err = NewStatevector(3).Run(task, nil)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestStatevectorParallelShots(t *testing.T) {
	Convey("Given a static task asking for parallel shots", t, func() {
		doc := `{"id":"p1","config":{"shots":1000,"num_clbits":1,"parallel_shots":4},` +
			`"instructions":[{"name":"h","qubits":[0]},{"name":"measure","qubits":[0],"memory":[0]}]}`
		task, err := ParseMessage(doc, nil)
		So(err, ShouldBeNil)

		Convey("The merged histogram still accounts for every shot", func() {
			raw, err := NewStatevector(11).Run(task, nil)
			So(err, ShouldBeNil)
			counts := kernelCounts(raw)
			total := 0
			for _, n := range counts {
				total += n
			}
			So(total, ShouldEqual, 1000)
			So(counts["0x0"], ShouldBeBetween, 400, 600)
		})
	})
}

func TestStatevectorPeerExchange(t *testing.T) {
	Convey("Given two channels and a lockstep dynamic pair", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		chA, err := NewClassicalChannel(ctx, "", ModeHPC)
		So(err, ShouldBeNil)
		defer chA.Close()
		chB, err := NewClassicalChannel(ctx, "", ModeHPC)
		So(err, ShouldBeNil)
		defer chB.Close()

		sender := &QuantumTask{
			ID:        "send",
			Config:    TaskConfig{Shots: 3, NumClbits: 1},
			IsDynamic: true,
			Instructions: []Instruction{
				{Name: "x", Qubits: []int{0}},
				{Name: "measure_and_send", Qubits: []int{0}, Memory: []int{0}, QPUs: []string{chB.Endpoint()}},
			},
		}
		receiver := &QuantumTask{
			ID:        "recv",
			Config:    TaskConfig{Shots: 3, NumClbits: 1},
			IsDynamic: true,
			Instructions: []Instruction{
				{Name: "recv", Qubits: []int{0}, Clbits: []int{0}, QPUs: []string{chA.Endpoint()}},
				{Name: "c_if_x", Qubits: []int{0}, Clbits: []int{0}},
				{Name: "measure", Qubits: []int{0}, Memory: []int{0}},
			},
		}

		Convey("When both sides run their shots", func() {
			errc := make(chan error, 1)
			go func() {
				_, err := NewStatevector(1).Run(sender, chA)
				errc <- err
			}()

			raw, err := NewStatevector(2).Run(receiver, chB)
			So(err, ShouldBeNil)
			So(<-errc, ShouldBeNil)

			Convey("Every received bit steered the conditioned gate", func() {
				So(kernelCounts(raw), ShouldResemble, map[string]int{"0x1": 3})
			})
		})
	})
}
