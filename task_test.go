package cunqa

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

const bellDoc = `{"id":"t1","config":{"shots":1000,"method":"statevector","num_clbits":2,"avoid_parallelization":false},` +
	`"instructions":[{"name":"h","qubits":[0]},{"name":"cx","qubits":[0,1]},` +
	`{"name":"measure","qubits":[0],"memory":[0]},{"name":"measure","qubits":[1],"memory":[1]}],` +
	`"sending_to":[],"is_dynamic":false,"has_cc":false}`

func TestParseMessage(t *testing.T) {
	Convey("Given a full task document", t, func() {
		task, err := ParseMessage(bellDoc, nil)

		Convey("All fields land", func() {
			So(err, ShouldBeNil)
			So(task.ID, ShouldEqual, "t1")
			So(task.Config.Shots, ShouldEqual, 1000)
			So(task.Config.NumClbits, ShouldEqual, 2)
			So(task.Instructions, ShouldHaveLength, 4)
			So(task.Instructions[1].Name, ShouldEqual, "cx")
		})

		Convey("Unknown config keys ride along opaquely", func() {
			withExtra, err := ParseMessage(`{"id":"t2","config":{"shots":1,"seed_simulator":99},"instructions":[]}`, nil)
			So(err, ShouldBeNil)
			So(withExtra.Config.Extra, ShouldContainKey, "seed_simulator")
		})
	})

	Convey("Given a document using the circuit alias", t, func() {
		task, err := ParseMessage(`{"id":"t3","config":{"shots":1},"circuit":[{"name":"x","qubits":[0]}]}`, nil)

		Convey("The instructions come from the alias", func() {
			So(err, ShouldBeNil)
			So(task.Instructions, ShouldHaveLength, 1)
			So(task.Instructions[0].Name, ShouldEqual, "x")
		})
	})

	Convey("Given malformed JSON", t, func() {
		_, err := ParseMessage(`{"id":`, nil)

		Convey("It is a protocol error", func() {
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, &ProtocolError{})
		})
	})

	Convey("Given a params update before any circuit", t, func() {
		_, err := ParseMessage(`{"params":[1.0]}`, nil)

		Convey("It is refused", func() {
			So(err, ShouldNotBeNil)
		})
	})
}

func TestRebindParams(t *testing.T) {
	circuit := func(names ...string) *QuantumTask {
		task := &QuantumTask{ID: "p"}
		for _, name := range names {
			inst := Instruction{Name: name, Qubits: []int{0}}
			switch paramArity(name) {
			case 1:
				inst.Params = []float64{0}
			case 2:
				inst.Params = []float64{0, 0}
			case 3:
				inst.Params = []float64{0, 0, 0}
			}
			task.Instructions = append(task.Instructions, inst)
		}
		return task
	}

	Convey("Given a circuit with mixed parametric gates", t, func() {
		last := circuit("rx", "h", "r", "u", "measure")

		Convey("A vector matching the summed arities rebinds positionally", func() {
			task, err := ParseMessage(`{"params":[0.1,0.2,0.3,0.4,0.5,0.6]}`, last)
			So(err, ShouldBeNil)
			So(task.Instructions[0].Params, ShouldResemble, []float64{0.1})
			So(task.Instructions[2].Params, ShouldResemble, []float64{0.2, 0.3})
			So(task.Instructions[3].Params, ShouldResemble, []float64{0.4, 0.5, 0.6})
		})

		Convey("Any other length fails the task", func() {
			_, err := RebindParams(last, []float64{0.1})
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, &ProtocolError{})
		})

		Convey("Rebinding never aliases the original circuit", func() {
			task, err := RebindParams(last, []float64{9, 9, 9, 9, 9, 9})
			So(err, ShouldBeNil)
			task.Instructions[0].Params[0] = -1
			So(last.Instructions[0].Params[0], ShouldEqual, 0)
		})
	})

	Convey("Given a circuit with no parametric gates", t, func() {
		last := circuit("h", "measure")

		Convey("An empty params vector succeeds as a no-op", func() {
			task, err := RebindParams(last, []float64{})
			So(err, ShouldBeNil)
			So(task.Instructions, ShouldHaveLength, 2)
		})
	})
}

func TestResolvePeers(t *testing.T) {
	comms := func(entries map[string]CommEntry) map[string]json.RawMessage {
		out := map[string]json.RawMessage{}
		for key, entry := range entries {
			raw, _ := json.Marshal(entry)
			out[key] = raw
		}
		return out
	}

	Convey("Given a communications snapshot", t, func() {
		snapshot := comms(map[string]CommEntry{
			"7_1_alice": {CommunicationsEndpoint: "tcp://10.0.0.1:5001"},
			"7_2_bob":   {CommunicationsEndpoint: "tcp://10.0.0.2:5002", ExecutorEndpoint: "tcp://10.0.0.9:6000"},
		})

		Convey("When a cc task names logical peers", func() {
			task := &QuantumTask{
				HasCC:     true,
				SendingTo: []string{"bob"},
				Instructions: []Instruction{
					{Name: "measure_and_send", Qubits: []int{0}, QPUs: []string{"bob"}},
					{Name: "recv", Qubits: []int{0}, Clbits: []int{0}, QPUs: []string{"7_1_alice"}},
				},
			}
			err := task.ResolvePeers(snapshot)

			Convey("Instructions get the executor endpoint when present, channel endpoint otherwise", func() {
				So(err, ShouldBeNil)
				So(task.Instructions[0].QPUs[0], ShouldEqual, "tcp://10.0.0.9:6000")
				So(task.Instructions[1].QPUs[0], ShouldEqual, "tcp://10.0.0.1:5001")
			})

			Convey("sending_to always gets the channel endpoint", func() {
				So(err, ShouldBeNil)
				So(task.SendingTo[0], ShouldEqual, "tcp://10.0.0.2:5002")
			})
		})

		Convey("When a logical id is unknown", func() {
			task := &QuantumTask{SendingTo: []string{"carol"}}
			err := task.ResolvePeers(snapshot)

			Convey("The task fails with a protocol error, not a teardown", func() {
				So(err, ShouldNotBeNil)
				So(err, ShouldHaveSameTypeAs, &ProtocolError{})
			})
		})

		Convey("When the id is already a concrete endpoint", func() {
			task := &QuantumTask{SendingTo: []string{"tcp://10.0.0.1:5001"}}
			So(task.ResolvePeers(snapshot), ShouldBeNil)
			So(task.SendingTo[0], ShouldEqual, "tcp://10.0.0.1:5001")
		})
	})
}
