package cunqa

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

/*
Backend is the execution strategy a QPU is built with. Exactly one of
the three variants is chosen at process start:

  - Simple hands the task straight to the numerical kernel.
  - CC wires the classical channel up first so dynamic circuits can
    exchange measurements with the peers named in sending_to.
  - QC delegates the whole circuit to an external executor process
    that simulates the group jointly.
*/
type Backend interface {
	Execute(task *QuantumTask) (string, error)
}

// SimpleBackend runs every circuit locally, no peers involved.
type SimpleBackend struct {
	Kernel Kernel
}

func (b *SimpleBackend) Execute(task *QuantumTask) (string, error) {
	raw, err := b.Kernel.Run(task, nil)
	if err != nil {
		return "", err
	}
	return adaptResult(raw, task.Config.NumClbits)
}

// CCBackend executes circuits whose gates reference measurements
// exchanged with peer QPUs over the classical channel.
type CCBackend struct {
	Kernel  Kernel
	Channel *ClassicalChannel
}

func (b *CCBackend) Execute(task *QuantumTask) (string, error) {
	// The peers' own channels act as the identity: connect with the
	// bound endpoint stamped on outbound frames, so the receiver can
	// demultiplex this QPU by address.
	for _, target := range task.SendingTo {
		if err := b.Channel.Connect(target, "", true); err != nil {
			return "", err
		}
	}

	ch := b.Channel
	if !task.IsDynamic {
		ch = nil
	}
	raw, err := b.Kernel.Run(task, ch)
	if err != nil {
		return "", err
	}
	return adaptResult(raw, task.Config.NumClbits)
}

// QCBackend ships the circuit to the group executor and relays its
// result. Used when the kernel cannot itself talk to peers.
type QCBackend struct {
	Channel   *ClassicalChannel
	CommsPath string
	Suffix    string // family suffix this QPU registered under

	connected bool
}

func (b *QCBackend) Execute(task *QuantumTask) (string, error) {
	if err := b.connectExecutor(); err != nil {
		return "", err
	}

	payload, err := task.Marshal()
	if err != nil {
		return "", err
	}
	if err := b.Channel.SendInfo(payload, "executor"); err != nil {
		return "", err
	}
	result, err := b.Channel.RecvInfo("executor")
	if err != nil {
		return "", err
	}
	if !json.Valid([]byte(result)) {
		return "", protocolErrf("executor returned a malformed result")
	}
	return result, nil
}

// connectExecutor finds this process's own communications entry, takes
// the executor endpoint the executor registered there, consumes the
// executor's hello frame and keys the dealer as "executor".
func (b *QCBackend) connectExecutor() error {
	if b.connected {
		return nil
	}

	comms, err := ReadAll(b.CommsPath)
	if err != nil {
		return err
	}
	raw, ok := comms[RegistryKey(b.Suffix)]
	if !ok {
		return protocolErrf("no communications entry for this QPU")
	}
	var entry CommEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return protocolErrf("corrupt communications entry: %v", err)
	}
	if entry.ExecutorEndpoint == "" {
		return protocolErrf("no executor registered for this QPU")
	}

	if err := b.Channel.Connect(entry.ExecutorEndpoint, "executor", false); err != nil {
		return err
	}
	// The executor announces itself by sending its endpoint, stamped
	// with that endpoint as identity; the connect above aliases that
	// back to "executor", so the hello drains here.
	if _, err := b.Channel.RecvInfo("executor"); err != nil {
		return err
	}
	b.connected = true
	return nil
}

/*
adaptResult rewrites the kernel's count keys into the fixed-width
binary convention: hex-encoded little-endian keys become binary
strings of num_clbits characters, most significant bit first.
*/
func adaptResult(raw string, numClbits int) (string, error) {
	var result map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return "", errors.Wrap(err, "decoding kernel result")
	}
	var results []map[string]json.RawMessage
	if err := json.Unmarshal(result["results"], &results); err != nil {
		return "", errors.Wrap(err, "decoding kernel results list")
	}

	for _, entry := range results {
		var data map[string]json.RawMessage
		if err := json.Unmarshal(entry["data"], &data); err != nil {
			return "", errors.Wrap(err, "decoding result data")
		}
		var counts map[string]int
		if err := json.Unmarshal(data["counts"], &counts); err != nil {
			return "", errors.Wrap(err, "decoding counts")
		}

		converted, err := ConvertCounts(counts, numClbits)
		if err != nil {
			return "", err
		}

		countsRaw, err := json.Marshal(converted)
		if err != nil {
			return "", errors.Wrap(err, "encoding counts")
		}
		data["counts"] = countsRaw
		dataRaw, err := json.Marshal(data)
		if err != nil {
			return "", errors.Wrap(err, "encoding result data")
		}
		entry["data"] = dataRaw
	}

	resultsRaw, err := json.Marshal(results)
	if err != nil {
		return "", errors.Wrap(err, "encoding results list")
	}
	result["results"] = resultsRaw
	out, err := json.Marshal(result)
	if err != nil {
		return "", errors.Wrap(err, "encoding result")
	}
	return string(out), nil
}

// ConvertCounts maps hex count keys to binary strings of width
// numClbits. Keys already in binary form pass through, zero-padded.
func ConvertCounts(counts map[string]int, numClbits int) (map[string]int, error) {
	converted := make(map[string]int, len(counts))
	for key, n := range counts {
		value, err := parseCountKey(key)
		if err != nil {
			return nil, err
		}
		width := numClbits
		if width <= 0 {
			width = minimumWidth(counts)
		}
		converted[toBinary(value, width)] += n
	}
	return converted, nil
}

func parseCountKey(key string) (uint64, error) {
	if strings.HasPrefix(key, "0x") || strings.HasPrefix(key, "0X") {
		value, err := strconv.ParseUint(key[2:], 16, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "bad count key %q", key)
		}
		return value, nil
	}
	value, err := strconv.ParseUint(key, 2, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad count key %q", key)
	}
	return value, nil
}

func minimumWidth(counts map[string]int) int {
	width := 1
	for key := range counts {
		if value, err := parseCountKey(key); err == nil {
			for width < 64 && value>>uint(width) != 0 {
				width++
			}
		}
	}
	return width
}

// toBinary renders value as a fixed-width bit string, MSB first: the
// leftmost character is the highest classical bit.
func toBinary(value uint64, width int) string {
	return fmt.Sprintf("%0*b", width, value)
}
