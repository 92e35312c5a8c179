package cunqa

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

/*
RegistryError is the single error kind every registry failure collapses
into. Open, lock, read, truncate and write problems all surface here;
callers abort the operation that needed the registry.
*/
type RegistryError struct {
	Op   string
	Path string
	Err  error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

func registryErr(op, path string, err error) error {
	return &RegistryError{Op: op, Path: path, Err: err}
}

// QPUEntry is what a QPU process publishes into qpus.json at startup.
type QPUEntry struct {
	Backend    map[string]any `json:"backend"`
	Net        QPUNet         `json:"net"`
	Name       string         `json:"name"`
	Family     string         `json:"family"`
	SlurmJobID string         `json:"slurm_job_id"`
}

// QPUNet describes how to reach a QPU's client socket.
type QPUNet struct {
	Mode     string `json:"mode"`
	Nodename string `json:"nodename"`
	Endpoint string `json:"endpoint"`
}

// CommEntry is a communications.json value. ExecutorEndpoint is only
// present when the delegating executor variant is in play.
type CommEntry struct {
	CommunicationsEndpoint string `json:"communications_endpoint"`
	ExecutorEndpoint       string `json:"executor_endpoint,omitempty"`
}

/*
RegistryKey computes the key a process registers under. The scheme is
"<job>_<pid>" with an optional "_<suffix>" tail, taken from the SLURM
environment with literal UNKNOWN fallbacks so local runs still work.
*/
func RegistryKey(suffix string) string {
	key := envOr("SLURM_JOB_ID", "UNKNOWN") + "_" + envOr("SLURM_TASK_PID", "UNKNOWN")
	if suffix != "" {
		key += "_" + suffix
	}
	return key
}

/*
WriteOnFile appends-or-replaces one entry in the JSON object stored at
path, under the key computed from the environment plus suffix. The
whole read-modify-write runs under an exclusive advisory lock on the
file, the file is truncated before the new contents go out, and the
contents are fsynced before the lock drops, so a concurrent reader can
never observe a partial write.
*/
func WriteOnFile(entry any, path, suffix string) error {
	return updateLocked(path, func(obj map[string]json.RawMessage) error {
		raw, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrap(err, "encoding entry")
		}
		obj[RegistryKey(suffix)] = raw
		return nil
	})
}

/*
RemoveFromFile deletes exactly the entries whose key starts with
prefix, under the same locking protocol as WriteOnFile.
*/
func RemoveFromFile(path, prefix string) error {
	return updateLocked(path, func(obj map[string]json.RawMessage) error {
		for key := range obj {
			if strings.HasPrefix(key, prefix) {
				delete(obj, key)
			}
		}
		return nil
	})
}

/*
SetExecutorEndpoint records an executor's endpoint inside an existing
communications entry, so QPUs resolving peers can route delegated
circuits to it.
*/
func SetExecutorEndpoint(path, key, endpoint string) error {
	return updateLocked(path, func(obj map[string]json.RawMessage) error {
		raw, ok := obj[key]
		if !ok {
			return errors.Errorf("no entry %q", key)
		}
		var entry CommEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return errors.Wrapf(err, "decoding entry %q", key)
		}
		entry.ExecutorEndpoint = endpoint
		out, err := json.Marshal(&entry)
		if err != nil {
			return errors.Wrapf(err, "encoding entry %q", key)
		}
		obj[key] = out
		return nil
	})
}

/*
ReadAll returns a one-shot snapshot of the JSON object at path, taken
under a shared lock. A missing file yields an empty map.
*/
func ReadAll(path string) (map[string]json.RawMessage, error) {
	fl := flock.New(path)
	if err := fl.RLock(); err != nil {
		return nil, registryErr("lock", path, err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, registryErr("read", path, err)
	}
	return decodeObject(data), nil
}

// updateLocked runs fn over the decoded object while holding the
// exclusive whole-file lock, then writes the result back in place.
func updateLocked(path string, fn func(map[string]json.RawMessage) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return registryErr("mkdir", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return registryErr("open", path, err)
	}
	defer f.Close()

	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return registryErr("lock", path, err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return registryErr("read", path, err)
	}
	obj := decodeObject(data)

	if err := fn(obj); err != nil {
		return registryErr("update", path, err)
	}

	out, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return registryErr("encode", path, err)
	}
	if err := f.Truncate(0); err != nil {
		return registryErr("truncate", path, err)
	}
	if _, err := f.WriteAt(out, 0); err != nil {
		return registryErr("write", path, err)
	}
	if err := f.Sync(); err != nil {
		return registryErr("sync", path, err)
	}
	return nil
}

// decodeObject treats an empty or unparseable file as an empty object.
func decodeObject(data []byte) map[string]json.RawMessage {
	obj := map[string]json.RawMessage{}
	if len(data) == 0 {
		return obj
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return map[string]json.RawMessage{}
	}
	return obj
}
