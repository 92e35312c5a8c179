package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cunqa "github.com/theapemachine/cunqa"
)

var (
	timeFormat = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)
	memFormat  = regexp.MustCompile(`^\d+[MG]B?$`)
)

type raiseOpts struct {
	qpus      int
	simulator string
	comm      string
	family    string
	group     string
	mode      string
	timeLimit string
	memory    string
	wait      time.Duration
}

func main() {
	if err := raiseCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func raiseCmd() *cobra.Command {
	opts := &raiseOpts{}

	cmd := &cobra.Command{
		Use:   "qraise",
		Short: "Raise a set of QPUs under the batch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyDefaults(opts)
			if err := validate(opts); err != nil {
				return err
			}

			jobID := os.Getenv("SLURM_JOB_ID")
			if jobID == "" {
				jobID = uuid.NewString()[:8]
			}

			script, err := writeScript(opts, jobID)
			if err != nil {
				return err
			}
			fmt.Println(script)

			if opts.wait > 0 {
				return waitForQPUs(cunqa.NewConfig().QPUsPath(), jobID, opts.qpus, opts.wait)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.qpus, "num-qpus", "n", 1, "number of QPU ranks to raise")
	cmd.Flags().StringVar(&opts.simulator, "simulator", "", "numerical kernel")
	cmd.Flags().StringVar(&opts.comm, "comm", "", "communication type: none, cc or qc")
	cmd.Flags().StringVar(&opts.family, "family", "", "family suffix for registry keys")
	cmd.Flags().StringVar(&opts.group, "group", "", "executor group (qc only)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "bind mode: hpc or co_located")
	cmd.Flags().StringVar(&opts.timeLimit, "time", "", "batch time limit, hh:mm:ss")
	cmd.Flags().StringVar(&opts.memory, "mem-per-qpu", "", "memory per rank, e.g. 4G")
	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "block until all QPUs appear in the registry")
	return cmd
}

// applyDefaults fills unset flags from ~/.cunqa/qraise.yaml.
func applyDefaults(opts *raiseOpts) {
	v := viper.New()
	v.SetConfigName("qraise")
	v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".cunqa"))
	v.SetDefault("simulator", "statevector")
	v.SetDefault("comm", "none")
	v.SetDefault("mode", cunqa.ModeHPC)
	v.SetDefault("time", "01:00:00")
	v.SetDefault("mem_per_qpu", "4G")
	_ = v.ReadInConfig()

	if opts.simulator == "" {
		opts.simulator = v.GetString("simulator")
	}
	if opts.comm == "" {
		opts.comm = v.GetString("comm")
	}
	if opts.mode == "" {
		opts.mode = v.GetString("mode")
	}
	if opts.timeLimit == "" {
		opts.timeLimit = v.GetString("time")
	}
	if opts.memory == "" {
		opts.memory = v.GetString("mem_per_qpu")
	}
}

// validate rejects bad scheduler parameters before anything spawns.
func validate(opts *raiseOpts) error {
	if opts.qpus < 1 {
		return errors.Errorf("need at least one QPU, got %d", opts.qpus)
	}
	if !timeFormat.MatchString(opts.timeLimit) {
		return errors.Errorf("bad time format %q, want hh:mm:ss", opts.timeLimit)
	}
	if !memFormat.MatchString(opts.memory) {
		return errors.Errorf("bad memory format %q, want e.g. 4G", opts.memory)
	}
	if opts.comm == "qc" && opts.group == "" {
		return errors.New("qc communications need a --group")
	}
	return nil
}

// writeScript renders the sbatch script that launches the ranks.
func writeScript(opts *raiseOpts, jobID string) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=qraise_%s\n", jobID)
	fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", opts.qpus)
	fmt.Fprintf(&b, "#SBATCH --time=%s\n", opts.timeLimit)
	fmt.Fprintf(&b, "#SBATCH --mem-per-cpu=%s\n", opts.memory)
	b.WriteString("\n")

	qpud := fmt.Sprintf("qpud --mode %s --simulator %s --comm %s", opts.mode, opts.simulator, opts.comm)
	if opts.family != "" {
		qpud += " --family " + opts.family
	}
	fmt.Fprintf(&b, "srun --ntasks=%d %s &\n", opts.qpus, qpud)
	if opts.comm == "qc" {
		fmt.Fprintf(&b, "srun --ntasks=1 qpud executor --group %s --simulator %s &\n", opts.group, opts.simulator)
	}
	b.WriteString("wait\n")

	path := fmt.Sprintf("qraise_%s.sbatch", jobID)
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", errors.Wrap(err, "writing sbatch script")
	}
	return path, nil
}

/*
waitForQPUs blocks until the registry holds the expected number of
entries for this job, watching the state directory for changes instead
of polling.
*/
func waitForQPUs(path, jobID string, want int, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating state directory")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrap(err, "watching state directory")
	}

	deadline := time.After(timeout)
	for {
		entries, err := cunqa.ReadAll(path)
		if err != nil {
			return err
		}
		found := 0
		for key := range entries {
			if strings.HasPrefix(key, jobID+"_") {
				found++
			}
		}
		if found >= want {
			return nil
		}

		select {
		case <-watcher.Events:
		case err := <-watcher.Errors:
			return errors.Wrap(err, "watching registry")
		case <-deadline:
			return errors.Errorf("timed out with %d of %d QPUs registered", found, want)
		}
	}
}
