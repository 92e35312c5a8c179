package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	cunqa "github.com/theapemachine/cunqa"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	cfg := cunqa.NewConfig()

	root := &cobra.Command{
		Use:   "qpud",
		Short: "Serve one simulated QPU",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			qpu, err := cunqa.BuildQPU(ctx, cfg)
			if err != nil {
				return err
			}
			onSignal(func() {
				qpu.TurnOFF()
				cancel()
			})
			return qpu.TurnON()
		},
	}
	root.Flags().StringVar(&cfg.Mode, "mode", cfg.Mode, "bind mode: hpc or co_located")
	root.Flags().StringVar(&cfg.Name, "name", cfg.Name, "QPU name published in the registry")
	root.Flags().StringVar(&cfg.Family, "family", cfg.Family, "QPU family suffix for the registry key")
	root.Flags().StringVar(&cfg.Simulator, "simulator", cfg.Simulator, "numerical kernel")
	root.Flags().StringVar(&cfg.CommType, "comm", cfg.CommType, "communication type: none, cc or qc")

	root.AddCommand(executorCmd(cfg))
	return root
}

func executorCmd(cfg *cunqa.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Front a group of QPUs with a joint simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			ex, err := cunqa.NewExecutor(ctx, cfg)
			if err != nil {
				return err
			}
			onSignal(func() {
				ex.Close()
				cancel()
			})
			return ex.Run()
		},
	}
	cmd.Flags().StringVar(&cfg.Group, "group", cfg.Group, "group suffix to front; defaults to every QPU of this job")
	cmd.Flags().StringVar(&cfg.Mode, "mode", cfg.Mode, "bind mode: hpc or co_located")
	cmd.Flags().StringVar(&cfg.Simulator, "simulator", cfg.Simulator, "numerical kernel")
	return cmd
}

func onSignal(fn func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fn()
	}()
}
