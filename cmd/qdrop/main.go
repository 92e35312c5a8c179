package main

import (
	"log"

	"github.com/spf13/cobra"
	cunqa "github.com/theapemachine/cunqa"
)

func main() {
	cfg := cunqa.NewConfig()

	cmd := &cobra.Command{
		Use:   "qdrop <job-id>...",
		Short: "Drop raised QPUs: remove their registry entries by job id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, jobID := range args {
				if err := cunqa.RemoveFromFile(cfg.QPUsPath(), jobID+"_"); err != nil {
					return err
				}
				if err := cunqa.RemoveFromFile(cfg.CommsPath(), jobID+"_"); err != nil {
					return err
				}
			}
			return nil
		},
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
