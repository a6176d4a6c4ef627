package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/destination"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "nebula-sink",
		Short: "Nebula Sink - memory-bounded destination buffering for sync protocols",
		Long: `Nebula Sink reads a sync protocol stream (one JSON message per line) on stdin,
buffers records per stream within a fixed memory budget, flushes them to a
destination and writes each state checkpoint to stdout once every record
before it has been durably written.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Nebula Sink v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Printf("Destinations: %v\n", destination.NewRegistry().Types())
		},
	})

	var configFile string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration that run would use: defaults, then the config file,
then NEBULA_SINK_* environment overrides.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	configCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML or JSON config file")
	root.AddCommand(configCmd)

	root.AddCommand(newRunCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
