package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/vpodzime/lvm-dubstep/pkg/config"
	"github.com/vpodzime/lvm-dubstep/pkg/daemon"
)

var (
	cfgFile     string
	bus         string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   daemon.Name,
	Short: "LVM D-Bus service",
	Long: `lvmdbusd exposes physical volumes, volume groups and logical volumes
as objects on the message bus. Properties mirror what lvm reports; methods
run lvm commands and return a job object when they outlive the caller's
timeout.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("%s %s\n", daemon.Name, daemon.Version)
			return nil
		}
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is "+daemon.DefaultConfigPath+" when present)")
	rootCmd.Flags().StringVar(&bus, "bus", "", "message bus to serve on: system or session (overrides the config file)")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version information and exit")
	addKlogFlags(rootCmd.Flags())
}

// addKlogFlags exposes klog's -v, -logtostderr and friends as pflags.
func addKlogFlags(fs *pflag.FlagSet) {
	goflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goflags)
	fs.AddGoFlagSet(goflags)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat(daemon.DefaultConfigPath); err == nil {
		return daemon.DefaultConfigPath
	}
	return ""
}

func run(cmd *cobra.Command) error {
	klog.Infof("Starting %s version %s", daemon.Name, daemon.Version)

	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("bus") {
		cfg.Bus = bus
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	klog.V(2).Infof("lvm binary: %s", cfg.LVM.Binary)
	klog.V(2).Infof("Engine: %d workers, queue size %d", cfg.Engine.Workers, cfg.Engine.QueueSize)

	d, err := daemon.New(&daemon.Config{Settings: cfg})
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		klog.Infof("Received signal %v, initiating shutdown...", sig)
		cancel()
	}()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	klog.Info("Daemon stopped")
	return nil
}

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
