package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spaghettifunk/holostream/engine"
	"github.com/spaghettifunk/holostream/engine/core"
)

var (
	configPath string
	backend    string
	logLevel   string
	frames     uint64
	mirror     bool
)

var rootCmd = &cobra.Command{
	Use:   "holostream",
	Short: "Holographic stereo renderer that survives device loss",
	Long: `holostream renders meshes streamed from disk into a simulated
holographic space. GPU resources are rebuilt transparently when the
graphics device is lost.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Render frames until interrupted or the configured frame count is reached",
	RunE:  runEngine,
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List graphics adapters and whether they meet the device requirements",
	RunE:  listAdapters,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Override the backend (simulated or vulkan)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level")
	runCmd.Flags().Uint64Var(&frames, "frames", 0, "Stop after this many frames (0 runs until interrupted)")
	runCmd.Flags().BoolVar(&mirror, "mirror", false, "Open a desktop mirror window")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(adaptersCmd)
}

func loadConfig(cmd *cobra.Command) (*engine.ApplicationConfig, error) {
	cfg := engine.DefaultApplicationConfig()
	if configPath != "" {
		var err error
		if cfg, err = engine.LoadApplicationConfig(configPath); err != nil {
			return nil, err
		}
	}
	if backend != "" {
		cfg.Backend = strings.ToLower(backend)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if f := cmd.Flags().Lookup("frames"); f != nil && f.Changed {
		cfg.Frames = frames
	}
	if mirror {
		cfg.Mirror.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	if err := e.Initialize(ctx); err != nil {
		_ = e.Shutdown()
		return err
	}
	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		return runErr
	}

	m := e.Metrics()
	fmt.Fprintf(cmd.OutOrStdout(), "frames: %d presented: %d dropped: %d recoveries: %d skipped cameras: %d avg frame: %s\n",
		e.Frames(), m.Presented, m.Dropped, m.Recoveries, m.SkippedCameras, m.AvgFrameTime)
	return nil
}

func listAdapters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := core.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	pref, err := cfg.AdapterPreference()
	if err != nil {
		return err
	}

	be, closeBackend, err := engine.NewBackend(cfg, nil)
	if err != nil {
		return err
	}
	defer closeBackend()

	adapters, err := be.EnumerateAdapters()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTEREO VPRT\tCOMPATIBLE")
	for _, a := range adapters {
		compatible := "yes"
		if missing := pref.Requirements.Missing(a); len(missing) > 0 {
			names := make([]string, len(missing))
			for i, f := range missing {
				names[i] = f.String()
			}
			compatible = "missing " + strings.Join(names, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", a.ID, a.Info.Name, a.Info.DeviceType, a.Capabilities.ViewportArrayIndexFromVertexShader, compatible)
	}
	return w.Flush()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
