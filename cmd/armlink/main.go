// Command armlink runs the control-link service between an operator
// interface and a six-joint servo arm reachable over WebSocket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sixdof/armlink/internal/config"
	"github.com/sixdof/armlink/internal/log"
	"github.com/sixdof/armlink/pkg/arm"
	"github.com/sixdof/armlink/pkg/control"
	"github.com/sixdof/armlink/pkg/gyro"
	"github.com/sixdof/armlink/pkg/link"
	"github.com/sixdof/armlink/pkg/store"
	"github.com/sixdof/armlink/pkg/web"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "armlink",
		Short:         "Control link for a six-joint servo arm",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		port     string
		dataDir  string
		armAddr  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control-link service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(port, dataDir, armAddr, logLevel)
		},
	}
	cmd.Flags().StringVar(&port, "port", config.HTTPPort(), "operator API port")
	cmd.Flags().StringVar(&dataDir, "data-dir", config.DataDir(), "settings and program storage directory")
	cmd.Flags().StringVar(&armAddr, "arm", config.ArmAddr(), "arm WebSocket address (ws:// or wss://)")
	cmd.Flags().StringVar(&logLevel, "log-level", config.LogLevel(), "log level (debug, info, warn, error)")
	return cmd
}

func serve(port, dataDir, armAddr, logLevel string) error {
	log.Init(logLevel)

	files, err := store.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	settings := files.Settings()

	joints := arm.NewStore()
	joints.ReplaceConfigs(settings.JointConfigs)
	joints.OnConfigChange(files.SetJointConfig)

	lnk := link.NewManager()
	ctrl := control.NewController(joints, lnk)
	ctrl.SetSmoothing(control.Smoothing{
		Enabled: settings.Settings.SmoothingEnabled,
		Factor:  settings.Settings.SmoothingFactor,
	})

	gy := gyro.NewAdapter(joints, ctrl)
	gy.SetSensitivity(settings.Settings.GyroSensitivity)
	gy.SetMapping(gyro.Mapping{
		Pitch: settings.Settings.GyroPitchJoint,
		Roll:  settings.Settings.GyroRollJoint,
	})
	ctrl.AttachGyro(gy)

	srv := web.NewServer(port, ctrl, lnk, joints, gy, files)
	lnk.OnStateChange(func(link.State) { srv.BroadcastState() })
	ctrl.OnChange(func(control.Snapshot) { srv.BroadcastState() })

	go ctrl.Run()
	if armAddr != "" {
		lnk.SetAddress(armAddr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		shutdown(srv, ctrl, lnk, files)
		return err
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
		shutdown(srv, ctrl, lnk, files)
		return nil
	}
}

// shutdown cancels every timer and ticker so no dangling callback touches
// freed state: the smoothing loop, any homing run, the reconnect timer,
// and the debounced settings save.
func shutdown(srv *web.Server, ctrl *control.Controller, lnk *link.Manager, files *store.Store) {
	_ = srv.Shutdown()
	ctrl.Stop()
	lnk.Clear()
	files.Close()
}
