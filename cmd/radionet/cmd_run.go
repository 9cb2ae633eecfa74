package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/radionet-labs/radionet/pkg/metrics"
	"github.com/radionet-labs/radionet/pkg/radio"
	"github.com/radionet-labs/radionet/pkg/util"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "deploy a scenario and run until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := LoadScenario(args[0])
			if err != nil {
				return err
			}

			registry := radio.DefaultRegistry()
			_, mgr, err := sc.Build(registry, radio.NewBindings())
			if err != nil {
				return err
			}

			if sc.MetricsListen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				go func() {
					if err := http.ListenAndServe(sc.MetricsListen, mux); err != nil {
						util.Logger.Warnf("metrics listener: %v", err)
					}
				}()
			}

			result, err := mgr.Startup()
			if err != nil {
				return fmt.Errorf("startup: %w", err)
			}
			switch result {
			case radio.SetupNotNeeded:
				fmt.Println("no radio networks in scenario, nothing to run")
				return nil
			case radio.SetupNotReady:
				return fmt.Errorf("session not ready")
			}
			mgr.Poststartup()
			util.Logger.Info("scenario running, interrupt to stop")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			mgr.Shutdown()
			return nil
		},
	}
}
