// mplsim runs an MPLS network simulation described by a topology file
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iti/mplsim"
)

const (
	cfgTopo        = "topo"
	cfgStep        = "step"
	cfgDuration    = "duration"
	cfgTrace       = "trace"
	cfgLogLevel    = "log-level"
	cfgMetricsAddr = "metrics-addr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mplsim: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := viper.New()
	cfg.SetEnvPrefix("MPLSIM")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()

	root := &cobra.Command{
		Use:           "mplsim",
		Short:         "Simulate label switched paths over an MPLS topology",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(cfgTopo, "", "topology description, .yaml or .json")
	root.PersistentFlags().String(cfgLogLevel, "info", "debug, info, warn or error")
	if err := cfg.BindPFlags(root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(newRunCmd(cfg), newValidateCmd(cfg), newRouteCmd(cfg))
	return root
}

func newRunCmd(cfg *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation for a span of simulated time",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.GetString(cfgLogLevel))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().Int64(cfgStep, 1000, "tick length, ns")
	cmd.Flags().Int64(cfgDuration, 1000000, "simulated time to run, ns")
	cmd.Flags().String(cfgTrace, "", "write the event trace to this .yaml or .json file")
	cmd.Flags().String(cfgMetricsAddr, "", "serve prometheus metrics on this address while running")
	if err := cfg.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func newValidateCmd(cfg *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the topology description and report what is wrong with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := mplsim.LoadSimulation(cfg.GetString(cfgTopo), 1000, nil, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d nodes, %d links, well configured\n", sim.Topo.Name,
				len(sim.Topo.Nodes()), len(sim.Topo.Links()))
			for idx, part := range sim.Topo.Partitions() {
				fmt.Printf("partition %d: %s\n", idx, strings.Join(part, " "))
			}
			return nil
		},
	}
}

func newRouteCmd(cfg *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "route <src> <dst>",
		Short: "Print the shortest path between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := mplsim.LoadSimulation(cfg.GetString(cfgTopo), 1000, nil, nil)
			if err != nil {
				return err
			}
			route := sim.Topo.Route(args[0], args[1])
			if route == "" {
				return fmt.Errorf("no route from %s to %s", args[0], args[1])
			}
			fmt.Println(route)
			return nil
		},
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var zcfg zap.Config
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(ctx context.Context, cfg *viper.Viper, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	traceFile := cfg.GetString(cfgTrace)
	traceMgr := mplsim.CreateTraceManager(cfg.GetString(cfgTopo), traceFile != "")
	sinks := mplsim.MultiSink{traceMgr}

	if addr := cfg.GetString(cfgMetricsAddr); addr != "" {
		reg := prometheus.NewRegistry()
		promSink, err := mplsim.CreatePrometheusSink(reg)
		if err != nil {
			return err
		}
		sinks = append(sinks, promSink)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	sim, err := mplsim.LoadSimulation(cfg.GetString(cfgTopo), cfg.GetInt64(cfgStep), sinks, logger)
	if err != nil {
		return err
	}
	for _, node := range sim.Topo.Nodes() {
		if err := traceMgr.AddName(node.ID(), node.Name(), node.Kind().String()); err != nil {
			return err
		}
	}
	for _, link := range sim.Topo.Links() {
		if err := traceMgr.AddName(link.ID(), link.Name(), link.Kind().String()); err != nil {
			return err
		}
	}

	start := time.Now()
	runErr := sim.Run(ctx, cfg.GetInt64(cfgDuration))
	logger.Info("simulation done", zap.Int64("instant", sim.Clock.Instant()),
		zap.Duration("elapsed", time.Since(start)))

	report(sim, traceMgr)
	if traceFile != "" {
		if err := traceMgr.WriteToFile(traceFile); err != nil {
			return err
		}
	}
	return runErr
}

func report(sim *mplsim.Simulation, traceMgr *mplsim.TraceManager) {
	for _, node := range sim.Topo.Nodes() {
		if rcvr, ok := node.(*mplsim.Receiver); ok {
			fmt.Println(rcvr.String())
		}
	}
	stats := sim.Topo.Portal().Stats()
	fmt.Printf("entered %d, departed %d, in transit %d, latency min %d avg %.1f max %d ns\n",
		stats.Entered, stats.Departed, stats.InTransit, stats.MinLatency, stats.AvgLatency, stats.MaxLatency)
	fmt.Printf("discarded %d, lsps established %d, lsps removed %d\n",
		traceMgr.Count(mplsim.PacketDiscarded), traceMgr.Count(mplsim.LSPEstablished),
		traceMgr.Count(mplsim.LSPRemoved))
}
