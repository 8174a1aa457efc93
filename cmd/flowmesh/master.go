package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"flowmesh/dataflow-runtime/api/rest"
	"flowmesh/dataflow-runtime/api/rest/client"
	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/internal/master"
	"flowmesh/dataflow-runtime/internal/policy"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

var (
	masterAddress          string
	masterConnect          []string
	masterHeartbeatTimeout time.Duration
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Manage the master runtime",
}

var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a master runtime",
	RunE:  runMasterStart,
}

func init() {
	masterStartCmd.Flags().StringVar(&masterAddress, "address", "", "HTTP listen address (overrides config)")
	masterStartCmd.Flags().StringSliceVar(&masterConnect, "connect", nil, "worker endpoints to connect at startup")
	masterStartCmd.Flags().DurationVar(&masterHeartbeatTimeout, "heartbeat-timeout", 0, "worker heartbeat timeout (overrides config)")
	masterCmd.AddCommand(masterStartCmd)
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	printBanner()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Node.Role = string(types.RoleMaster)
	if masterAddress != "" {
		cfg.Server.Address = masterAddress
	}
	if masterHeartbeatTimeout > 0 {
		cfg.Master.HeartbeatTimeout = masterHeartbeatTimeout
	}

	self := resolveSelf(cfg)
	instanceID := uuid.NewString()
	logger.Info("starting master runtime", "endpoint", self, "instance", instanceID)

	registry := cluster.NewRegistry()
	notifier := cluster.NewNotifier()

	var dispatcher *cluster.Dispatcher
	monitors := cluster.NewMonitors(func(endpoint types.Endpoint, role types.Role) {
		_ = dispatcher.Down(context.Background(), endpoint, role)
	})

	transportCfg := client.DefaultConfig()
	transportCfg.HeartbeatInterval = cfg.Master.HeartbeatInterval
	transport := client.NewTransport(self, monitors, transportCfg)
	defer transport.Close()

	dispatcher = cluster.NewDispatcher(transport)
	defer dispatcher.Stop()

	tagStore := master.NewTagStore()
	dispatcher.Bind(types.RoleWorker, master.NewWorkerPolicy(registry, notifier, tagStore))

	if cfg.Master.AcceptScript != "" {
		sp, err := policy.NewScriptPolicy(cfg.Master.AcceptScript)
		if err != nil {
			return fmt.Errorf("accept script: %w", err)
		}
		dispatcher.BindDefault(sp)
	}

	workers := master.NewWorkerConnection(self, dispatcher, transport, monitors, registry, tagStore)

	server := rest.NewServer(self, types.RoleMaster, nil, dispatcher, registry, monitors, tagStore, workers.Stats, &rest.Config{
		Address:             cfg.Server.Address,
		ReadTimeout:         cfg.Server.ReadTimeout,
		WriteTimeout:        cfg.Server.WriteTimeout,
		HeartbeatTimeout:    cfg.Master.HeartbeatTimeout,
		HealthCheckInterval: cfg.Master.HealthCheckInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(masterConnect) > 0 {
		go func() {
			endpoints := toEndpoints(masterConnect)
			logger.Info("connecting bootstrap workers", "count", len(endpoints))
			if err := workers.ConnectMany(ctx, endpoints); err != nil {
				logger.Warn("bootstrap connect incomplete", "err", err)
			}
		}()
	}

	logger.Info("master listening", "address", cfg.Server.Address)
	return server.StartWithContext(ctx)
}
