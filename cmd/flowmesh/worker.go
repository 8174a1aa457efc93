package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"flowmesh/dataflow-runtime/api/rest"
	"flowmesh/dataflow-runtime/api/rest/client"
	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/internal/worker"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

var (
	workerAddress            string
	workerMasterAddr         string
	workerTags               []string
	workerShutdownWithMaster bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage a worker runtime",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker runtime",
	RunE:  runWorkerStart,
}

func init() {
	workerStartCmd.Flags().StringVar(&workerAddress, "address", "", "HTTP listen address (overrides config)")
	workerStartCmd.Flags().StringVar(&workerMasterAddr, "master", "", "master endpoint to connect to at startup")
	workerStartCmd.Flags().StringSliceVar(&workerTags, "tags", nil, "tags presented to the master")
	workerStartCmd.Flags().BoolVar(&workerShutdownWithMaster, "shutdown-with-master", false, "terminate when the master becomes unreachable")
	workerCmd.AddCommand(workerStartCmd)
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	printBanner()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Node.Role = string(types.RoleWorker)
	if workerAddress != "" {
		cfg.Server.Address = workerAddress
	}
	if workerMasterAddr != "" {
		cfg.Worker.MasterAddr = workerMasterAddr
	}
	if len(workerTags) > 0 {
		cfg.Worker.Tags = workerTags
	}
	if cmd.Flags().Changed("shutdown-with-master") {
		cfg.Worker.ShutdownWithMaster = workerShutdownWithMaster
	}

	self := resolveSelf(cfg)
	tags := toTags(cfg.Worker.Tags)
	instanceID := uuid.NewString()
	logger.Info("starting worker runtime", "endpoint", self, "instance", instanceID, "tags", tags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := cluster.NewRegistry()
	notifier := cluster.NewNotifier()

	var dispatcher *cluster.Dispatcher
	monitors := cluster.NewMonitors(func(endpoint types.Endpoint, role types.Role) {
		_ = dispatcher.Down(context.Background(), endpoint, role)
	})

	transportCfg := client.DefaultConfig()
	transportCfg.HeartbeatInterval = cfg.Worker.HeartbeatInterval
	transport := client.NewTransport(self, monitors, transportCfg)
	defer transport.Close()

	dispatcher = cluster.NewDispatcher(transport)
	defer dispatcher.Stop()

	dispatcher.Bind(types.RoleMaster, worker.NewMasterPolicy(registry, notifier, cfg.Worker.ShutdownWithMaster, func() {
		logger.Warn("master is down, shutting down")
		stop()
	}))

	masterConn := worker.NewMasterConnection(self, tags, dispatcher, transport, monitors, registry)

	server := rest.NewServer(self, types.RoleWorker, tags, dispatcher, registry, monitors, nil, nil, &rest.Config{
		Address:             cfg.Server.Address,
		ReadTimeout:         cfg.Server.ReadTimeout,
		WriteTimeout:        cfg.Server.WriteTimeout,
		HeartbeatTimeout:    cfg.Master.HeartbeatTimeout,
		HealthCheckInterval: cfg.Master.HealthCheckInterval,
	})

	if cfg.Worker.MasterAddr != "" {
		go func() {
			endpoint := types.Endpoint(cfg.Worker.MasterAddr)
			if err := masterConn.Connect(ctx, endpoint); err != nil {
				logger.Warn("bootstrap connect to master failed", "endpoint", endpoint, "err", err)
			}
		}()
	}

	logger.Info("worker listening", "address", cfg.Server.Address)
	return server.StartWithContext(ctx)
}
