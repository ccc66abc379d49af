package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ivoscc/kubernetes-task-runner/internal/api"
	"github.com/ivoscc/kubernetes-task-runner/internal/cluster"
	"github.com/ivoscc/kubernetes-task-runner/internal/config"
	"github.com/ivoscc/kubernetes-task-runner/internal/coordinator"
	"github.com/ivoscc/kubernetes-task-runner/internal/dispatcher"
	"github.com/ivoscc/kubernetes-task-runner/internal/logging"
	"github.com/ivoscc/kubernetes-task-runner/internal/objectstore"
	"github.com/ivoscc/kubernetes-task-runner/internal/reconciler"
	"github.com/ivoscc/kubernetes-task-runner/internal/repository"
)

const (
	dispatcherWorkers    = 8
	dispatcherQueueDepth = 256
	reconcilerGraceTicks = 2
	shutdownTimeout      = 15 * time.Second
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, task dispatcher and status reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New())
			if err != nil {
				return errors.Wrap(err, "loading configuration")
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "building logger")
	}
	defer log.Sync() //nolint:errcheck

	k8sConfig, err := buildKubernetesConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "building kubernetes client configuration")
	}
	clientset, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return errors.Wrap(err, "building kubernetes clientset")
	}

	clusterCfg := cluster.Config{
		Namespace:          cfg.KubernetesNamespace,
		GCSBucket:          cfg.GCBucketName,
		GCSCredentialsFile: readGCSCredentials(cfg.GCCredentialsFilePath, log),
	}.WithDefaults()

	clusterAdapter := cluster.New(
		clientset.BatchV1().Jobs(cfg.KubernetesNamespace),
		clientset.CoreV1().PersistentVolumeClaims(cfg.KubernetesNamespace),
		clientset.CoreV1().Secrets(cfg.KubernetesNamespace),
		clusterCfg,
		log,
	)

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrap(err, "building GCS client")
	}
	defer gcsClient.Close()
	store := objectstore.NewGCSStore(gcsClient, cfg.GCBucketName)

	repo, err := repository.NewMongoRepository(cfg.MongoURL())
	if err != nil {
		return errors.Wrap(err, "connecting to database")
	}
	defer repo.Close()

	coord := coordinator.New(clusterAdapter, store, repo, log)

	pool := dispatcher.New(dispatcherWorkers, dispatcherQueueDepth, coord.Provision, log)
	defer pool.Close()

	recon := reconciler.New(clusterAdapter, repo, coord, store, log, cfg.JobSynchronizationInterval, reconcilerGraceTicks)

	reconcilerCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()
	go recon.Run(reconcilerCtx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	apiFacade := api.New(&api.Config{
		Repository:  repo,
		Coordinator: coord,
		Dispatcher:  pool,
		Log:         log,
	})
	apiFacade.Register(engine)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler: engine,
	}

	serverErrs := make(chan error, 1)
	go func() {
		log.Info("serving", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		return errors.Wrap(err, "serving HTTP")
	case <-sigCh:
		log.Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildKubernetesConfig(cfg config.Config) (*rest.Config, error) {
	if cfg.KubernetesAPIURL == "" {
		return rest.InClusterConfig()
	}
	conf, err := clientcmd.BuildConfigFromFlags(cfg.KubernetesAPIURL, "")
	if err != nil {
		return nil, err
	}
	conf.BearerToken = cfg.KubernetesAPIKey
	return conf, nil
}

func readGCSCredentials(path string, log *zap.Logger) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("failed to read GCS credentials file", zap.String("path", path), zap.Error(err))
		return nil
	}
	return data
}
