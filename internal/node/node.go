package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"geoconflict/internal/storage"
)

// DefaultHealthInterval is how often region availability is published to the
// health service.
const DefaultHealthInterval = 100 * time.Millisecond

// Node serves one simulated account over gRPC.
type Node struct {
	listenAddr     string
	account        *storage.Account
	logger         *log.Logger
	healthInterval time.Duration

	grpcServer *grpc.Server
	health     *health.Server

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewNode creates a node for account listening on listenAddr.
func NewNode(listenAddr string, account *storage.Account, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		listenAddr:     listenAddr,
		account:        account,
		logger:         logger,
		healthInterval: DefaultHealthInterval,
		health:         health.NewServer(),
		stop:           make(chan struct{}),
	}

	n.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	RegisterRegionServer(n.grpcServer, NewServer(account, logger))
	healthpb.RegisterHealthServer(n.grpcServer, n.health)

	// Enable gRPC reflection for grpcurl
	reflection.Register(n.grpcServer)
	return n
}

// Start listens on the configured address and serves until Stop.
func (n *Node) Start() error {
	lis, err := net.Listen("tcp", n.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.listenAddr, err)
	}
	return n.Serve(lis)
}

// Serve serves on lis until Stop.
func (n *Node) Serve(lis net.Listener) error {
	select {
	case <-n.stop:
		_ = lis.Close()
		return nil
	default:
	}
	n.publishHealth()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watchHealth()
	}()

	n.logger.Printf("[node] Serving regions %v on %s", regionNames(n.account), lis.Addr())
	if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the node.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Printf("[node] Stopping")
		close(n.stop)
		n.health.Shutdown()
		n.grpcServer.GracefulStop()
		n.wg.Wait()
	})
}

// watchHealth keeps the health service in step with region availability, so
// clients can wait for provisioning through the standard health check.
func (n *Node) watchHealth() {
	ticker := time.NewTicker(n.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.publishHealth()
		}
	}
}

func (n *Node) publishHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), n.healthInterval)
	defer cancel()

	serving := healthpb.HealthCheckResponse_SERVING
	for _, r := range n.account.Regions() {
		status := healthpb.HealthCheckResponse_SERVING
		if err := r.Ping(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			serving = healthpb.HealthCheckResponse_NOT_SERVING
		}
		n.health.SetServingStatus(r.Region(), status)
	}
	n.health.SetServingStatus("", serving)
}

func regionNames(a *storage.Account) []string {
	regions := a.Regions()
	out := make([]string, len(regions))
	for i, r := range regions {
		out[i] = r.Region()
	}
	return out
}
