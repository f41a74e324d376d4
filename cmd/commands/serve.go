package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshledger/handlers"
	"meshledger/logger"
	"meshledger/node"
	"meshledger/router"
	"meshledger/routers"
	"meshledger/transport/ws"
)

// serve: run the node, its HTTP API and its WebSocket links.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a mesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers := make(map[router.NeighborID]string, len(cfg.Transport.Peers))
			for _, p := range cfg.Transport.Peers {
				peerName, url, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("transport.peers entry %q is not name=url", p)
				}
				peers[router.NeighborID(peerName)] = url
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Logger.Info("Starting mesh node...")

			n, err := node.New(cfg, node.Options{})
			if err != nil {
				return err
			}
			defer n.Close()

			name := router.NeighborID(cfg.Transport.Name)
			if name == "" {
				name = router.NeighborID(n.ID().String())
			}
			link := ws.NewLink(name, cfg.Transport.WriteTimeout)
			link.SetReceiver(n.Router)
			n.Router.SetTransport(link)
			defer link.Close()

			r := mux.NewRouter()
			routers.RegisterRoutes(r, handlers.NewHandler(n), link.HandleLink())
			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
				Handler: r,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := n.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Logger.Info("Shutdown signal received, exiting...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			for peerName, url := range peers {
				g.Go(func() error {
					if err := link.Dial(gctx, peerName, url); err != nil {
						logger.Logger.Warn("Failed to link peer", zap.String("peer", string(peerName)), zap.Error(err))
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
}
