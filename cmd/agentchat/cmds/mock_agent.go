package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentchat/pkg/agentmock"
)

func newMockAgentCommand(_ *app) *cobra.Command {
	var (
		addr         string
		fragmentSize int
	)
	cmd := &cobra.Command{
		Use:   "mock-agent",
		Short: "Serve an echo agent implementing the agent service endpoints",
		Long: "Serves the session, history, delete, create-session and chat endpoints with an\n" +
			"in-memory echo agent. Point --http-url at http://<addr> and --ws-url at ws://<addr>.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := agentmock.NewServer(agentmock.WithFragmentSize(fragmentSize))
			return serveMockAgent(cmd.Context(), addr, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "Listen address")
	cmd.Flags().IntVar(&fragmentSize, "fragment-size", 8, "Runes per streamed reply fragment")
	return cmd
}

func serveMockAgent(ctx context.Context, addr string, h http.Handler) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("starting mock agent")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("mock agent shutdown error")
			return err
		}
		log.Info().Msg("mock agent stopped")
		return nil
	})
	return eg.Wait()
}
