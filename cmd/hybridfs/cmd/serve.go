package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/hybridfs/internal/logging"
	"github.com/aweris/hybridfs/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve branches over HTTP",
	Long:  "Serve branch content over HTTP. The branch and repo come from the query string,\nthe X-Branch/X-Repo headers or the branch/repo cookies.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default :8080)")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	gw, err := openGateway(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, cfg.Listen, server.Handler(gw))
}
