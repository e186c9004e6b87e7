package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/hybridfs"
	"github.com/aweris/hybridfs/internal/config"
	"github.com/aweris/hybridfs/internal/logging"
	"github.com/aweris/hybridfs/internal/network"
)

var rootCmd = &cobra.Command{
	Use:   "hybridfs",
	Short: "Branch-aware content server with a content-addressed fallback",
	Long: "Serve files from the branches of a git repository, falling back to an IPFS node\n" +
		"or an OCI registry for content the branch declares in its manifest.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/hybridfs/config.yaml)")
	flags.String("repository", "", "git repository holding the branches")
	flags.String("cache-dir", "", "cache directory (default: ~/.cache/hybridfs)")
	flags.String("network", "", "content network backend: kubo, cli, oci or none")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("repository", flags.Lookup("repository"))
	viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	viper.BindPFlag("network.backend", flags.Lookup("network"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(config.ConfigDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.SetDefaults(viper.GetViper())

	viper.ReadInConfig()
}

// loadConfig decodes the merged configuration and starts logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

// openGateway builds a Gateway from cfg.
func openGateway(cfg *config.Config) (*hybridfs.Gateway, error) {
	if cfg.Repository == "" {
		return nil, fmt.Errorf("no repository configured: use --repository or %s_REPOSITORY", config.EnvPrefix)
	}

	opts := []hybridfs.Option{
		hybridfs.WithRepository(cfg.Repository),
		hybridfs.WithCacheDir(cfg.CacheDir),
		hybridfs.WithDefaultBranch(cfg.DefaultBranch),
		hybridfs.WithDefaultRepo(cfg.DefaultRepo),
		hybridfs.WithManifestName(cfg.Manifest),
		hybridfs.WithTimeout(cfg.Timeout),
		hybridfs.WithPollInterval(cfg.PollInterval),
		hybridfs.WithMaxFetchDuration(cfg.MaxFetchDuration),
		hybridfs.WithLogger(logging.L()),
	}
	if fetcher, listers := newNetwork(cfg); fetcher != nil {
		opts = append(opts, hybridfs.WithNetwork(fetcher, listers...))
	}
	return hybridfs.New(opts...)
}

// newNetwork returns the configured backend. Listers are ordered with the
// structured listing first.
func newNetwork(cfg *config.Config) (network.Fetcher, []network.Lister) {
	n := cfg.Network
	switch n.Backend {
	case config.BackendKubo:
		kubo := network.NewKubo(n.KuboAPI, nil)
		cli := network.NewCLI(network.ExecRunner{Binary: n.IPFSBinary})
		return kubo, []network.Lister{kubo, cli}
	case config.BackendCLI:
		cli := network.NewCLI(network.ExecRunner{Binary: n.IPFSBinary})
		return cli, []network.Lister{cli.Structured(), cli}
	case config.BackendOCI:
		oci := newOCI(n)
		return oci, []network.Lister{oci}
	}
	return nil, nil
}

func newOCI(n config.Network) *network.OCI {
	var auth network.Authenticator
	if n.Username != "" {
		auth = network.StaticAuthenticator{Username: n.Username, Password: n.Password}
	}
	return network.NewOCI(
		network.WithAuth(auth),
		network.WithConcurrency(n.Concurrency),
		network.WithLogger(logging.L().Named("oci")),
	)
}

// scopeFlags adds --branch and --repo to cmd.
func scopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("branch", "b", "", "branch to read (default: configured default branch)")
	cmd.Flags().StringP("repo", "r", "", "repo directory inside the branch")
}

func scopeRequest(cmd *cobra.Command) hybridfs.ScopeRequest {
	branch, _ := cmd.Flags().GetString("branch")
	repo, _ := cmd.Flags().GetString("repo")
	return hybridfs.ScopeRequest{Branches: []string{branch}, Repos: []string{repo}}
}
