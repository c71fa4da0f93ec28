package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kysee/velo-zk/common"
	"github.com/kysee/velo-zk/zk-mixer/node"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/kysee/velo-zk/zk-mixer/verifier"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

// env is what every command shares after the root pre-run.
type env struct {
	cfgFile string
	cfg     *common.Config
	logger  zerolog.Logger
	closer  io.Closer
}

var rt = &env{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := RootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "velo",
		Short:             "Fixed-denomination anonymity pools with relayed withdrawals",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadEnv,
		PersistentPostRun: func(*cobra.Command, []string) {
			if rt.closer != nil {
				_ = rt.closer.Close()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&rt.cfgFile, "config", "c", "velo.toml", "config file; defaults are used when it does not exist")
	cmd.PersistentFlags().String("log-level", "", "override log.level")

	cmd.AddCommand(
		ConfigCmd(),
		SetupCmd(),
		NoteCmd(),
		ProveCmd(),
		VerifyCmd(),
		RelayerCmd(),
		FeeCmd(),
		SplitCmd(),
		DevnetCmd(),
	)
	return cmd
}

func loadEnv(cmd *cobra.Command, _ []string) error {
	cfg, err := common.Load(rt.cfgFile)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = common.Default(), nil
	}
	if err != nil {
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, closer, err := common.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	rt.cfg, rt.logger, rt.closer = cfg, logger, closer
	return nil
}

func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rt.cfgFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := common.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd, rt.cfg)
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func vkPath() string {
	return filepath.Join(rt.cfg.Pipeline.Dir, setup.VerifyingKeyFile)
}

// loadVerifier returns nil when no verification key has been generated yet.
func loadVerifier() (*verifier.Verifier, error) {
	v, err := verifier.Load(vkPath())
	if errors.Is(err, types.ErrArtifactMissing) {
		return nil, nil
	}
	return v, err
}

// openLedger opens the devnet ledger. Proof-carrying withdrawals are rejected
// unless a verification key is available.
func openLedger() (*node.Ledger, error) {
	nc, err := rt.cfg.NodeConfig()
	if err != nil {
		return nil, err
	}
	v, err := loadVerifier()
	if err != nil {
		return nil, err
	}
	var pv node.ProofVerifier
	if v != nil {
		pv = v
	}
	return node.Open(nc, pv, rt.logger)
}
