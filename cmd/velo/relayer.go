package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/kysee/velo-zk/common"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/prover"
	"github.com/kysee/velo-zk/zk-mixer/relayer"
	"github.com/kysee/velo-zk/zk-mixer/verifier"
	"github.com/spf13/cobra"
)

func RelayerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayer",
		Short: "Run or query a withdrawal relayer",
	}
	cmd.PersistentFlags().String("url", "", "relayer URL (default relayer.url)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve relay requests against the devnet ledger",
		Long: "Serves the relayer HTTP API. In prove mode the relayer generates proofs for note\n" +
			"spends and needs the artifacts from `velo setup`; in test mode it spends notes\n" +
			"without proofs, which only a ledger with allow_test_withdraw accepts.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	serve.Flags().String("listen", "", "listen address (default relayer.listen)")
	serve.Flags().String("mode", "", "prove or test (default relayer.mode)")

	info := &cobra.Command{
		Use:   "info",
		Short: "Print the relayer's public key, mode, fees and pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient(cmd).Info(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	pools := &cobra.Command{
		Use:   "pools",
		Short: "List pool roots and deposit counts through the relayer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := newClient(cmd).Pools(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "POOL\tDEPOSITS\tNEXT\tVAULT\tROOT")
			for _, p := range ps {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", p.PoolSize, p.TotalDeposits, p.NextIndex, p.Vault, p.Root)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(serve, info, pools)
	return cmd
}

// FeeCmd asks a relayer for its fee quote.
func FeeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fee <pool>",
		Short: "Ask the relayer what it charges for a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			denom, err := pool.ParseSol(args[0])
			if err != nil {
				return err
			}
			resp, err := newClient(cmd).EstimateFee(cmd.Context(), denom)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().String("url", "", "relayer URL (default relayer.url)")
	return cmd
}

func newClient(cmd *cobra.Command) *relayer.Client {
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		url = rt.cfg.Relayer.URL
	}
	return relayer.NewClient(url, rt.cfg.Relayer.Timeout.Duration)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if s, _ := cmd.Flags().GetString("listen"); s != "" {
		rt.cfg.Relayer.Listen = s
	}
	if s, _ := cmd.Flags().GetString("mode"); s != "" {
		rt.cfg.Relayer.Mode = s
	}
	rc, err := rt.cfg.RelayerConfig()
	if err != nil {
		return err
	}

	kp, created, err := common.LoadOrCreateKeyPair(rt.cfg.Relayer.KeyFile)
	if err != nil {
		return err
	}
	if created {
		rt.logger.Warn().Str("file", rt.cfg.Relayer.KeyFile).Msg("generated a new relayer key")
	}

	var (
		prv relayer.Prover
		vfy relayer.ProofVerifier
	)
	if rc.Mode == relayer.ModeProve {
		p, a, err := loadProver()
		if err != nil {
			return err
		}
		prv = prover.NewPool(p, rt.cfg.Pipeline.Workers, rt.logger)
		vfy = verifier.New(a.VerifyingKey)
	} else if v, err := loadVerifier(); err != nil {
		return err
	} else if v != nil {
		vfy = v
	}

	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	svc, err := relayer.NewService(rc, l, kp, prv, vfy, rt.logger)
	if err != nil {
		return err
	}
	rt.logger.Info().
		Str("relayer", kp.PublicKey().String()).
		Str("mode", string(rc.Mode)).
		Str("pools", rc.Pools.String()).
		Str("listen", rt.cfg.Relayer.Listen).
		Msg("starting relayer")
	return relayer.NewServer(rt.cfg.ServerConfig(version), svc, nil, rt.logger).ListenAndServe(cmd.Context())
}
