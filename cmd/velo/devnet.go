package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/kysee/velo-zk/common"
	"github.com/kysee/velo-zk/zk-mixer/node"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/splitter"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/kysee/velo-zk/zk-mixer/wallet"
	"github.com/spf13/cobra"
)

// DevnetCmd drives the local ledger. It opens the ledger files directly, so a
// running relayer must be stopped first.
func DevnetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Local ledger for development",
	}
	cmd.PersistentFlags().String("key", "depositor.key", "depositor key file, created if missing")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the configured pools, register the relayer and fund both keys",
		Args:  cobra.NoArgs,
		RunE:  devnetInit,
	}
	initCmd.Flags().String("airdrop", "100", "SOL credited to the depositor")
	initCmd.Flags().String("relayer-airdrop", "1", "SOL credited to the relayer")

	deposit := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Deposit notes covering an amount and keep them in the notes file",
		Args:  cobra.ExactArgs(1),
		RunE:  devnetDeposit,
	}
	deposit.Flags().String("notes", "", "notes file (default split.notes_file)")

	pools := &cobra.Command{
		Use:   "pool",
		Short: "Show every initialized pool",
		Args:  cobra.NoArgs,
		RunE:  devnetPools,
	}

	airdrop := &cobra.Command{
		Use:   "airdrop <pubkey> <amount>",
		Short: "Credit SOL to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := types.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			amount, err := pool.ParseSol(args[1])
			if err != nil {
				return err
			}
			return withLedger(func(l *node.Ledger) error {
				return l.Airdrop(cmd.Context(), pk, amount)
			})
		},
	}

	balance := &cobra.Command{
		Use:   "balance <pubkey>",
		Short: "Print an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := types.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			return withLedger(func(l *node.Ledger) error {
				bal, err := l.Balance(cmd.Context(), pk)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s SOL\n", pool.FormatSol(bal))
				return nil
			})
		},
	}

	cmd.AddCommand(initCmd, deposit, pools, airdrop, balance, decoyCmd())
	return cmd
}

// decoyCmd signs with the --key account, which must be the pool authority.
func decoyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decoy",
		Short: "Move pool funds through decoy vaults",
	}

	initCmd := &cobra.Command{
		Use:   "init <pool> <vaults>",
		Short: "Enable the decoy system of a pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := pool.ParseSol(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.ParseUint(args[1], 10, 8)
			if err != nil {
				return err
			}
			return withDecoy(cmd, func(l *node.Ledger, kp *types.KeyPair) error {
				dc, err := l.InitDecoySystem(cmd.Context(), kp, d, uint8(n))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d decoy vaults for %s SOL pool\n", dc.NumDecoyVaults, pool.FormatSol(d))
				return nil
			})
		},
	}

	shuffle := &cobra.Command{
		Use:   "shuffle <pool> <index> <amount>",
		Short: "Move an amount between the vault and a decoy vault",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := pool.ParseSol(args[0])
			if err != nil {
				return err
			}
			idx, err := strconv.ParseUint(args[1], 10, 8)
			if err != nil {
				return err
			}
			amount, err := pool.ParseSol(args[2])
			if err != nil {
				return err
			}
			back, _ := cmd.Flags().GetBool("back")
			return withDecoy(cmd, func(l *node.Ledger, kp *types.KeyPair) error {
				_, err := l.Shuffle(cmd.Context(), kp, d, uint8(idx), amount, !back)
				return err
			})
		},
	}
	shuffle.Flags().Bool("back", false, "move from the decoy vault into the vault")

	deposit := &cobra.Command{
		Use:   "deposit <pool>",
		Short: "Move one denomination from decoy vault 0 into the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := pool.ParseSol(args[0])
			if err != nil {
				return err
			}
			fake, err := types.GenerateNote(d)
			if err != nil {
				return err
			}
			return withDecoy(cmd, func(l *node.Ledger, kp *types.KeyPair) error {
				_, err := l.DecoyDeposit(cmd.Context(), kp, d, fake.Commitment())
				return err
			})
		},
	}

	withdraw := &cobra.Command{
		Use:   "withdraw <pool>",
		Short: "Move one denomination from the vault into decoy vault 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := pool.ParseSol(args[0])
			if err != nil {
				return err
			}
			return withDecoy(cmd, func(l *node.Ledger, kp *types.KeyPair) error {
				_, err := l.DecoyWithdraw(cmd.Context(), kp, d)
				return err
			})
		},
	}

	cmd.AddCommand(initCmd, shuffle, deposit, withdraw)
	return cmd
}

func withDecoy(cmd *cobra.Command, fn func(l *node.Ledger, kp *types.KeyPair) error) error {
	kp, err := depositorKey(cmd)
	if err != nil {
		return err
	}
	return withLedger(func(l *node.Ledger) error { return fn(l, kp) })
}

func withLedger(fn func(l *node.Ledger) error) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

func depositorKey(cmd *cobra.Command) (*types.KeyPair, error) {
	path, _ := cmd.Flags().GetString("key")
	kp, created, err := common.LoadOrCreateKeyPair(path)
	if err != nil {
		return nil, err
	}
	if created {
		rt.logger.Info().Str("file", path).Str("pubkey", kp.PublicKey().String()).Msg("generated depositor key")
	}
	return kp, nil
}

func devnetInit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	denoms, err := pool.Parse(rt.cfg.Relayer.Pools)
	if err != nil {
		return err
	}
	user, err := depositorKey(cmd)
	if err != nil {
		return err
	}
	rel, _, err := common.LoadOrCreateKeyPair(rt.cfg.Relayer.KeyFile)
	if err != nil {
		return err
	}
	userFunds, err := solFlag(cmd, "airdrop")
	if err != nil {
		return err
	}
	relayerFunds, err := solFlag(cmd, "relayer-airdrop")
	if err != nil {
		return err
	}

	return withLedger(func(l *node.Ledger) error {
		for _, d := range denoms {
			_, err := l.InitializePool(ctx, user, d)
			switch {
			case err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "initialized %s SOL pool\n", pool.FormatSol(d))
			case errors.Is(err, node.ErrPoolExists):
			default:
				return err
			}
		}
		if _, err := l.RegisterRelayer(ctx, rel); err != nil {
			return err
		}
		if err := l.Airdrop(ctx, user.PublicKey(), userFunds); err != nil {
			return err
		}
		if err := l.Airdrop(ctx, rel.PublicKey(), relayerFunds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "depositor %s\nrelayer   %s\n", user.PublicKey(), rel.PublicKey())
		return nil
	})
}

func devnetDeposit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	amount, err := pool.ParseSol(args[0])
	if err != nil {
		return err
	}
	denoms, err := pool.Parse(rt.cfg.Relayer.Pools)
	if err != nil {
		return err
	}
	user, err := depositorKey(cmd)
	if err != nil {
		return err
	}
	path := notesPath(cmd)
	k, err := wallet.Load(path)
	if err != nil {
		return err
	}

	parts, rest := splitter.Decompose(amount, denoms)
	if len(parts) == 0 {
		return fmt.Errorf("%s SOL is below the smallest pool", pool.FormatSol(amount))
	}
	err = withLedger(func(l *node.Ledger) error {
		for _, d := range parts {
			note, err := types.GenerateNote(d)
			if err != nil {
				return err
			}
			idx, err := l.Deposit(ctx, user, d, note.Commitment())
			if err != nil {
				return err
			}
			note.SetDeposited(idx)
			if err := k.Add(note); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deposited %s SOL at leaf %d\n", pool.FormatSol(d), idx)
		}
		return nil
	})
	// notes already on the ledger are kept even if a later deposit failed
	if serr := k.Save(path); serr != nil && err == nil {
		err = serr
	}
	if rest > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s SOL not deposited\n", pool.FormatSol(rest))
	}
	return err
}

func devnetPools(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	return withLedger(func(l *node.Ledger) error {
		denoms, err := l.Pools(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "POOL\tDEPOSITS\tNEXT\tVAULT\tPOOL ACCOUNT")
		for _, d := range denoms {
			st, err := l.Pool(ctx, d)
			if err != nil {
				return err
			}
			vault, err := l.VaultBalance(ctx, d)
			if err != nil {
				return err
			}
			addrs, err := l.Addresses(d)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
				pool.FormatSol(d), st.TotalDeposits, st.NextIndex, pool.FormatSol(vault), addrs.Pool)
		}
		return w.Flush()
	})
}
