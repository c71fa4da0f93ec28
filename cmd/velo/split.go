package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/relayer"
	"github.com/kysee/velo-zk/zk-mixer/splitter"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/kysee/velo-zk/zk-mixer/wallet"
	"github.com/spf13/cobra"
)

func SplitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Withdraw an amount as delayed fixed-denomination parts",
	}
	cmd.PersistentFlags().String("notes", "", "notes file (default split.notes_file)")
	cmd.PersistentFlags().Bool("reject-remainder", false, "fail when the amount is not a sum of denominations")

	plan := &cobra.Command{
		Use:   "plan <amount>",
		Short: "Show how an amount would be split and scheduled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPlan(cmd, args[0])
			if err != nil {
				return err
			}
			if err := printPlan(cmd, p); err != nil {
				return err
			}
			k, err := wallet.Load(notesPath(cmd))
			if err != nil {
				return err
			}
			if err := k.Covers(p); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "warning:", err)
			}
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run <amount>",
		Short: "Plan and execute a split through the relayer",
		Long: "Spends kept notes through the relayer, one part per scheduled delay. Interrupting the\n" +
			"run leaves the remaining parts unsent; a failed part stops the run and the parts that\n" +
			"already completed stay spent.",
		Args: cobra.ExactArgs(1),
		RunE: runSplit,
	}
	run.Flags().String("recipient", "", "recipient public key (base58)")
	run.Flags().String("stealth-meta", "", "pay each part to a fresh stealth address of this meta-address")
	run.Flags().String("url", "", "relayer URL (default relayer.url)")

	cmd.AddCommand(plan, run)
	return cmd
}

func newPlan(cmd *cobra.Command, amount string) (*splitter.SplitPlan, error) {
	lamports, err := pool.ParseSol(amount)
	if err != nil {
		return nil, err
	}
	denoms, err := pool.Parse(rt.cfg.Relayer.Pools)
	if err != nil {
		return nil, err
	}
	opts := rt.cfg.SplitOptions()
	if reject, _ := cmd.Flags().GetBool("reject-remainder"); reject {
		opts.RejectRemainder = true
	}
	return splitter.Plan(lamports, denoms, opts)
}

func printPlan(cmd *cobra.Command, p *splitter.SplitPlan) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "plan %s: %s SOL in %d parts over ~%s\n",
		p.ID, pool.FormatSol(p.Total), len(p.Parts), p.EstimatedDuration.Round(time.Second))
	if p.Remainder > 0 {
		fmt.Fprintf(out, "remainder %s SOL stays unsent\n", pool.FormatSol(p.Remainder))
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tPOOL\tAT")
	for _, part := range p.Parts {
		fmt.Fprintf(w, "%d\t%s\t+%s\n", part.Order, pool.FormatSol(part.Denomination), part.Delay.Round(time.Second))
	}
	return w.Flush()
}

func printStatus(cmd *cobra.Command, exec *splitter.Execution) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tPOOL\tSTATE\tSIGNATURE")
	for _, s := range exec.Status() {
		sig := "-"
		if s.State == splitter.Succeeded {
			sig = s.Signature.String()
		} else if s.Err != nil {
			sig = s.Err.Error()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Order, pool.FormatSol(s.Denomination), s.State, sig)
	}
	return w.Flush()
}

func runSplit(cmd *cobra.Command, args []string) error {
	meta, _ := cmd.Flags().GetString("stealth-meta")
	var recipient types.PublicKey
	if meta == "" {
		var err error
		if recipient, err = publicKeyFlag(cmd, "recipient"); err != nil {
			return err
		}
	}

	p, err := newPlan(cmd, args[0])
	if err != nil {
		return err
	}
	path := notesPath(cmd)
	k, err := wallet.Load(path)
	if err != nil {
		return err
	}
	if err := k.Covers(p); err != nil {
		return err
	}
	if err := printPlan(cmd, p); err != nil {
		return err
	}

	sender := &wallet.Sender{
		Keeper:      k,
		Client:      newClient(cmd),
		Recipient:   recipient,
		StealthMeta: meta,
		Logger:      rt.logger,
		OnSent: func(*types.Note, *relayer.RelayResponse) {
			if err := k.Save(path); err != nil {
				rt.logger.Error().Err(err).Str("file", path).Msg("failed to save notes")
			}
		},
	}
	exec := splitter.NewExecution(p, nil, rt.logger)
	runErr := exec.Run(cmd.Context(), sender.Send)

	// spent flags must reach disk whatever happened
	if err := k.Save(path); err != nil {
		rt.logger.Error().Err(err).Str("file", path).Msg("failed to save notes")
		if runErr == nil {
			runErr = err
		}
	}
	if err := printStatus(cmd, exec); err != nil {
		return err
	}
	return runErr
}
