package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/prover"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/kysee/velo-zk/zk-mixer/verifier"
	"github.com/spf13/cobra"
)

func ProveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prove <backup>",
		Short: "Generate a withdrawal proof for a deposited note",
		Long: "Reads the note's Merkle path from the devnet ledger and proves a withdrawal bound to\n" +
			"the given recipient, relayer, fee and refund. The proof and its public signals are\n" +
			"written as JSON, ready to be submitted to a relayer as a proof spend.",
		Args: cobra.ExactArgs(1),
		RunE: runProve,
	}
	cmd.Flags().String("recipient", "", "recipient public key (base58)")
	cmd.Flags().String("relayer", "", "relayer public key (base58)")
	cmd.Flags().String("fee", "0", "relayer fee in SOL")
	cmd.Flags().String("refund", "0", "refund in SOL")
	cmd.Flags().StringP("out", "o", "", "write the proof here instead of stdout")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("relayer")
	return cmd
}

func publicKeyFlag(cmd *cobra.Command, name string) (types.PublicKey, error) {
	s, _ := cmd.Flags().GetString(name)
	pk, err := types.ParsePublicKey(s)
	if err != nil {
		return pk, fmt.Errorf("--%s: %w", name, err)
	}
	return pk, nil
}

func solFlag(cmd *cobra.Command, name string) (uint64, error) {
	s, _ := cmd.Flags().GetString(name)
	v, err := pool.ParseSol(s)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}

func runProve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	note, err := types.ParseNoteBackup(args[0])
	if err != nil {
		return err
	}
	in := &prover.WithdrawInput{Note: note}
	if in.Recipient, err = publicKeyFlag(cmd, "recipient"); err != nil {
		return err
	}
	if in.Relayer, err = publicKeyFlag(cmd, "relayer"); err != nil {
		return err
	}
	if in.Fee, err = solFlag(cmd, "fee"); err != nil {
		return err
	}
	if in.Refund, err = solFlag(cmd, "refund"); err != nil {
		return err
	}

	p, _, err := loadProver()
	if err != nil {
		return err
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	leaf, ok, err := l.LeafIndex(ctx, note.Denomination, note.Commitment())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: commitment %s is not in the %s SOL pool",
			types.ErrMalformedNote, note.Commitment(), pool.FormatSol(note.Denomination))
	}
	if in.Path, err = l.PathFor(ctx, note.Denomination, leaf); err != nil {
		return err
	}

	proof, err := p.ProveWithdraw(in)
	if err != nil {
		return err
	}
	bz, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		return err
	}
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		return os.WriteFile(out, bz, 0o644)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bz))
	return err
}

func VerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <proof.json|->",
		Short: "Verify a withdrawal proof against the verifying key in pipeline.dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bz, err := readFile(args[0])
			if err != nil {
				return err
			}
			var proof types.WithdrawProof
			if err := json.Unmarshal(bz, &proof); err != nil {
				return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
			}
			v, err := verifier.Load(vkPath())
			if err != nil {
				return err
			}
			if err := v.Verify(&proof); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid %s proof for nullifier hash %s\n", proof.Backend, proof.Signals.NullifierHash)
			return nil
		},
	}
}
