package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kysee/velo-zk/zk-mixer/prover"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/spf13/cobra"
)

func SetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Compile the withdraw circuit and generate or load its proving artifacts",
		Long: "Compiles the withdraw circuit for the configured backend and depth, then loads the\n" +
			"artifacts from pipeline.dir or runs the circuit setup when they are missing or stale.\n" +
			"PLONK needs a ceremony SRS in pipeline.dir unless --insecure-srs is given.",
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
	cmd.Flags().Bool("insecure-srs", false, "generate a local SRS when none is found (test setups only)")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	sc := rt.cfg.SetupConfig()
	if insecure, _ := cmd.Flags().GetBool("insecure-srs"); insecure {
		sc.InsecureSRS = true
	}
	a, err := setup.SetupOrLoad(sc, rt.logger)
	if err != nil {
		return err
	}
	vk := a.VerifyingKey
	fmt.Fprintf(cmd.OutOrStdout(), "backend:       %s\n", vk.Backend)
	fmt.Fprintf(cmd.OutOrStdout(), "depth:         %d\n", vk.Depth)
	fmt.Fprintf(cmd.OutOrStdout(), "public inputs: %d\n", vk.NbPublic)
	fmt.Fprintf(cmd.OutOrStdout(), "digest:        %s\n", vk.Digest)
	fmt.Fprintf(cmd.OutOrStdout(), "verifying key: %s\n", vkPath())
	return nil
}

// loadProver refuses to run a setup implicitly; proving keys come from `velo setup`.
func loadProver() (*prover.Prover, *setup.Artifacts, error) {
	a, err := setup.Load(rt.cfg.SetupConfig())
	if errors.Is(err, types.ErrArtifactMissing) {
		return nil, nil, fmt.Errorf("%w: run `velo setup` first", err)
	}
	if err != nil {
		return nil, nil, err
	}
	return prover.New(a, rt.logger), a, nil
}

func readFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
