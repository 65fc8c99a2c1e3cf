package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/hybridguard/pkg/artifacts"
)

func newInspectCmd() *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "inspect [dir]",
		Short: "Print the manifest of an artifact bundle",
		Long: `Inspect prints the manifest of an artifact bundle: feature order, classes,
calibrated threshold and file checksums. With --verify every artifact is
loaded and checked against the manifest.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, _, err := setup()
				if err != nil {
					return err
				}
				dir = cfg.Model.Dir
			}
			return runInspect(dir, verify, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "load every artifact and verify checksums")

	return cmd
}

func runInspect(dir string, verify bool, w io.Writer) error {
	m, err := artifacts.ReadManifest(dir)
	if err != nil {
		return err
	}

	if verify {
		bundle, err := artifacts.Load(dir)
		if err != nil {
			return err
		}
		m = bundle.Manifest
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if verify {
		fmt.Fprintln(w, "# all artifacts verified")
	}
	return nil
}
