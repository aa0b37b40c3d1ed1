// Package manifest implements the "manifest" fshostctl commands.
package manifest

import (
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/thinkparq/fshost/internal/cmdfmt"
	"github.com/thinkparq/fshost/pkg/bootcfg"
	"github.com/thinkparq/fshost/pkg/manifest"
)

type manifest_Config struct {
	BootConfig string
	File       string
	BlobDir    string
	JSON       bool
}

var ErrVerifyFailed = errors.New("manifest verification failed")

// NewCmd returns the "manifest" command with its list and verify subcommands.
func NewCmd(fs afero.Fs) *cobra.Command {
	cfg := &manifest_Config{}
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the blob manifest handed to the package filesystem",
	}
	cmd.PersistentFlags().StringVar(&cfg.BootConfig, "boot-config", "/boot/config/fshost",
		"Boot configuration holding system.pkgfs.file.<path>=<blob> entries.")
	cmd.PersistentFlags().StringVar(&cfg.File, "file", "",
		"Read the manifest from a YAML file instead of the boot configuration.")
	cmd.PersistentFlags().BoolVar(&cfg.JSON, "json", false, "Print output as JSON.")

	list := &cobra.Command{
		Use:   "list",
		Short: "List manifest entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := load(fs, cfg)
			if err != nil {
				return err
			}
			return runList(cmd.OutOrStdout(), m, cfg.JSON)
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check every manifest entry against the blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := load(fs, cfg)
			if err != nil {
				return err
			}
			return runVerify(cmd.OutOrStdout(), m, afero.NewBasePathFs(fs, cfg.BlobDir), cfg.JSON)
		},
	}
	verify.Flags().StringVar(&cfg.BlobDir, "blob-dir", "/fs/blob", "Directory where blobfs is mounted.")

	cmd.AddCommand(list, verify)
	return cmd
}

func load(fs afero.Fs, cfg *manifest_Config) (manifest.Manifest, error) {
	if cfg.File != "" {
		return manifest.FromDisk(fs, cfg.File)
	}
	boot, err := bootcfg.FromDisk(fs, cfg.BootConfig)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return manifest.FromBootConfig(boot)
}

func runList(w io.Writer, m manifest.Manifest, asJSON bool) error {
	p := cmdfmt.NewPrinter(asJSON, "path", "blob")
	for _, e := range m.Entries() {
		p.AppendRow(table.Row{e.Path, e.BlobID})
	}
	_, err := fmt.Fprintln(w, p.Render())
	return err
}

func runVerify(w io.Writer, m manifest.Manifest, blobs afero.Fs, asJSON bool) error {
	p := cmdfmt.NewPrinter(asJSON, "path", "blob", "status", "sha256")
	failed := 0
	for _, e := range m.Entries() {
		status := "ok"
		check := "-"
		if err := manifest.VerifyEntry(blobs, e); err != nil {
			status = err.Error()
			failed++
		} else {
			check = checkDigest(blobs, e)
		}
		p.AppendRow(table.Row{e.Path, e.BlobID, status, check})
	}
	if _, err := fmt.Fprintln(w, p.Render()); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d entries", ErrVerifyFailed, failed, m.Len())
	}
	return nil
}

// checkDigest compares the blob contents with its id when the id looks like a hex SHA-256 digest.
// Blob stores name blobs by their own hash (blobfs uses a merkle root), so a mismatch is reported
// but never fails verification.
func checkDigest(blobs afero.Fs, e manifest.Entry) string {
	if digest.SHA256.Validate(e.BlobID) != nil {
		return "-"
	}
	f, err := blobs.Open(e.BlobID)
	if err != nil {
		return err.Error()
	}
	defer f.Close()
	actual, err := digest.SHA256.FromReader(f)
	if err != nil {
		return err.Error()
	}
	if actual.Encoded() != e.BlobID {
		return "mismatch: " + actual.Encoded()
	}
	return "match"
}
