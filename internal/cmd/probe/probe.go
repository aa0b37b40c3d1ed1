// Package probe implements the "probe" fshostctl command, which reports how fshost would classify a
// block device without mounting anything.
package probe

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/thinkparq/fshost/internal/cmdfmt"
	"github.com/thinkparq/fshost/pkg/block"
)

type probe_Config struct {
	DeviceDir string
	JSON      bool
}

// OpenerFunc returns the opener used for devices found in devDir.
type OpenerFunc func(devDir string) block.Opener

func NewCmd(newOpener OpenerFunc, sniffer block.Sniffer) *cobra.Command {
	cfg := probe_Config{}
	cmd := &cobra.Command{
		Use:   "probe <device>...",
		Short: "Detect the format, partition type and mount role of block devices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.OutOrStdout(), newOpener(cfg.DeviceDir), sniffer, args, cfg.JSON)
		},
	}
	cmd.Flags().StringVar(&cfg.DeviceDir, "device-dir", "/dev/block", "Directory the device names are relative to.")
	cmd.Flags().BoolVar(&cfg.JSON, "json", false, "Print output as JSON.")
	return cmd
}

func runProbe(w io.Writer, opener block.Opener, sniffer block.Sniffer, names []string, asJSON bool) error {
	p := cmdfmt.NewPrinter(asJSON, "device", "format", "type_guid", "role", "removable", "size")
	var errs []error
	for _, name := range names {
		row, err := probeDevice(opener, sniffer, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		p.AppendRow(row)
	}
	if _, err := fmt.Fprintln(w, p.Render()); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func probeDevice(opener block.Opener, sniffer block.Sniffer, name string) (table.Row, error) {
	dev, err := opener.Open(name)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	info, err := dev.Info()
	if err != nil {
		return nil, err
	}
	format := sniffer.DetectFormat(dev)
	guid, err := dev.TypeGUID()
	if err != nil && !errors.Is(err, block.ErrNoTypeGUID) {
		return nil, err
	}
	role := block.RoleFor(format, guid)
	if info.BootPart {
		role = block.RoleBootPart
	}
	guidStr := "-"
	if guid != uuid.Nil {
		guidStr = guid.String()
	}
	return table.Row{dev.Path(), format.String(), guidStr, role.String(), info.Removable,
		uint64(info.BlockSize) * info.BlockCount}, nil
}
