// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"path"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nixprov/nixprov/internal/nixos"
	"github.com/nixprov/nixprov/internal/ui"
)

type renderFlags struct {
	provisionerFlags

	fragments []string
}

func newRenderCommand(app *App) *cobra.Command {
	var flags renderFlags

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the generated files without contacting a guest",
		Long: `Print the generated files without contacting a guest.

Shows the provision module, the aggregator module and the rebuild command
that 'nixprov provision' would use. The aggregator imports the provision
module after every --fragment given, in flag order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRender(cmd.Context(), app, cmd.Flags(), &flags)
		},
	}

	flags.provisionerFlags.register(cmd.Flags())
	cmd.Flags().StringArrayVar(&flags.fragments, "fragment", nil, "additional fragment path to import (repeatable)")

	return cmd
}

func runRender(ctx context.Context, app *App, fs *pflag.FlagSet, flags *renderFlags) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	flags.apply(fs, &cfg.Provisioner)
	pc := nixosConfig(cfg.Provisioner)

	provision, err := nixos.ComposeProvisionFile(pc.Input, nil)
	if err != nil {
		return classifyProvisionError(err, "")
	}

	provisionPath := path.Join(nixos.DefaultConfigDir, nixos.ProvisionFileName)
	fragments := slices.Clone(flags.fragments)
	if !slices.Contains(fragments, provisionPath) {
		fragments = append(fragments, provisionPath)
	}
	aggregator := nixos.ComposeAggregatorFile(fragments, pc.NixPath)

	renderFiles(app.out(cfg), []nixos.ConfigFile{provision, aggregator}, nixos.RebuildCommand(pc.Include, pc.NixPath))
	return nil
}

func renderFiles(out ui.Sink, files []nixos.ConfigFile, rebuild string) {
	for _, f := range files {
		out.Info(path.Join(nixos.DefaultConfigDir, f.Name), ui.Options{NewLine: true, Prefix: true, Style: ui.StyleTitle})
		out.Info(f.Content(), ui.Options{NewLine: true})
		out.Info("", ui.Options{NewLine: true})
	}
	out.Info("rebuild command", ui.Options{NewLine: true, Prefix: true, Style: ui.StyleTitle})
	out.Info(rebuild, ui.Options{NewLine: true})
}

