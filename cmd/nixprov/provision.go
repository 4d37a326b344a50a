// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nixprov/nixprov/internal/config"
	"github.com/nixprov/nixprov/internal/machine"
	"github.com/nixprov/nixprov/internal/nixos"
	"github.com/nixprov/nixprov/internal/ui"
	"github.com/nixprov/nixprov/internal/watch"
)

type (
	// provisionerFlags are shared by provision and render.
	provisionerFlags struct {
		inline     string
		path       string
		expression string
		include    bool
		nixPath    string
		verbose    bool
	}

	provisionFlags struct {
		provisionerFlags

		host           string
		port           int
		user           string
		identity       string
		local          bool
		machineFile    string
		hostname       string
		privateNetwork bool
		watch          bool
		watchPatterns  []string
	}
)

func newProvisionCommand(app *App) *cobra.Command {
	var flags provisionFlags

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Write the NixOS configuration to the guest and rebuild",
		Long: `Write the NixOS configuration to the guest and rebuild.

The provision module is built from --inline, --path or --expression, in
that order of precedence, and written to /etc/nixos/vagrant-provision.nix.
Every vagrant-*.nix fragment left in /etc/nixos is imported by the
generated /etc/nixos/vagrant.nix. Hostname and network fragments are
removed first when the machine has no hostname or private network.
Finally nixos-rebuild switch runs on the guest.

Flag values override the configuration file.

With --watch, nixprov stays running and provisions again whenever the
--path file, the machine file or a file matching --watch-pattern changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProvision(cmd.Context(), app, cmd.Flags(), &flags)
		},
	}

	flags.provisionerFlags.register(cmd.Flags())
	f := cmd.Flags()
	f.StringVar(&flags.host, "host", "", "guest address")
	f.IntVar(&flags.port, "port", config.DefaultSSHPort, "guest SSH port")
	f.StringVar(&flags.user, "user", config.DefaultUser, "guest user")
	f.StringVarP(&flags.identity, "identity", "i", "", "SSH private key file")
	f.BoolVar(&flags.local, "local", false, "provision the machine nixprov runs on")
	f.StringVar(&flags.machineFile, "machine-file", "", "TOML file with the machine's hostname and networks")
	f.StringVar(&flags.hostname, "hostname", "", "hostname configured for the machine")
	f.BoolVar(&flags.privateNetwork, "private-network", false, "the machine has a private network attachment")
	f.BoolVarP(&flags.watch, "watch", "w", false, "provision again when local inputs change")
	f.StringArrayVar(&flags.watchPatterns, "watch-pattern", nil, "extra glob to watch, such as 'nix/**/*.nix' (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("local", "host")

	return cmd
}

func (f *provisionerFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.inline, "inline", "", "Nix expression written verbatim")
	fs.StringVar(&f.path, "path", "", "local file whose content is written verbatim")
	fs.StringVar(&f.expression, "expression", "", "attribute set wrapped in a module with pkgs in scope")
	fs.BoolVar(&f.include, "include", false, "point nixos-config at the generated aggregator file")
	fs.StringVar(&f.nixPath, "nix-path", "", "entry prepended to NIX_PATH for the rebuild")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "show nixos-rebuild output")
}

// apply copies explicitly set flags over cfg.
func (f *provisionerFlags) apply(fs *pflag.FlagSet, cfg *config.ProvisionerConfig) {
	if fs.Changed("inline") {
		cfg.Inline = f.inline
	}
	if fs.Changed("path") {
		cfg.Path = f.path
	}
	if fs.Changed("expression") {
		cfg.Expression = f.expression
	}
	if fs.Changed("include") {
		cfg.Include = f.include
	}
	if fs.Changed("nix-path") {
		cfg.NixPath = f.nixPath
	}
	if fs.Changed("verbose") {
		cfg.Verbose = f.verbose
	}
}

func (f *provisionFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	f.provisionerFlags.apply(fs, &cfg.Provisioner)
	if fs.Changed("host") {
		cfg.Transport.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Transport.Port = f.port
	}
	if fs.Changed("user") {
		cfg.Transport.User = f.user
	}
	if fs.Changed("identity") {
		cfg.Transport.PrivateKey = f.identity
	}
	if f.local {
		cfg.Transport.Kind = config.TransportLocal
	}
	if fs.Changed("machine-file") {
		cfg.MachineFile = f.machineFile
	}
}

// nixosConfig maps the configuration onto the provisioner's input.
func nixosConfig(p config.ProvisionerConfig) nixos.Config {
	return nixos.Config{
		Input: nixos.Input{
			Inline:     p.Inline,
			Path:       p.Path,
			Expression: p.Expression,
		},
		Include: p.Include,
		NixPath: p.NixPath,
		Verbose: p.Verbose,
	}
}

// machineFacts loads the machine file, then applies --hostname and
// --private-network.
func machineFacts(fs *pflag.FlagSet, flags *provisionFlags, path string) (machine.Facts, error) {
	var facts machine.Facts
	if path != "" {
		var err error
		if facts, err = machine.Load(path); err != nil {
			return machine.Facts{}, err
		}
	}
	if fs.Changed("hostname") {
		facts.Hostname = flags.hostname
	}
	if flags.privateNetwork && !facts.HasPrivateNetwork() {
		facts.Networks = append(facts.Networks, machine.Network{Kind: machine.NetworkPrivate})
	}
	return facts, nil
}

func runProvision(ctx context.Context, app *App, fs *pflag.FlagSet, flags *provisionFlags) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	flags.apply(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return classifyProvisionError(err, "")
	}
	logger, err := app.logger(cfg)
	if err != nil {
		return err
	}
	out := app.out(cfg)

	if flags.watch {
		return app.watchProvision(ctx, cfg, fs, flags, logger, out)
	}
	return app.provisionOnce(ctx, cfg, fs, flags, logger, out)
}

// provisionOnce runs a single provision. Machine facts are read on every
// call so watch mode sees edits to the machine file.
func (a *App) provisionOnce(ctx context.Context, cfg *config.Config, fs *pflag.FlagSet, flags *provisionFlags, logger *log.Logger, out *ui.Writer) error {
	facts, err := machineFacts(fs, flags, cfg.MachineFile)
	if err != nil {
		return classifyProvisionError(err, cfg.MachineFile)
	}

	// The input is resolved before dialing so a bad --path never reaches
	// the guest. The provisioner reuses the content read here.
	nixosCfg := nixosConfig(cfg.Provisioner)
	provision, err := nixos.ComposeProvisionFile(nixosCfg.Input, nil)
	if err != nil {
		return classifyProvisionError(err, cfg.Provisioner.Path)
	}

	target := "local machine"
	if cfg.Transport.Kind == config.TransportSSH {
		target = net.JoinHostPort(cfg.Transport.Host, strconv.Itoa(cfg.Transport.Port))
	}

	out.Info("Connecting to "+target, ui.Options{NewLine: true, Prefix: true, Style: ui.StyleTitle})
	conn, err := a.Dialer.Dial(ctx, cfg.Transport, logger)
	if err != nil {
		return classifyProvisionError(err, target)
	}
	defer conn.Close()

	opts := []nixos.Option{
		nixos.WithSink(out),
		nixos.WithLogger(logger),
		nixos.WithReadFile(func(string) ([]byte, error) { return []byte(provision.Body), nil }),
	}
	if observer, closeHistory := a.historyObserver(cfg, logger); observer != nil {
		defer closeHistory()
		opts = append(opts, nixos.WithObserver(observer))
	}

	out.Info("Provisioning NixOS configuration", ui.Options{NewLine: true, Prefix: true, Style: ui.StyleTitle})
	report, err := nixos.New(conn, nixosCfg, facts, opts...).Run(ctx)
	if err != nil {
		return classifyProvisionError(err, target)
	}

	printReport(out, report)
	return nil
}

// watchProvision provisions once, then again after every change to the
// local inputs until ctx is canceled. Failed runs are reported and the
// watch continues.
func (a *App) watchProvision(ctx context.Context, cfg *config.Config, fs *pflag.FlagSet, flags *provisionFlags, logger *log.Logger, out *ui.Writer) error {
	var files []string
	if nixosConfig(cfg.Provisioner).Input.Kind() == nixos.InputPath {
		files = append(files, cfg.Provisioner.Path)
	}
	if cfg.MachineFile != "" {
		files = append(files, cfg.MachineFile)
	}

	provision := func(ctx context.Context) {
		if err := a.provisionOnce(ctx, cfg, fs, flags, logger, out); err != nil && ctx.Err() == nil {
			renderError(a.stderr, err, false)
		}
	}

	w, err := watch.New(watch.Config{
		Files:    files,
		Patterns: flags.watchPatterns,
		Logger:   logger,
		OnChange: func(ctx context.Context, changed []string) error {
			out.Info("Changed: "+strings.Join(changed, ", "), ui.Options{NewLine: true, Prefix: true, Style: ui.StyleWarning})
			provision(ctx)
			return nil
		},
	})
	if errors.Is(err, watch.ErrNothingToWatch) {
		return fmt.Errorf("--watch needs --path, --machine-file or --watch-pattern: %w", err)
	}
	if err != nil {
		return err
	}

	provision(ctx)
	out.Info("Watching for changes (Ctrl+C to stop)", ui.Options{NewLine: true, Prefix: true, Style: ui.StyleMuted})
	return w.Run(ctx)
}

// historyObserver opens the run history. History is best effort: when the
// database cannot be opened the run proceeds without it.
func (a *App) historyObserver(cfg *config.Config, logger *log.Logger) (nixos.RunObserver, func()) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	path, err := config.HistoryPath(cfg, a.loadOptions())
	if err != nil {
		logger.Warn("run history disabled", "err", err)
		return nil, nil
	}
	st, err := a.OpenHistory(path)
	if err != nil {
		logger.Warn("run history disabled", "path", path, "err", err)
		return nil, nil
	}
	return st.Observer(logger), func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close run history", "err", err)
		}
	}
}

func printReport(out ui.Sink, r nixos.Report) {
	change := func(changed bool) string {
		if changed {
			return "updated"
		}
		return "unchanged"
	}
	out.Info(fmt.Sprintf("%s %s", nixos.ProvisionFileName, change(r.ProvisionChanged)), ui.Options{NewLine: true, Prefix: true, Style: ui.StyleMuted})
	out.Info(fmt.Sprintf("%s %s, %d fragment(s) imported", nixos.AggregatorFileName, change(r.AggregatorChanged), len(r.Fragments)), ui.Options{NewLine: true, Prefix: true, Style: ui.StyleMuted})
	out.Info("Rebuilt with: "+r.Command, ui.Options{NewLine: true, Prefix: true, Style: ui.StyleSuccess})
	out.Info("Run "+r.RunID+" finished in "+r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(), ui.Options{NewLine: true, Prefix: true, Style: ui.StyleMuted})
}
