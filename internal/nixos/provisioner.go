// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"

	"github.com/nixprov/nixprov/internal/guest"
	"github.com/nixprov/nixprov/internal/machine"
	"github.com/nixprov/nixprov/internal/ui"
)

const (
	StateIdle State = iota
	StateComposingProvisionFile
	StateSyncingProvisionFile
	StatePreparing
	StateSyncingAggregator
	StateRebuilding
	StateDone
	StateFailed
)

type (
	// State is the position of a provisioning run.
	State int

	// Config is what the operator asked to provision.
	Config struct {
		Input   Input
		Include bool
		NixPath string
		Verbose bool
	}

	// Report summarizes one run.
	Report struct {
		RunID             string
		StartedAt         time.Time
		FinishedAt        time.Time
		State             State
		ProvisionChanged  bool
		AggregatorChanged bool
		Fragments         []string
		Command           string
		ExitStatus        int
		Err               error
	}

	// RunObserver is called with the final report of every run.
	RunObserver func(ctx context.Context, r Report)

	// Provisioner drives a full provisioning run against one guest.
	Provisioner struct {
		comm     guest.Communicator
		cfg      Config
		facts    machine.Facts
		sink     ui.Sink
		logger   *log.Logger
		observer RunObserver
		readFile func(string) ([]byte, error)
		now      func() time.Time

		configDir  string
		stagingDir string

		runMu sync.Mutex
		mu    sync.RWMutex
		state State
	}

	// Option configures a Provisioner.
	Option func(*Provisioner)
)

var stateNames = map[State]string{
	StateIdle:                   "Idle",
	StateComposingProvisionFile: "ComposingProvisionFile",
	StateSyncingProvisionFile:   "SyncingProvisionFile",
	StatePreparing:              "Preparing",
	StateSyncingAggregator:      "SyncingAggregator",
	StateRebuilding:             "Rebuilding",
	StateDone:                   "Done",
	StateFailed:                 "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// WithSink sets where rebuild output goes in verbose mode.
func WithSink(s ui.Sink) Option {
	return func(p *Provisioner) { p.sink = s }
}

// WithLogger sets the logger for step and state transitions.
func WithLogger(l *log.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithObserver registers fn to receive the report of every run.
func WithObserver(fn RunObserver) Option {
	return func(p *Provisioner) { p.observer = fn }
}

// WithReadFile replaces os.ReadFile for Input.Path.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(p *Provisioner) { p.readFile = fn }
}

// WithConfigDir relocates /etc/nixos.
func WithConfigDir(dir string) Option {
	return func(p *Provisioner) { p.configDir = dir }
}

// WithStagingDir relocates /tmp.
func WithStagingDir(dir string) Option {
	return func(p *Provisioner) { p.stagingDir = dir }
}

// WithClock sets the time source used for reports.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) { p.now = now }
}

// New creates a Provisioner for the guest behind comm.
func New(comm guest.Communicator, cfg Config, facts machine.Facts, opts ...Option) *Provisioner {
	p := &Provisioner{
		comm:       comm,
		cfg:        cfg,
		facts:      facts,
		sink:       ui.Discard{},
		logger:     ui.NopLogger(),
		readFile:   os.ReadFile,
		now:        time.Now,
		configDir:  DefaultConfigDir,
		stagingDir: DefaultStagingDir,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state.
func (p *Provisioner) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Provision runs the provisioner and discards the report.
func (p *Provisioner) Provision(ctx context.Context) error {
	_, err := p.Run(ctx)
	return err
}

// Run writes the provision file, refreshes the aggregator file and
// rebuilds the system. The rebuild always runs, even when no file changed.
// Steps run strictly in order and the first error aborts the run; files
// already written stay in place.
func (p *Provisioner) Run(ctx context.Context) (Report, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	r := Report{RunID: ulid.Make().String(), StartedAt: p.now()}
	logger := p.logger.With("run", r.RunID)
	p.setState(logger, StateIdle)

	r, err := p.run(ctx, logger, r)
	r.FinishedAt = p.now()
	if err != nil {
		p.setState(logger, StateFailed)
		r.Err = err
	}
	r.State = p.State()

	if p.observer != nil {
		p.observer(ctx, r)
	}
	return r, err
}

func (p *Provisioner) run(ctx context.Context, logger *log.Logger, r Report) (Report, error) {
	syncer := &Syncer{
		Comm:       p.comm,
		ConfigDir:  p.configDir,
		StagingDir: p.stagingDir,
		Logger:     logger,
	}

	p.setState(logger, StateComposingProvisionFile)
	provision, err := ComposeProvisionFile(p.cfg.Input, p.readFile)
	if err != nil {
		return r, err
	}

	p.setState(logger, StateSyncingProvisionFile)
	if r.ProvisionChanged, err = syncer.Sync(ctx, provision); err != nil {
		return r, err
	}

	p.setState(logger, StatePreparing)
	if err := p.cleanup(ctx); err != nil {
		return r, err
	}
	if r.Fragments, err = DiscoverFragments(ctx, p.comm, p.configDir); err != nil {
		return r, err
	}

	p.setState(logger, StateSyncingAggregator)
	aggregator := ComposeAggregatorFile(r.Fragments, p.cfg.NixPath)
	if r.AggregatorChanged, err = syncer.Sync(ctx, aggregator); err != nil {
		return r, err
	}

	p.setState(logger, StateRebuilding)
	rebuilder := &Rebuilder{
		Comm:      p.comm,
		Sink:      p.sink,
		Include:   p.cfg.Include,
		NixPath:   p.cfg.NixPath,
		Verbose:   p.cfg.Verbose,
		ConfigDir: p.configDir,
		Logger:    logger,
	}
	outcome, err := rebuilder.Rebuild(ctx)
	r.Command, r.ExitStatus = outcome.Command, outcome.ExitStatus
	if err != nil {
		return r, err
	}

	p.setState(logger, StateDone)
	return r, nil
}

// cleanup removes fragments whose host-side setting is absent. It runs
// before discovery so removed files are never imported.
func (p *Provisioner) cleanup(ctx context.Context) error {
	var stale []string
	if !p.facts.HasHostname() {
		stale = append(stale, HostnameFragment)
	}
	if !p.facts.HasPrivateNetwork() {
		stale = append(stale, NetworkFragment)
	}

	for _, name := range stale {
		target := path.Join(p.configDir, name)
		if err := runChecked(ctx, p.comm, "rm -f "+quote(target), true); err != nil {
			return transportError("remove "+target, err)
		}
	}
	return nil
}

func (p *Provisioner) setState(logger *log.Logger, s State) {
	p.mu.Lock()
	from := p.state
	p.state = s
	p.mu.Unlock()
	logger.Debug("state transition", "from", from, "to", s)
}
