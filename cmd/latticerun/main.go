// latticerun is the CLI front-end for the controlled scheduler, grounded on
// lnd's jessevdk/go-flags option-struct convention (lnd/config.go): a single
// tagged struct parsed by flags.NewParser, long-only flags, one option per
// spec.md §6 SchedulerConfig field except must_handle_by_default and the
// PCT/IDDFS tuning fields, which only a --config file sets. A bare --config
// file is loaded first; a non-zero numeric or non-empty string flag
// overrides the corresponding field, and a boolean flag can only switch an
// option on.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/latticefsm/latticefsm/config"
	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
	"github.com/latticefsm/latticefsm/internal/logctx"
	"github.com/latticefsm/latticefsm/internal/scheduler/controlled"
)

var log = logctx.NewSubsystemLogger("CLI")

type options struct {
	Config                 string `long:"config" description:"path to a YAML scheduler config"`
	MachineDecl             string `long:"machine" description:"path to a YAML declarative machine description"`
	Iterations              uint32 `long:"iterations" description:"number of exploration iterations"`
	MaxSteps                uint32 `long:"max-steps" description:"per-iteration step budget"`
	Strategy                string `long:"strategy" description:"Random|PCT|FairPCT|DFS|IDDFS|Portfolio|Replay"`
	Seed                    uint64 `long:"seed" description:"PRNG seed"`
	CacheProgramState       bool   `long:"cache-program-state" description:"compute a program-state fingerprint at every step (no states are cached or pruned)"`
	LivenessChecking        bool   `long:"liveness-checking" description:"report a liveness bug when no operation is enabled and a monitor is hot"`
	CycleDetection          bool   `long:"cycle-detection" description:"enable fingerprint-based cycle detection"`
	ReportActivityCoverage  bool   `long:"report-activity-coverage" description:"print a state/transition coverage summary after the run"`
}

func loadConfig(opts *options) (*config.SchedulerConfig, error) {
	var cfg config.SchedulerConfig
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	if opts.Iterations != 0 {
		cfg.Iterations = opts.Iterations
	}
	if opts.MaxSteps != 0 {
		cfg.MaxSteps = opts.MaxSteps
	}
	if opts.Strategy != "" {
		cfg.StrategyName = config.Strategy(opts.Strategy)
	}
	if opts.Seed != 0 {
		cfg.Seed = opts.Seed
	}
	cfg.CacheProgramState = cfg.CacheProgramState || opts.CacheProgramState
	cfg.LivenessChecking = cfg.LivenessChecking || opts.LivenessChecking
	cfg.CycleDetection = cfg.CycleDetection || opts.CycleDetection
	cfg.ReportActivityCoverage = cfg.ReportActivityCoverage || opts.ReportActivityCoverage

	if cfg.StrategyName == "" {
		cfg.StrategyName = config.StrategyDFS
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func buildStrategy(cfg *config.SchedulerConfig) (controlled.Strategy, error) {
	n := int(cfg.Iterations)
	switch cfg.StrategyName {
	case config.StrategyRandom:
		return controlled.NewRandomStrategy(int64(cfg.Seed), n), nil
	case config.StrategyPCT:
		return controlled.NewPCTStrategy(int64(cfg.Seed), cfg.BugDepth, int(cfg.MaxSteps), n), nil
	case config.StrategyFairPCT:
		return controlled.NewFairPCTStrategy(int64(cfg.Seed), cfg.BugDepth, int(cfg.MaxSteps), n, cfg.StarveLimit), nil
	case config.StrategyDFS:
		return controlled.NewDFSStrategy(n), nil
	case config.StrategyIDDFS:
		return controlled.NewIDDFSStrategy(cfg.DepthStep, cfg.MaxDepth, n), nil
	default:
		return nil, fmt.Errorf("latticerun: strategy %q is not drivable from the CLI alone (Portfolio/Replay need programmatic construction)", cfg.StrategyName)
	}
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(&opts)
	if err != nil {
		log.Errorf("config: %v", err)
		os.Exit(1)
	}

	strategy, err := buildStrategy(cfg)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	ctrlCfg := controlled.Config{
		MaxSteps:               int(cfg.MaxSteps),
		CacheProgramState:      cfg.CacheProgramState,
		CycleDetection:         cfg.CycleDetection,
		LivenessChecking:       cfg.LivenessChecking,
		MustHandleByDefault:    cfg.MustHandleByDefault,
		ReportActivityCoverage: cfg.ReportActivityCoverage,
	}
	ctrl := controlled.New(ctrlCfg, strategy)

	table, setup, err := loadMachine(&opts, ctrl)
	if err != nil {
		log.Errorf("machine: %v", err)
		os.Exit(1)
	}
	if err := ctrl.RegisterType(table); err != nil {
		log.Errorf("register: %v", err)
		os.Exit(1)
	}

	results := ctrl.RunIterations(setup)

	bugs := 0
	for i, r := range results {
		if r.Verdict == controlled.VerdictBug || r.Verdict == controlled.VerdictDeadlock {
			bugs++
			fmt.Printf("iteration %d: %s steps=%d err=%v\n", i, r.Verdict, r.Steps, r.Err)
		}
	}
	fmt.Printf("%d/%d iterations produced a bug or deadlock verdict\n", bugs, len(results))

	if cfg.ReportActivityCoverage && ctrl.Coverage() != nil {
		fmt.Println(ctrl.Coverage().Snapshot().String())
	}

	if bugs > 0 {
		os.Exit(1)
	}
}

// loadMachine compiles the machine named by --machine, or falls back to a
// minimal built-in ping-pong pair so the CLI is runnable with no YAML file
// at all (mirrors the teacher's demo-on-no-args convention).
func loadMachine(opts *options, ctrl *controlled.Controller) (*descriptor.Table, func(*controlled.Controller) error, error) {
	if opts.MachineDecl == "" {
		return builtinPingPong()
	}

	raw, err := os.ReadFile(opts.MachineDecl)
	if err != nil {
		return nil, nil, err
	}
	decl, err := config.LoadMachineDeclarationBytes(raw)
	if err != nil {
		return nil, nil, err
	}
	tbl, err := config.FromYAML(decl, builtinActions())
	if err != nil {
		return nil, nil, err
	}
	setup := func(c *controlled.Controller) error {
		_, err := c.CreateMachine(tbl.TypeName, &event.Event{Kind: event.Default}, "")
		return err
	}
	return tbl, setup, nil
}

// builtinActions is the named-action registry available to a declarative
// machine loaded via --machine; kept deliberately tiny since most users
// drive latticerun against their own compiled descriptor.Table from Go.
func builtinActions() config.ActionRegistry {
	return config.ActionRegistry{
		"noop": func(h iface.Handle, ev event.Event) error { return nil },
		"assert-false": func(h iface.Handle, ev event.Event) error {
			h.Assert(false, "declarative machine reached its assert-false action")
			return nil
		},
	}
}

func builtinPingPong() (*descriptor.Table, func(*controlled.Controller) error, error) {
	server := descriptor.New("Server")
	server.State("Listening").Start().OnDo("ping", func(h iface.Handle, ev event.Event) error {
		if ev.SenderID != nil {
			return h.Send(*ev.SenderID, event.New("pong", nil), iface.SendOptions{})
		}
		return nil
	})
	serverTable, err := server.Build()
	if err != nil {
		return nil, nil, err
	}

	client := descriptor.New("Client")
	client.State("Start").Start().OnDo("start", func(h iface.Handle, ev event.Event) error {
		target, _ := ev.Payload.(event.MachineID)
		if err := h.Send(target, event.New("ping", nil), iface.SendOptions{}); err != nil {
			return err
		}
		return h.Goto("WaitingForPong")
	})
	client.State("WaitingForPong").OnGoto("pong", "Done")
	client.State("Done")
	clientTable, err := client.Build()
	if err != nil {
		return nil, nil, err
	}

	setup := func(c *controlled.Controller) error {
		if err := c.RegisterType(serverTable); err != nil {
			return err
		}
		serverID, err := c.CreateMachine("Server", nil, "")
		if err != nil {
			return err
		}
		_, err = c.CreateMachine("Client", &event.Event{Kind: "start", Payload: serverID}, "")
		return err
	}
	return clientTable, setup, nil
}
