package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/scottgal/lucidrag-sub005/internal/audit"
	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/ledger"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/orchestrator"
	"github.com/scottgal/lucidrag-sub005/internal/replay"
	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/store/memory"
	"github.com/scottgal/lucidrag-sub005/internal/store/sqlite"
)

func commands(s *session) []*cli.Command {
	scope := []cli.Flag{
		&cli.StringFlag{Name: "content-type", Aliases: []string{"t"}, Usage: "content type scope"},
		&cli.StringFlag{Name: "goal", Aliases: []string{"g"}, Usage: "goal scope"},
	}
	key := append([]cli.Flag{&cli.StringFlag{Name: "signal", Aliases: []string{"s"}, Usage: "signal key"}}, scope...)

	return []*cli.Command{
		{
			Name:      "score",
			Usage:     "score one analysis of the content at <path>",
			ArgsUsage: "<path>",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "signals", Usage: "JSON file with the signal bag and optional metadata"},
				&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "model that produced the signals"},
				&cli.StringFlag{Name: "strategy", Usage: "preprocessing strategy label"},
				&cli.StringFlag{Name: "accept", Usage: "record a verdict right away: true or false"},
				&cli.StringFlag{Name: "feedback", Usage: "free-text feedback stored with the verdict"},
				&cli.IntFlag{Name: "show-top", Usage: "print the N strongest signals of the scope"},
				&cli.BoolFlag{Name: "prune", Usage: "retire weak signals of the scope afterwards"},
				&cli.Float64Flag{Name: "prune-threshold", Usage: "weight below which --prune retires (default: configured)"},
			}, scope...),
			Action: s.score,
		},
		{
			Name:      "batch",
			Usage:     "score a JSON array of analyses concurrently",
			ArgsUsage: "<file>",
			Action:    s.batch,
		},
		{
			Name:      "feedback",
			Usage:     "record a verdict on a ledger record",
			ArgsUsage: "<record-id>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "accept", Usage: "true or false"},
				&cli.StringFlag{Name: "feedback", Usage: "free-text feedback"},
			},
			Action: s.feedback,
		},
		{
			Name:   "top",
			Usage:  "rank the signals of a scope by effective weight",
			Flags:  append([]cli.Flag{&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10}}, scope...),
			Action: s.top,
		},
		{
			Name:   "weight",
			Usage:  "show the effective weight of one signal",
			Flags:  key,
			Action: s.weight,
		},
		{
			Name:   "prune",
			Usage:  "retire the weak signals of a scope",
			Flags:  append([]cli.Flag{&cli.Float64Flag{Name: "threshold", Usage: "default: configured retire threshold"}}, scope...),
			Action: s.prune,
		},
		{
			Name:   "reinstate",
			Usage:  "return a retired signal to the ranking at the neutral weight",
			Flags:  key,
			Action: s.reinstate,
		},
		{
			Name:   "repair",
			Usage:  "finish verdicts that were recorded but not fully applied",
			Action: s.repair,
		},
		{
			Name:  "rebuild",
			Usage: "replay annotated ledger records into an empty weight store",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "into", Usage: "sqlite file to rebuild into (default: in memory, printed only)"},
				&cli.StringFlag{Name: "outcome", Usage: "only accepted or rejected records"},
			}, scope...),
			Action: s.rebuild,
		},
		{
			Name:   "audit",
			Usage:  "check ledger integrity and weight invariants",
			Flags:  []cli.Flag{&cli.IntFlag{Name: "max-findings", Value: 100}},
			Action: s.audit,
		},
		{
			Name:  "ledger",
			Usage: "list ledger records, or show one with --id",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "id"},
				&cli.StringFlag{Name: "content-hash"},
				&cli.StringFlag{Name: "outcome", Usage: "pending, accepted or rejected"},
				&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
			}, scope...),
			Action: s.ledger,
		},
		{
			Name:   "strategy",
			Usage:  "rank preprocessing strategies of a scope by acceptance",
			Flags:  scope,
			Action: s.strategy,
		},
		{
			Name:      "replay",
			Usage:     "run a session fixture in memory and compare the learned weights",
			ArgsUsage: "<fixture.json>",
			Flags: []cli.Flag{
				&cli.Float64Flag{Name: "tolerance", Value: 1e-6},
				&cli.StringFlag{Name: "record", Usage: "write the fixture with its expected weights captured from this run to `FILE`"},
			},
			Action: s.replay,
		},
	}
}

// #region helpers

func parseVerdict(v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, usagef("--accept must be true or false, got %q", v)
	}
	return b, nil
}

func scopeKey(c *cli.Context) (model.EffectivenessKey, error) {
	k := model.EffectivenessKey{SignalKey: c.String("signal"), ContentType: c.String("content-type"), Goal: c.String("goal")}
	if k.SignalKey == "" || k.ContentType == "" || k.Goal == "" {
		return k, usagef("--signal, --content-type and --goal are required")
	}
	return k, nil
}

func parseOutcome(v string) (model.Outcome, error) {
	o := model.Outcome(v)
	switch o {
	case "", model.OutcomePending, model.OutcomeAccepted, model.OutcomeRejected:
		return o, nil
	}
	return "", usagef("unknown outcome %q", v)
}

// hashFile addresses content by the SHA-256 of its bytes.
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", usagef("read content: %v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// signalFile is the object form of a signals file. A bare JSON array of
// signals is accepted too.
type signalFile struct {
	Signals  []model.Signal  `json:"signals"`
	Metadata *model.Metadata `json:"metadata,omitempty"`
}

func loadSignals(path string) (signalFile, error) {
	if path == "" {
		return signalFile{}, usagef("--signals is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return signalFile{}, usagef("read signals: %v", err)
	}
	var f signalFile
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &f.Signals)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return signalFile{}, usagef("parse signals %s: %v", path, err)
	}
	return f, nil
}

// #endregion helpers

// #region learning-commands

type scoreReport struct {
	Analysis engine.Outcome         `json:"analysis"`
	Feedback *orchestrator.Result   `json:"feedback,omitempty"`
	Pruned   *int                   `json:"pruned,omitempty"`
	Top      []effectiveness.Ranked `json:"top,omitempty"`
}

func (s *session) score(c *cli.Context) error {
	if c.NArg() != 1 {
		return usagef("score takes exactly one content path")
	}
	hash, err := hashFile(c.Args().First())
	if err != nil {
		return err
	}
	sigs, err := loadSignals(c.String("signals"))
	if err != nil {
		return err
	}
	var verdict *bool
	if c.IsSet("accept") {
		b, err := parseVerdict(c.String("accept"))
		if err != nil {
			return err
		}
		verdict = &b
	}
	l, err := s.learner(c)
	if err != nil {
		return err
	}

	ct, goal := c.String("content-type"), c.String("goal")
	out, err := l.Score(c.Context, engine.Analysis{
		ContentHash: hash,
		ContentType: ct,
		Goal:        goal,
		SourceModel: c.String("model"),
		Strategy:    c.String("strategy"),
		Signals:     sigs.Signals,
		Metadata:    sigs.Metadata,
	})
	if err != nil {
		return err
	}
	report := scoreReport{Analysis: out}

	if verdict != nil {
		if !out.Persisted {
			_ = s.print(report)
			return fmt.Errorf("score: verdict not recorded: %w", store.ErrBackendUnavailable)
		}
		res, err := l.Submit(c.Context, out.RecordID, *verdict, c.String("feedback"))
		report.Feedback = &res
		if err != nil {
			_ = s.print(report)
			return err
		}
	}
	if c.Bool("prune") {
		n, err := l.Prune(c.Context, ct, goal, c.Float64("prune-threshold"))
		if err != nil {
			return err
		}
		report.Pruned = &n
	}
	if n := c.Int("show-top"); n > 0 {
		top, err := l.Top(c.Context, ct, goal, n)
		if err != nil {
			return err
		}
		report.Top = top
	}
	return s.print(report)
}

func (s *session) batch(c *cli.Context) error {
	if c.NArg() != 1 {
		return usagef("batch takes exactly one file")
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return usagef("read batch: %v", err)
	}
	var items []engine.Analysis
	if err := json.Unmarshal(data, &items); err != nil {
		return usagef("parse batch: %v", err)
	}
	l, err := s.learner(c)
	if err != nil {
		return err
	}
	res, err := l.ScoreBatch(c.Context, items)
	if err != nil {
		return err
	}
	return s.print(map[string]any{"items": res})
}

func (s *session) feedback(c *cli.Context) error {
	if c.NArg() != 1 {
		return usagef("feedback takes exactly one record id")
	}
	if !c.IsSet("accept") {
		return usagef("--accept is required")
	}
	accepted, err := parseVerdict(c.String("accept"))
	if err != nil {
		return err
	}
	l, err := s.learner(c)
	if err != nil {
		return err
	}
	res, err := l.Submit(c.Context, c.Args().First(), accepted, c.String("feedback"))
	var partial *orchestrator.PartialFeedbackError
	if errors.As(err, &partial) {
		_ = s.print(res)
	}
	if err != nil {
		return err
	}
	return s.print(res)
}

func (s *session) top(c *cli.Context) error {
	l, err := s.learner(c)
	if err != nil {
		return err
	}
	top, err := l.Top(c.Context, c.String("content-type"), c.String("goal"), c.Int("limit"))
	if err != nil {
		return err
	}
	if top == nil {
		top = []effectiveness.Ranked{}
	}
	return s.print(map[string]any{"signals": top})
}

func (s *session) weight(c *cli.Context) error {
	key, err := scopeKey(c)
	if err != nil {
		return err
	}
	l, err := s.learner(c)
	if err != nil {
		return err
	}
	w, err := l.Weight(c.Context, key)
	if err != nil {
		return err
	}
	return s.print(map[string]any{"key": key, "weight": w})
}

func (s *session) prune(c *cli.Context) error {
	l, err := s.learner(c)
	if err != nil {
		return err
	}
	n, err := l.Prune(c.Context, c.String("content-type"), c.String("goal"), c.Float64("threshold"))
	if err != nil {
		return err
	}
	return s.print(map[string]int{"retired": n})
}

func (s *session) reinstate(c *cli.Context) error {
	key, err := scopeKey(c)
	if err != nil {
		return err
	}
	l, err := s.learner(c)
	if err != nil {
		return err
	}
	if err := l.Reinstate(c.Context, key); err != nil {
		return err
	}
	return s.print(map[string]any{"reinstated": key})
}

// #endregion learning-commands

// #region maintenance-commands

func (s *session) repair(c *cli.Context) error {
	e, err := s.local(c)
	if err != nil {
		return err
	}
	rep, err := e.Repair(c.Context)
	if err != nil {
		return err
	}
	return s.print(rep)
}

func (s *session) rebuild(c *cli.Context) error {
	outcome, err := parseOutcome(c.String("outcome"))
	if err != nil {
		return err
	}
	e, err := s.local(c)
	if err != nil {
		return err
	}

	var target store.EffectivenessStore
	if into := c.String("into"); into != "" {
		st, err := sqlite.NewStore(into)
		if err != nil {
			return err
		}
		defer st.Close()
		target = st
	} else {
		target = memory.New()
	}

	filter := model.LedgerFilter{ContentType: c.String("content-type"), Goal: c.String("goal"), Outcome: outcome}
	sum, err := replay.Rebuild(c.Context, e.Backend(), target, filter, s.cfg.EngineConfig().Tracker, s.logger)
	if err != nil {
		return err
	}
	weights, err := target.ListEffectiveness(c.Context, model.EffectivenessFilter{
		ContentType: filter.ContentType, Goal: filter.Goal, IncludeRetired: true,
	})
	if err != nil {
		return err
	}
	return s.print(map[string]any{"summary": sum, "weights": weights})
}

var errAuditFailed = errors.New("audit failed")

func (s *session) audit(c *cli.Context) error {
	e, err := s.local(c)
	if err != nil {
		return err
	}
	b := e.Backend()
	res, err := audit.New(b, b, c.Int("max-findings")).Run(c.Context)
	if err != nil {
		return err
	}
	if err := s.print(res); err != nil {
		return err
	}
	if !res.Passed {
		return fmt.Errorf("%w: %s", errAuditFailed, res.Reason)
	}
	return nil
}

func (s *session) ledger(c *cli.Context) error {
	e, err := s.local(c)
	if err != nil {
		return err
	}
	if id := c.String("id"); id != "" {
		rec, err := e.Ledger().Get(c.Context, id)
		if err != nil {
			return err
		}
		return s.print(map[string]any{"record": rec, "verified": ledger.Verify(rec)})
	}
	outcome, err := parseOutcome(c.String("outcome"))
	if err != nil {
		return err
	}
	recs, err := e.Ledger().Query(c.Context, model.LedgerFilter{
		ContentType: c.String("content-type"),
		Goal:        c.String("goal"),
		ContentHash: c.String("content-hash"),
		Outcome:     outcome,
		Limit:       c.Int("limit"),
		Newest:      true,
	})
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []model.LedgerRecord{}
	}
	return s.print(map[string]any{"records": recs})
}

func (s *session) strategy(c *cli.Context) error {
	e, err := s.local(c)
	if err != nil {
		return err
	}
	ct, goal := c.String("content-type"), c.String("goal")
	ranking, err := e.Ledger().RankStrategies(c.Context, ct, goal)
	if err != nil {
		return err
	}
	best, found, err := e.RecommendStrategy(c.Context, ct, goal)
	if err != nil {
		return err
	}
	out := map[string]any{"ranking": ranking}
	if found {
		out["recommended"] = best
	}
	return s.print(out)
}

var errReplayDrift = errors.New("replay: learned weights differ from the fixture")

func (s *session) replay(c *cli.Context) error {
	if c.NArg() != 1 {
		return usagef("replay takes exactly one fixture file")
	}
	cfg, err := s.config(c)
	if err != nil {
		return err
	}
	f, err := replay.LoadFixture(c.Args().First())
	if err != nil {
		return usagef("%v", err)
	}
	registry, err := cfg.Registry()
	if err != nil {
		return usagef("%v", err)
	}
	mem := memory.New()
	steps, err := f.Run(c.Context, mem, registry, cfg.EngineConfig(), s.logger)
	if err != nil {
		return err
	}
	if out := c.String("record"); out != "" {
		if err := f.Capture(c.Context, mem); err != nil {
			return err
		}
		if err := f.Save(out); err != nil {
			return err
		}
		s.logger.Info("fixture recorded", "path", out, "expected", len(f.Expected))
		return s.print(map[string]any{"steps": steps, "expected": f.Expected})
	}
	mismatches, err := f.Check(c.Context, mem, c.Float64("tolerance"))
	if err != nil {
		return err
	}
	if mismatches == nil {
		mismatches = []replay.Mismatch{}
	}
	if err := s.print(map[string]any{"steps": steps, "mismatches": mismatches}); err != nil {
		return err
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%w (%d mismatches)", errReplayDrift, len(mismatches))
	}
	return nil
}

// #endregion maintenance-commands
