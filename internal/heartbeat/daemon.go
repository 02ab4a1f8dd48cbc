// Package heartbeat runs the autonomous scheduling loop: a recurring
// two-phase tick per user that triages standing tasks with a cheap model
// and escalates to a full headless tool run only when something needs
// doing, under a daily cost cap.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanchangg/dyno/internal/agent"
	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/otel"
	"github.com/seanchangg/dyno/internal/persistence"
	"github.com/seanchangg/dyno/internal/pricing"
	"github.com/seanchangg/dyno/internal/runtime"
	"github.com/seanchangg/dyno/internal/workspace"
)

// Sentinel the triage model answers with when nothing needs attention.
// Matched as a substring: models routinely wrap it in pleasantries.
const triageOKSentinel = "HEARTBEAT_OK"

const (
	defaultInterval       = 30 * time.Minute
	defaultBootstrapDelay = 5 * time.Second
	tickTimeout           = 5 * time.Minute
)

const triageInstructions = `You are the triage phase of a heartbeat check. Read the standing tasks below and decide whether any of them needs action right now. If nothing needs action, reply with exactly HEARTBEAT_OK. Otherwise reply with a short description of what needs doing and why. Do not do the work yourself.`

// Config wires a Daemon.
type Config struct {
	Manager     *agent.Manager
	Store       *persistence.Store
	Provisioner *workspace.Provisioner
	Pricing     pricing.Table
	Bus         *bus.Bus
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otel.Metrics

	TriageModel    string
	ActionModel    string
	MaxTokens      int
	MaxIterations  int
	Interval       time.Duration
	DailyBudgetUSD float64
	BootstrapDelay time.Duration
}

// UserConfig overrides scheduling per user. Zero values fall back to the
// daemon defaults.
type UserConfig struct {
	Interval       time.Duration
	Cron           string // optional cron expression instead of the fixed interval
	DailyBudgetUSD float64
}

type entry struct {
	cfg     UserConfig
	stop    chan struct{}
	running atomic.Bool
}

// Daemon drives heartbeat ticks for every started user.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewDaemon builds a Daemon.
func NewDaemon(cfg Config) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BootstrapDelay <= 0 {
		cfg.BootstrapDelay = defaultBootstrapDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
		closed:  make(chan struct{}),
	}
}

// Start begins (or restarts) the heartbeat for a user. A bootstrap tick
// fires shortly after start so a fresh gateway checks in without waiting a
// full interval.
func (d *Daemon) Start(userID string, cfg UserConfig) error {
	var sched cron.Schedule
	if cfg.Cron != "" {
		parsed, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return fmt.Errorf("heartbeat: cron expression for %s: %w", userID, err)
		}
		sched = parsed
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.cfg.Interval
	}
	if cfg.DailyBudgetUSD == 0 {
		cfg.DailyBudgetUSD = d.cfg.DailyBudgetUSD
	}

	d.Stop(userID)

	e := &entry{cfg: cfg, stop: make(chan struct{})}
	d.mu.Lock()
	d.entries[userID] = e
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(userID, e, sched)
	d.logger.Info("heartbeat started", "user", userID, "interval", cfg.Interval, "cron", cfg.Cron)
	return nil
}

// Stop halts the heartbeat for a user. Stopping an unstarted user is a
// no-op.
func (d *Daemon) Stop(userID string) {
	d.mu.Lock()
	e, ok := d.entries[userID]
	if ok {
		delete(d.entries, userID)
	}
	d.mu.Unlock()
	if ok {
		close(e.stop)
	}
}

// Active reports whether the user has a running heartbeat.
func (d *Daemon) Active(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[userID]
	return ok
}

// UpdateConfig restarts the user's heartbeat with new settings.
func (d *Daemon) UpdateConfig(userID string, cfg UserConfig) error {
	return d.Start(userID, cfg)
}

// Close stops every heartbeat and waits for in-flight ticks.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	d.mu.Lock()
	for userID, e := range d.entries {
		close(e.stop)
		delete(d.entries, userID)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Daemon) run(userID string, e *entry, sched cron.Schedule) {
	defer d.wg.Done()

	bootstrap := time.NewTimer(d.cfg.BootstrapDelay)
	defer bootstrap.Stop()
	select {
	case <-bootstrap.C:
		d.Tick(userID, e)
	case <-e.stop:
		return
	case <-d.closed:
		return
	}

	for {
		var wait time.Duration
		if sched != nil {
			wait = time.Until(sched.Next(time.Now()))
		} else {
			wait = e.cfg.Interval
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			d.Tick(userID, e)
		case <-e.stop:
			timer.Stop()
			return
		case <-d.closed:
			timer.Stop()
			return
		}
	}
}

// Tick runs one heartbeat check. Overlapping ticks are skipped, not
// queued: if the previous tick is still running, this one is dropped.
// Every failure is recorded to the ledger; the daemon itself survives.
func (d *Daemon) Tick(userID string, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		d.logger.Warn("heartbeat tick skipped: previous tick still running", "user", userID)
		return
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	var span trace.Span
	if d.cfg.Tracer != nil {
		ctx, span = otel.StartSpan(ctx, d.cfg.Tracer, "heartbeat.tick", otel.AttrUserID.String(userID))
		defer span.End()
	}

	if err := d.tick(ctx, userID, e); err != nil {
		d.logger.Error("heartbeat tick failed", "user", userID, "err", err)
		if span != nil {
			span.RecordError(err)
		}
		d.countTick(ctx, persistence.TickStatusError)
		if recErr := d.cfg.Store.RecordTick(ctx, persistence.TickRecord{
			UserID:  userID,
			Status:  persistence.TickStatusError,
			Summary: err.Error(),
		}); recErr != nil {
			d.logger.Error("heartbeat ledger write failed", "user", userID, "err", recErr)
		}
	}
}

func (d *Daemon) tick(ctx context.Context, userID string, e *entry) error {
	// 1. No credential, no tick. Not an error: the user simply has not
	// opted in yet.
	if _, ok := d.cfg.Manager.APIKey(ctx, userID); !ok {
		d.logger.Debug("heartbeat skipped: no credential", "user", userID)
		return nil
	}

	// 2. Budget circuit breaker.
	if e.cfg.DailyBudgetUSD > 0 {
		spent, err := d.cfg.Store.DailyCost(ctx, userID, time.Now())
		if err != nil {
			return fmt.Errorf("daily cost: %w", err)
		}
		if spent >= e.cfg.DailyBudgetUSD {
			d.logger.Warn("heartbeat budget exceeded; stopping",
				"user", userID, "spent", spent, "budget", e.cfg.DailyBudgetUSD)
			if err := d.cfg.Store.RecordTick(ctx, persistence.TickRecord{
				UserID:  userID,
				Status:  persistence.TickStatusBudgetExceeded,
				Summary: fmt.Sprintf("daily spend $%.4f reached budget $%.2f", spent, e.cfg.DailyBudgetUSD),
			}); err != nil {
				return fmt.Errorf("record budget stop: %w", err)
			}
			d.publish(userID, bus.TopicHeartbeatBudget, bus.HeartbeatEvent{
				Status:  persistence.TickStatusBudgetExceeded,
				Reason:  fmt.Sprintf("daily budget of $%.2f reached", e.cfg.DailyBudgetUSD),
				CostUSD: spent,
			})
			d.countTick(ctx, persistence.TickStatusBudgetExceeded)
			d.Stop(userID)
			return nil
		}
	}

	// 3. Fetch the task doc, the persona doc, and the runtime concurrently.
	taskDoc, soulDoc, rt, err := d.gather(ctx, userID)
	if err != nil {
		return err
	}
	if !workspace.HeartbeatTasksPresent(taskDoc) {
		// No standing tasks configured; silent return. The untouched
		// seeded doc counts as empty so fresh users pay no triage calls.
		return nil
	}

	// 4. Triage: one cheap call, no tools.
	triageResp, err := rt.Client().Generate(ctx, llm.Request{
		Model:     d.cfg.TriageModel,
		System:    workspace.BuildSystemPrompt("", soulDoc) + "\n\n" + triageInstructions,
		Messages:  []llm.Message{llm.TextMessage(llm.RoleUser, triagePrompt(taskDoc))},
		MaxTokens: d.cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("triage call: %w", err)
	}
	triageIn, triageOut := triageResp.Usage.InputTokens, triageResp.Usage.OutputTokens
	triageText := triageResp.Message.Text()

	// 5. Sentinel present means nothing to do.
	if strings.Contains(triageText, triageOKSentinel) {
		d.countTick(ctx, persistence.TickStatusOK)
		return d.cfg.Store.RecordTick(ctx, persistence.TickRecord{
			UserID:          userID,
			Status:          persistence.TickStatusOK,
			TriageTokensIn:  triageIn,
			TriageTokensOut: triageOut,
			CostUSD:         d.cfg.Pricing.Triage.Cost(triageIn, triageOut),
		})
	}

	// 6. Escalation: full headless tool run with the action-tier model.
	d.publish(userID, bus.TopicHeartbeatEscalated, bus.HeartbeatEvent{
		Status: persistence.TickStatusEscalated,
		Reason: triageText,
	})
	d.logger.Info("heartbeat escalated", "user", userID, "reason", firstLine(triageText))

	res, err := rt.RunLoop(ctx, actionPrompt(taskDoc, triageText), runtime.RunOptions{
		Detached:      true,
		Headless:      true,
		Model:         d.cfg.ActionModel,
		Approver:      runtime.HeadlessApprover(),
		MaxIterations: d.cfg.MaxIterations,
	})
	if err != nil {
		return fmt.Errorf("action run: %w", err)
	}

	cost := d.cfg.Pricing.TickCost(triageIn, triageOut, res.TokensIn, res.TokensOut)
	d.countTick(ctx, persistence.TickStatusEscalated)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.HeartbeatCostUSD.Add(ctx, cost)
	}
	if err := d.cfg.Store.RecordTick(ctx, persistence.TickRecord{
		UserID:          userID,
		Status:          persistence.TickStatusEscalated,
		Escalated:       true,
		TriageTokensIn:  triageIn,
		TriageTokensOut: triageOut,
		ActionTokensIn:  res.TokensIn,
		ActionTokensOut: res.TokensOut,
		CostUSD:         cost,
		Summary:         truncateSummary(res.Summary),
	}); err != nil {
		return fmt.Errorf("record escalated tick: %w", err)
	}

	d.publish(userID, bus.TopicHeartbeatCompleted, bus.HeartbeatEvent{
		Status:  persistence.TickStatusEscalated,
		Summary: res.Summary,
		CostUSD: cost,
	})
	return nil
}

// gather fetches the heartbeat task doc, the soul doc, and the user's
// runtime in parallel.
func (d *Daemon) gather(ctx context.Context, userID string) (taskDoc, soulDoc string, rt *runtime.Runtime, err error) {
	ws, err := d.cfg.Provisioner.Ensure(userID)
	if err != nil {
		return "", "", nil, fmt.Errorf("workspace: %w", err)
	}

	var wg sync.WaitGroup
	var rtErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		taskDoc, _ = ws.Read(workspace.DocHeartbeat)
	}()
	go func() {
		defer wg.Done()
		soulDoc, _ = ws.Read(workspace.DocSoul)
	}()
	go func() {
		defer wg.Done()
		rt, rtErr = d.cfg.Manager.GetOrCreate(ctx, userID)
	}()
	wg.Wait()

	if rtErr != nil {
		return "", "", nil, fmt.Errorf("agent runtime: %w", rtErr)
	}
	return taskDoc, soulDoc, rt, nil
}

func (d *Daemon) countTick(ctx context.Context, status string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.HeartbeatTicks.Add(ctx, 1,
			metric.WithAttributes(otel.AttrTickStatus.String(status)))
	}
}

func (d *Daemon) publish(userID, topic string, payload any) {
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(topic, userID, payload)
	}
}

func triagePrompt(taskDoc string) string {
	return fmt.Sprintf("Current time: %s\n\nStanding tasks:\n\n%s",
		time.Now().UTC().Format(time.RFC3339), taskDoc)
}

func actionPrompt(taskDoc, reason string) string {
	return fmt.Sprintf("Heartbeat escalation at %s.\n\nTriage found the following needs action:\n%s\n\nStanding tasks for reference:\n\n%s\n\nDo the work now and finish with a short summary.",
		time.Now().UTC().Format(time.RFC3339), reason, taskDoc)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncateSummary(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
