// Package events implements the Event Dispatcher and its before/after hook
// pipeline (spec §4.7), adapted from a blockchain contract-event
// dispatcher used for indexer fan-out.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/core/infrastructure/cache"
	"github.com/flowengine/core/pkg/logger"
)

const defaultDeduplicationTTL = time.Hour

// UnifiedEvent is the payload handed to Publish.
type UnifiedEvent struct {
	ID               string
	Type             string
	Payload          map[string]interface{}
	DeduplicationKey string
	Timestamp        time.Time
}

// HandlerDelivery summarizes how many handlers were sent to, failed, or
// skipped for a published event.
type HandlerDelivery struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Delivery is the delivery breakdown of a PublishResult. Webhooks are not
// implemented by this dispatcher (no webhook transport is wired), so the
// field is always zero — kept for wire-shape compatibility with spec §4.7.
type Delivery struct {
	Webhooks HandlerDelivery `json:"webhooks"`
	Handlers HandlerDelivery `json:"handlers"`
	AuditLog bool            `json:"auditLog"`
}

// PublishResult is the result of Dispatcher.Publish.
type PublishResult struct {
	EventID       string    `json:"eventId"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
	Delivery      Delivery  `json:"delivery"`
	Errors        []string  `json:"errors,omitempty"`
	Deduplicated  bool      `json:"deduplicated,omitempty"`
	DenyReason    string    `json:"denyReason,omitempty"`
	DenyCode      string    `json:"denyCode,omitempty"`
}

// Dispatcher runs the before/after hook pipeline around a published event.
type Dispatcher struct {
	before *HookRegistry
	after  *HookRegistry
	dedup  *cache.Cache
	log    *logger.Logger
}

type DispatcherConfig struct {
	Before            *HookRegistry
	After             *HookRegistry
	DeduplicationTTL  time.Duration
	Logger            *logger.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Before == nil {
		cfg.Before = NewHookRegistry()
	}
	if cfg.After == nil {
		cfg.After = NewHookRegistry()
	}
	if cfg.DeduplicationTTL <= 0 {
		cfg.DeduplicationTTL = defaultDeduplicationTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("flow-events")
	}
	return &Dispatcher{
		before: cfg.Before,
		after:  cfg.After,
		dedup:  cache.NewCache(cache.CacheConfig{DefaultTTL: cfg.DeduplicationTTL, MaxSize: 50000}),
		log:    cfg.Logger,
	}
}

// Publish runs the full pipeline: dedup check, before-hooks (deny-capable),
// and, once deemed successful, after-hooks (side effects).
func (d *Dispatcher) Publish(ctx context.Context, ev UnifiedEvent) *PublishResult {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	dedupKey := ev.DeduplicationKey
	if dedupKey == "" {
		dedupKey = ev.ID
	}
	if _, ok := d.dedup.Get(dedupKey); ok {
		return &PublishResult{EventID: ev.ID, Timestamp: ev.Timestamp, Deduplicated: true}
	}

	hctx := HookContext{EventType: ev.Type, Payload: ev.Payload}

	if denied, reason, code := d.runBeforeHooks(ctx, hctx); denied {
		d.dedup.Set(dedupKey, true, 0)
		return &PublishResult{
			EventID: ev.ID, Success: false, Timestamp: ev.Timestamp,
			DenyReason: reason, DenyCode: code,
		}
	}

	delivery, errs := d.runAfterHooks(ctx, hctx)
	d.dedup.Set(dedupKey, true, 0)

	return &PublishResult{
		EventID:   ev.ID,
		Success:   true,
		Timestamp: ev.Timestamp,
		Delivery:  Delivery{Handlers: delivery},
		Errors:    errs,
	}
}

// runBeforeHooks executes matching before-hooks in priority-descending
// order. A hook timeout denies; a non-timeout error is logged and treated
// as continue:true (fail-open for incidental errors, fail-closed for
// timeouts, per spec §4.7).
func (d *Dispatcher) runBeforeHooks(ctx context.Context, hctx HookContext) (denied bool, reason, code string) {
	annotations := make(map[string]interface{})
	for _, e := range d.before.GetByEventType(hctx.EventType) {
		timeout := time.Duration(e.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}

		res, err := d.runBeforeHookWithTimeout(ctx, e, hctx, timeout)
		if err == context.DeadlineExceeded {
			return true, "Hook timeout", "HOOK_TIMEOUT"
		}
		if err != nil {
			d.log.WithField("hook_id", e.ID).WithError(err).Warn("before-hook failed, continuing")
			continue
		}
		for k, v := range res.Annotations {
			annotations[k] = v
		}
		if !res.Continue {
			if res.DenyReason == "" {
				res.DenyReason = "denied by hook " + e.ID
			}
			return true, res.DenyReason, res.DenyCode
		}
	}
	return false, "", ""
}

func (d *Dispatcher) runBeforeHookWithTimeout(ctx context.Context, e *hookEntry, hctx HookContext, timeout time.Duration) (BeforeHookResult, error) {
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res BeforeHookResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.before.Handle(hctx)
		ch <- outcome{res, err}
	}()

	select {
	case <-hookCtx.Done():
		return BeforeHookResult{}, hookCtx.Err()
	case o := <-ch:
		return o.res, o.err
	}
}

// runAfterHooks executes matching after-hooks in priority-descending order.
// Async hooks are fire-and-forget; sync hooks are awaited with their
// timeout and either surface their error or are logged and skipped,
// depending on ContinueOnError.
func (d *Dispatcher) runAfterHooks(ctx context.Context, hctx HookContext) (HandlerDelivery, []string) {
	var delivery HandlerDelivery
	var errs []string

	for _, e := range d.after.GetByEventType(hctx.EventType) {
		if e.Async {
			delivery.Sent++
			go func(e *hookEntry) {
				if err := e.after.Handle(hctx); err != nil {
					d.log.WithField("hook_id", e.ID).WithError(err).Warn("async after-hook failed")
				}
			}(e)
			continue
		}

		timeout := time.Duration(e.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if err := d.runSyncAfterHook(ctx, e, hctx, timeout); err != nil {
			delivery.Failed++
			if !e.ContinueOnError {
				errs = append(errs, fmt.Sprintf("hook %s: %v", e.ID, err))
			} else {
				d.log.WithField("hook_id", e.ID).WithError(err).Warn("after-hook failed, continuing")
			}
			continue
		}
		delivery.Sent++
	}

	return delivery, errs
}

func (d *Dispatcher) runSyncAfterHook(ctx context.Context, e *hookEntry, hctx HookContext, timeout time.Duration) error {
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() { ch <- e.after.Handle(hctx) }()

	select {
	case <-hookCtx.Done():
		return hookCtx.Err()
	case err := <-ch:
		return err
	}
}
