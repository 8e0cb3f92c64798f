/*

This file contains the orchestration engine: it accepts governance
requests, drives each resulting operation through its steps one at a
time, and enforces the single-writer discipline — at most one operation
is in progress against the managed asset pair at any moment.

*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-fi/pfm/internal/dex"
	"github.com/meridian-fi/pfm/internal/journal"
	"github.com/meridian-fi/pfm/internal/ledger"
	"github.com/meridian-fi/pfm/internal/logger"
	"github.com/meridian-fi/pfm/internal/tokenledger"
	"github.com/meridian-fi/pfm/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidConfig   = errors.New("engine configuration is invalid")
	ErrInvalidRequest  = errors.New("request parameters are invalid")
	ErrQueueFull       = errors.New("submission queue is full")
	ErrInsufficientOwn = errors.New("requested amount exceeds owned balance")

	// errFrozen stops the drive loop after an operation has been parked
	// in PartiallyFailed for administrative resolution.
	errFrozen = errors.New("operation frozen for administrative resolution")
)

// Config holds the engine's dependencies and operating parameters.
type Config struct {
	Journal journal.Journal
	Ledger  *ledger.Ledger
	Ledger0 tokenledger.Client
	Ledger1 tokenledger.Client
	Pool    dex.Client

	Asset0     string
	Asset1     string
	ShareAsset string

	UnitAccount     string
	TreasuryAccount string
	PoolAccount     string

	MaxStepAttempts       int
	RetryDelay            time.Duration
	RebalanceThresholdBps uint32
	QueueSize             int
}

// Engine is the orchestration state machine. All operation mutations
// happen on the single goroutine running Run; Submit* only journals the
// request and enqueues its id.
type Engine struct {
	logger  zerolog.Logger
	journal journal.Journal
	ledger  *ledger.Ledger
	ledger0 tokenledger.Client
	ledger1 tokenledger.Client
	pool    dex.Client
	cfg     Config

	queue chan uuid.UUID
}

// New validates the configuration and returns a ready engine.
func New(cfg Config) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("engine configuration validation failed: %w", err)
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	e := &Engine{
		logger:  logger.GetForComponent("engine"),
		journal: cfg.Journal,
		ledger:  cfg.Ledger,
		ledger0: cfg.Ledger0,
		ledger1: cfg.Ledger1,
		pool:    cfg.Pool,
		cfg:     cfg,
		queue:   make(chan uuid.UUID, cfg.QueueSize),
	}

	e.logger.Info().
		Str("asset0", cfg.Asset0).
		Str("asset1", cfg.Asset1).
		Int("maxStepAttempts", cfg.MaxStepAttempts).
		Msg("Engine created")

	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.Journal == nil {
		return errors.Join(ErrInvalidConfig, errors.New("journal cannot be nil"))
	}
	if cfg.Ledger == nil {
		return errors.Join(ErrInvalidConfig, errors.New("balance ledger cannot be nil"))
	}
	if cfg.Ledger0 == nil || cfg.Ledger1 == nil {
		return errors.Join(ErrInvalidConfig, errors.New("token ledger clients cannot be nil"))
	}
	if cfg.Pool == nil {
		return errors.Join(ErrInvalidConfig, errors.New("pool client cannot be nil"))
	}
	if cfg.Asset0 == "" || cfg.Asset1 == "" || cfg.ShareAsset == "" {
		return errors.Join(ErrInvalidConfig, errors.New("asset symbols cannot be empty"))
	}
	if cfg.Asset0 == cfg.Asset1 {
		return errors.Join(ErrInvalidConfig, errors.New("asset symbols must differ"))
	}
	if cfg.UnitAccount == "" || cfg.TreasuryAccount == "" || cfg.PoolAccount == "" {
		return errors.Join(ErrInvalidConfig, errors.New("accounts cannot be empty"))
	}
	if cfg.MaxStepAttempts < 1 {
		return errors.Join(ErrInvalidConfig, errors.New("max step attempts must be at least 1"))
	}
	return nil
}

// SubmitDeposit journals a deposit request and returns its operation id
// immediately. Completion is observed by polling OperationStatus.
func (e *Engine) SubmitDeposit(amount0, amount1 sdkmath.Int, maxSlippageBps uint32) (uuid.UUID, error) {
	if amount0.IsNil() || amount1.IsNil() || !amount0.IsPositive() || !amount1.IsPositive() {
		return uuid.Nil, fmt.Errorf("%w: deposit amounts must be positive", ErrInvalidRequest)
	}

	op := newOperation(types.OperationDeposit, maxSlippageBps)
	op.Amount0 = amount0
	op.Amount1 = amount1
	return e.submit(op)
}

// SubmitWithdraw journals a withdraw request for the given share amount.
// The owned-shares check here is a fast pre-filter against the current
// view; the authoritative check runs again on the writer goroutine when
// the operation is planned, after any earlier queued work has settled.
func (e *Engine) SubmitWithdraw(shares sdkmath.Int, maxSlippageBps uint32) (uuid.UUID, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return uuid.Nil, fmt.Errorf("%w: share amount must be positive", ErrInvalidRequest)
	}
	if shares.GT(e.ledger.Get(e.cfg.ShareAsset).Owned) {
		return uuid.Nil, fmt.Errorf("%w: %s shares requested", ErrInsufficientOwn, shares.String())
	}

	op := newOperation(types.OperationWithdraw, maxSlippageBps)
	op.Shares = shares
	return e.submit(op)
}

// SubmitRebalance journals a request to restore the target deployed
// fraction of total value, expressed in basis points.
func (e *Engine) SubmitRebalance(targetBps uint32, maxSlippageBps uint32) (uuid.UUID, error) {
	if targetBps > 10_000 {
		return uuid.Nil, fmt.Errorf("%w: target must be at most 10000 bps", ErrInvalidRequest)
	}

	op := newOperation(types.OperationRebalance, maxSlippageBps)
	op.TargetBps = targetBps
	return e.submit(op)
}

func newOperation(kind types.OperationKind, maxSlippageBps uint32) *types.Operation {
	now := time.Now().UTC()
	return &types.Operation{
		ID:             uuid.New(),
		Kind:           kind,
		Status:         types.StatusPending,
		Amount0:        sdkmath.ZeroInt(),
		Amount1:        sdkmath.ZeroInt(),
		Shares:         sdkmath.ZeroInt(),
		MaxSlippageBps: maxSlippageBps,
		SchemaVersion:  1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (e *Engine) submit(op *types.Operation) (uuid.UUID, error) {
	if err := e.journal.CreateOperation(op); err != nil {
		return uuid.Nil, fmt.Errorf("failed to journal operation: %w", err)
	}

	select {
	case e.queue <- op.ID:
	default:
		// The request is journaled but will never run; record why.
		if err := e.journal.SetOperationStatus(op.ID, types.StatusFailed, "submission queue full"); err != nil {
			e.logger.Error().Err(err).Str("operation_id", op.ID.String()).Msg("Failed to mark queue-full rejection")
		}
		return uuid.Nil, ErrQueueFull
	}

	e.logger.Info().
		Str("operation_id", op.ID.String()).
		Str("kind", string(op.Kind)).
		Msg("Operation submitted")
	return op.ID, nil
}

// OperationStatus returns the journaled operation and its steps. The
// reported status always reflects true state, including PartiallyFailed.
func (e *Engine) OperationStatus(id uuid.UUID) (*types.Operation, []*types.Step, error) {
	op, err := e.journal.GetOperation(id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := e.journal.Steps(id)
	if err != nil {
		return nil, nil, err
	}
	return op, steps, nil
}

// Run resumes interrupted operations, then consumes the submission queue
// until the context is cancelled. It is the only goroutine that mutates
// operations and the balance ledger. A drive interrupted by an
// infrastructure failure is retried in place; newer submissions wait, so
// no operation ever starts ahead of an older unresolved one.
func (e *Engine) Run(ctx context.Context) {
	if err := e.resume(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Startup resume aborted")
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopped due to context cancellation")
			return
		case id := <-e.queue:
			e.driveUntilResolved(ctx, id)
		}
	}
}

// resume drives every non-terminal journaled operation to a resolution
// before any new request is accepted. The journal replay reconstructs
// the exact step the machine was on when the process stopped.
func (e *Engine) resume(ctx context.Context) error {
	pending, err := e.journal.ListUnresolved()
	if err != nil {
		return fmt.Errorf("failed to list unresolved operations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	e.logger.Info().Int("count", len(pending)).Msg("Resuming unresolved operations from journal")
	for _, op := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.driveUntilResolved(ctx, op.ID)
	}
	return nil
}

// driveUntilResolved retries execute until the operation resolves or the
// context ends. A drive error means an infrastructure dependency failed
// mid-operation; the operation is still the oldest unresolved work, so
// nothing newer may start until it lands.
func (e *Engine) driveUntilResolved(ctx context.Context, id uuid.UUID) {
	for {
		err := e.execute(ctx, id)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		e.logger.Error().Err(err).Str("operation_id", id.String()).Msg("Operation drive failed; retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RetryDelay):
		}
	}
}

func (e *Engine) assetClient(asset string) (tokenledger.Client, error) {
	switch asset {
	case e.cfg.Asset0:
		return e.ledger0, nil
	case e.cfg.Asset1:
		return e.ledger1, nil
	default:
		return nil, fmt.Errorf("%w: unknown asset %q", ErrInvalidRequest, asset)
	}
}
