// Package reconcile applies billing lifecycle events to the premium role and
// the ledger row of the affected subscriber.
//
// Every step is idempotent so a redelivered event converges on the same state.
// Steps never roll each other back: a failed grant still lets the ledger step
// run and the other way round.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rcourtman/subsync/internal/access"
	"github.com/rcourtman/subsync/internal/billing"
	syncerrors "github.com/rcourtman/subsync/internal/errors"
	"github.com/rcourtman/subsync/internal/identity"
	"github.com/rcourtman/subsync/internal/ledger"
	"github.com/rcourtman/subsync/internal/logging"
	"github.com/rcourtman/subsync/internal/metrics"
	"github.com/rcourtman/subsync/internal/platform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrRetryable matches a Handle error when redelivering the event could
// complete the skipped steps.
var ErrRetryable = syncerrors.ErrRetryable

// AccessGrantor grants and revokes the premium role.
type AccessGrantor interface {
	Grant(ctx context.Context, guildID, userID, roleID string) error
	Revoke(ctx context.Context, guildID, userID, roleID string) error
}

// Directory looks up the chat display name that keys ledger rows.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Ledger is the subscriber spreadsheet.
type Ledger interface {
	FindRowByDisplayName(ctx context.Context, displayName string) (ledger.RowRef, bool, error)
	UpdateCell(ctx context.Context, ref ledger.RowRef, column ledger.Column, value string) error
	AppendRow(ctx context.Context, row ledger.Row) error
}

// BillingLookup retrieves billing objects an event only references by id.
type BillingLookup interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error)
	GetCustomer(ctx context.Context, customerID string) (*billing.Customer, error)
}

// Scheduler runs chat-platform calls on the platform loop.
type Scheduler interface {
	Do(ctx context.Context, name string, fn func(context.Context) error) error
}

// Config holds the fixed targets of every mutation.
type Config struct {
	GuildID   string
	RoleID    string
	PlanLabel string
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Linker    *identity.Linker
	Access    AccessGrantor
	Directory Directory
	Ledger    Ledger
	Billing   BillingLookup
	Scheduler Scheduler
	Now       func() time.Time
}

// Outcome is the result of one step.
type Outcome string

const (
	OutcomeNone     Outcome = "none"
	OutcomeApplied  Outcome = "applied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeNotFound Outcome = "not_found"
	OutcomeDenied   Outcome = "denied"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimeout  Outcome = "timeout"
)

const (
	stepIdentity = "identity"
	stepAccess   = "access"
	stepLedger   = "ledger"
)

// Report describes what Handle did with one event.
type Report struct {
	EventID   string
	Kind      billing.Kind
	DiscordID string
	Resolved  bool
	Access    Outcome
	Ledger    Outcome
	Retry     bool
}

// Engine executes the per-kind reconciliation recipe.
type Engine struct {
	cfg       Config
	linker    *identity.Linker
	access    AccessGrantor
	directory Directory
	ledger    Ledger
	billing   BillingLookup
	scheduler Scheduler
	now       func() time.Time
}

// NewEngine wires an Engine. Linker and Now default when unset.
func NewEngine(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:       cfg,
		linker:    deps.Linker,
		access:    deps.Access,
		directory: deps.Directory,
		ledger:    deps.Ledger,
		billing:   deps.Billing,
		scheduler: deps.Scheduler,
		now:       deps.Now,
	}
	if e.linker == nil {
		e.linker = identity.NewLinker()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Handle applies ev. The returned error joins every failed step; it matches
// ErrRetryable when a redelivery could finish the event.
func (e *Engine) Handle(ctx context.Context, ev billing.Event) (Report, error) {
	r := e.newRun(ctx, ev.Kind, ev.ID)
	r.log = r.log.With().
		Str("event_type", ev.Type).
		Str("customer_id", ev.CustomerID).
		Str("subscription_id", ev.SubscriptionID).
		Logger()

	switch ev.Kind {
	case billing.KindCheckoutCompleted, billing.KindPaymentSucceeded:
		sub, ok := r.retrieveSubscription(ctx, ev.SubscriptionID)
		if !ok || !r.resolve(e.linker.ResolveSubscription(sub)) {
			break
		}
		r.applyAccess(ctx, true)

	case billing.KindCreated:
		if !r.resolve(e.linker.ResolveSubscription(ev.Subscription)) {
			break
		}
		r.applyAccess(ctx, true)
		r.upsertActive(ctx, ev)

	case billing.KindPaymentFailed:
		cust, lookup := r.retrieveCustomer(ctx, stepIdentity, ev.CustomerID)
		if lookup != OutcomeNone || !r.resolve(e.linker.ResolveCustomer(cust)) {
			break
		}
		r.applyAccess(ctx, false)
		r.markStatus(ctx, ledger.StatusPaymentFailed)

	case billing.KindCancelled:
		if !r.resolve(e.linker.ResolveSubscription(ev.Subscription)) {
			break
		}
		r.applyAccess(ctx, false)
		r.markStatus(ctx, ledger.StatusCancelled)

	default:
		r.log.Debug().Msg("Ignoring unhandled billing event")
	}

	return r.finish()
}

// ApplyCancellation runs the Cancelled branch for a user who cancelled from
// chat, after the billing side has already been cancelled.
func (e *Engine) ApplyCancellation(ctx context.Context, discordID string) (Report, error) {
	r := e.newRun(ctx, billing.KindCancelled, "")
	if r.resolve(discordID, nil) {
		r.applyAccess(ctx, false)
		r.markStatus(ctx, ledger.StatusCancelled)
	}
	return r.finish()
}

// run carries the state of one Handle call.
type run struct {
	e      *Engine
	log    zerolog.Logger
	report Report
	errs   []error
}

func (e *Engine) newRun(ctx context.Context, kind billing.Kind, eventID string) *run {
	lc := log.With().Str("kind", string(kind))
	if eventID != "" {
		lc = lc.Str("event_id", eventID)
	}
	if id := logging.RequestID(ctx); id != "" {
		lc = lc.Str("request_id", id)
	}
	return &run{
		e:   e,
		log: lc.Logger(),
		report: Report{
			EventID: eventID,
			Kind:    kind,
			Access:  OutcomeNone,
			Ledger:  OutcomeNone,
		},
	}
}

func (r *run) finish() (Report, error) {
	err := errors.Join(r.errs...)
	r.report.Retry = syncerrors.IsRetryableError(err)

	ev := r.log.Info()
	if err != nil {
		ev = r.log.Warn().Err(err)
	}
	ev.Bool("resolved", r.report.Resolved).
		Str("access", string(r.report.Access)).
		Str("ledger", string(r.report.Ledger)).
		Bool("retry", r.report.Retry).
		Msg("Billing event reconciled")
	return r.report, err
}

func (r *run) fail(stepErr *syncerrors.StepError) {
	r.errs = append(r.errs, stepErr.WithEvent(r.report.EventID).WithUser(r.report.DiscordID))
}

func (r *run) record(step string, outcome Outcome) {
	metrics.RecordStep(string(r.report.Kind), step, string(outcome))
}

func (r *run) resolve(discordID string, err error) bool {
	if err != nil || discordID == "" {
		r.log.Info().Msg("Subscriber identity unresolved; skipping access and ledger")
		r.record(stepIdentity, OutcomeSkipped)
		return false
	}
	r.report.DiscordID = discordID
	r.report.Resolved = true
	r.log = r.log.With().Str("discord_id", discordID).Logger()
	r.record(stepIdentity, OutcomeApplied)
	return true
}

func (r *run) retrieveSubscription(ctx context.Context, id string) (*billing.Subscription, bool) {
	if id == "" {
		return nil, true
	}
	sub, err := r.e.billing.GetSubscription(ctx, id)
	if err != nil {
		r.lookupFailed(stepIdentity, "retrieve_subscription", err)
		return nil, false
	}
	return sub, true
}

func (r *run) retrieveCustomer(ctx context.Context, step, id string) (*billing.Customer, Outcome) {
	if id == "" {
		return nil, OutcomeNone
	}
	cust, err := r.e.billing.GetCustomer(ctx, id)
	if err != nil {
		return nil, r.lookupFailed(step, "retrieve_customer", err)
	}
	return cust, OutcomeNone
}

// lookupFailed records a failed billing lookup against step. An object Stripe
// no longer has is final; anything else is left for redelivery.
func (r *run) lookupFailed(step, op string, err error) Outcome {
	if billing.IsNotFound(err) {
		r.log.Info().Err(err).Str("step", step).Str("op", op).Msg("Billing object no longer exists; event ignored")
		r.record(step, OutcomeNotFound)
		return OutcomeNotFound
	}
	r.log.Error().Err(err).Str("step", step).Str("op", op).Msg("Billing lookup failed")
	r.record(step, OutcomeFailed)
	r.fail(syncerrors.NewStepError(syncerrors.ErrorTypeBilling, op, err))
	return OutcomeFailed
}

func (r *run) applyAccess(ctx context.Context, grant bool) {
	op, fn := "revoke", r.e.access.Revoke
	if grant {
		op, fn = "grant", r.e.access.Grant
	}
	err := r.e.scheduler.Do(ctx, "access."+op, func(ctx context.Context) error {
		return fn(ctx, r.e.cfg.GuildID, r.report.DiscordID, r.e.cfg.RoleID)
	})
	r.report.Access = r.classify(stepAccess, op, syncerrors.ErrorTypeAccess, err)
}

func (r *run) displayName(ctx context.Context) (string, error) {
	var name string
	err := r.e.scheduler.Do(ctx, "directory.display_name", func(ctx context.Context) error {
		n, err := r.e.directory.DisplayName(ctx, r.report.DiscordID)
		name = n
		return err
	})
	return name, err
}

func (r *run) upsertActive(ctx context.Context, ev billing.Event) {
	name, err := r.displayName(ctx)
	if err != nil {
		r.report.Ledger = r.classify(stepLedger, "display_name", syncerrors.ErrorTypeAccess, err)
		return
	}
	lg := r.log.With().Str("display_name", name).Logger()

	ref, found, err := r.e.ledger.FindRowByDisplayName(ctx, name)
	if err != nil {
		r.report.Ledger = r.classify(stepLedger, "ledger_find", syncerrors.ErrorTypeLedger, err)
		return
	}
	if found {
		err = r.e.ledger.UpdateCell(ctx, ref, ledger.ColumnStatus, string(ledger.StatusActive))
		r.report.Ledger = r.classify(stepLedger, "ledger_update", syncerrors.ErrorTypeLedger, err)
		if err == nil {
			lg.Info().Int("row", ref.Row).Msg("Ledger row reactivated")
		}
		return
	}

	customerID := ev.CustomerID
	if customerID == "" && ev.Subscription != nil {
		customerID = ev.Subscription.CustomerID
	}
	cust, lookup := r.retrieveCustomer(ctx, stepLedger, customerID)
	if lookup != OutcomeNone {
		r.report.Ledger = lookup
		return
	}

	row := ledger.Row{
		Name:        cust.DisplayName(),
		Email:       ev.CustomerEmail,
		DisplayName: name,
		JoinDate:    r.e.now(),
		Plan:        r.e.cfg.PlanLabel,
		Status:      ledger.StatusActive,
	}
	if cust != nil && cust.Email != "" {
		row.Email = cust.Email
	}
	if ev.Subscription != nil {
		row.NextBillingDate = ev.Subscription.CurrentPeriodEnd
	}
	err = r.e.ledger.AppendRow(ctx, row)
	r.report.Ledger = r.classify(stepLedger, "ledger_append", syncerrors.ErrorTypeLedger, err)
	if err == nil {
		lg.Info().Msg("Ledger row appended")
	}
}

func (r *run) markStatus(ctx context.Context, status ledger.Status) {
	name, err := r.displayName(ctx)
	if err != nil {
		r.report.Ledger = r.classify(stepLedger, "display_name", syncerrors.ErrorTypeAccess, err)
		return
	}
	lg := r.log.With().Str("display_name", name).Str("status", string(status)).Logger()

	ref, found, err := r.e.ledger.FindRowByDisplayName(ctx, name)
	if err != nil {
		r.report.Ledger = r.classify(stepLedger, "ledger_find", syncerrors.ErrorTypeLedger, err)
		return
	}
	if !found {
		lg.Info().Msg("No ledger row for subscriber; status not recorded")
		r.report.Ledger = OutcomeSkipped
		r.record(stepLedger, OutcomeSkipped)
		return
	}
	err = r.e.ledger.UpdateCell(ctx, ref, ledger.ColumnStatus, string(status))
	r.report.Ledger = r.classify(stepLedger, "ledger_update", syncerrors.ErrorTypeLedger, err)
	if err == nil {
		lg.Info().Int("row", ref.Row).Msg("Ledger status updated")
	}
}

// classify turns a step error into an outcome, logging it and recording the
// error when a redelivery or operator needs to know.
func (r *run) classify(step, op string, errType syncerrors.ErrorType, err error) Outcome {
	var outcome Outcome
	switch {
	case err == nil:
		outcome = OutcomeApplied
	case access.IsResourceNotFound(err):
		r.log.Warn().Err(err).Str("step", step).Str("op", op).Msg("Discord resource not found; step skipped")
		outcome = OutcomeNotFound
	case errors.Is(err, access.ErrMissingPermission):
		r.log.Error().Err(err).Str("step", step).Str("op", op).Msg("Bot lacks the Discord permission for this step; step skipped")
		outcome = OutcomeDenied
	case errors.Is(err, platform.ErrTimeout):
		r.log.Warn().Err(err).Str("step", step).Str("op", op).Msg("Platform call timed out; step left for redelivery")
		r.fail(syncerrors.NewStepError(syncerrors.ErrorTypeTimeout, op, err))
		outcome = OutcomeTimeout
	default:
		if errType == syncerrors.ErrorTypeLedger && !errors.Is(err, ledger.ErrStoreUnavailable) {
			errType = syncerrors.ErrorTypeInternal
		}
		r.log.Error().Err(err).Str("step", step).Str("op", op).Msg("Reconciliation step failed")
		r.fail(syncerrors.NewStepError(errType, op, err))
		outcome = OutcomeFailed
	}
	r.record(step, outcome)
	return outcome
}
