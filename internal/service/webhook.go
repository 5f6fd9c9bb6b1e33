package service

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/metrics"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/repository"
)

// Actions recorded in the webhook event log.
const (
	ActionSynced  = "synced"
	ActionDeleted = "deleted"
	ActionRevoked = "revoked"
	ActionIgnored = "ignored"
	ActionFailed  = "failed"
)

const webhookSchemaURL = "https://training-sync.local/schemas/webhook-event.json"

// Only the envelope is checked; unknown object or aspect types pass and
// are ignored later.
const webhookSchemaJSON = `{
	"type": "object",
	"required": ["object_type", "object_id", "aspect_type", "owner_id"],
	"properties": {
		"object_type":     {"type": "string", "minLength": 1},
		"object_id":       {"type": "integer"},
		"aspect_type":     {"type": "string", "minLength": 1},
		"owner_id":        {"type": "integer"},
		"subscription_id": {"type": "integer"},
		"event_time":      {"type": "integer"},
		"updates":         {"type": "object"}
	}
}`

var webhookSchema = mustCompileSchema(webhookSchemaURL, webhookSchemaJSON)

func mustCompileSchema(url, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic("service: parsing webhook schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic("service: adding webhook schema: " + err.Error())
	}
	return c.MustCompile(url)
}

// Syncer starts a sync run. *SyncOrchestrator implements it.
type Syncer interface {
	RunSync(ctx context.Context, userID string, req SyncRequest) (*SyncOutcome, error)
}

// WebhookResult describes what one event led to.
type WebhookResult struct {
	EventID string       `json:"eventId"`
	Action  string       `json:"action"`
	UserID  string       `json:"userId,omitempty"`
	Outcome *SyncOutcome `json:"outcome,omitempty"`
}

// DefaultWebhookRunTimeout caps a sync started by an event. The provider
// gives up on a delivery after about two seconds and sends it again, and
// every redelivered create or update costs another run against the daily
// budget.
const DefaultWebhookRunTimeout = 5 * time.Second

type WebhookDeps struct {
	Credentials *CredentialStore
	Syncer      Syncer
	Activities  repository.ActivityRepository
	Events      repository.WebhookEventRepository
	// RunTimeout caps the quick sync an event triggers. Zero means
	// DefaultWebhookRunTimeout.
	RunTimeout time.Duration
}

// WebhookProcessor turns provider push events into local changes.
//
// EVENT TABLE:
//
//	activity.create / activity.update -> quick sync, gate bypassed
//	activity.delete                   -> delete the local row if present
//	athlete.update, authorized=false  -> revoke the credential
//	anything else                     -> ignored
//
// Events for an athlete nobody connected are logged and dropped. Every
// event is appended to the event log. Providers deliver at least once, and
// every branch above is safe to repeat.
type WebhookProcessor struct {
	credentials *CredentialStore
	syncer      Syncer
	activities  repository.ActivityRepository
	events      repository.WebhookEventRepository
	runTimeout  time.Duration
	verifyToken string
	logger      *slog.Logger
}

func NewWebhookProcessor(deps WebhookDeps, verifyToken string, logger *slog.Logger) *WebhookProcessor {
	runTimeout := deps.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultWebhookRunTimeout
	}
	return &WebhookProcessor{
		credentials: deps.Credentials,
		syncer:      deps.Syncer,
		activities:  deps.Activities,
		events:      deps.Events,
		runTimeout:  runTimeout,
		verifyToken: verifyToken,
		logger:      logger,
	}
}

// ParseEvent validates body against the event schema and decodes it.
func ParseEvent(body []byte) (*model.WebhookEvent, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, apperror.ValidationFailed("body", "webhook body is not valid JSON")
	}
	if err := webhookSchema.Validate(inst); err != nil {
		return nil, apperror.ValidationFailed("body", "webhook event rejected: "+err.Error())
	}

	var ev model.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, apperror.ValidationFailed("body", "webhook event rejected: "+err.Error())
	}
	return &ev, nil
}

// Handle parses and processes a raw delivery.
func (p *WebhookProcessor) Handle(ctx context.Context, body []byte) (*WebhookResult, error) {
	ev, err := ParseEvent(body)
	if err != nil {
		return nil, err
	}
	return p.ProcessEvent(ctx, ev, body)
}

// ProcessEvent applies one event. raw is stored verbatim in the event log.
//
// Sync failures are part of the result, not the error: the provider should
// not redeliver because our own sync failed. The error is non-nil only when
// the local store could not take the change or the log entry.
func (p *WebhookProcessor) ProcessEvent(ctx context.Context, ev *model.WebhookEvent, raw []byte) (*WebhookResult, error) {
	log := p.logger.With(
		slog.String("objectType", ev.ObjectType),
		slog.String("aspectType", ev.AspectType),
		slog.Int64("objectID", ev.ObjectID),
		slog.Int64("athleteID", ev.OwnerID),
	)

	res := &WebhookResult{Action: ActionIgnored}
	var procErr error

	userID, err := p.credentials.ResolveUser(ctx, ev.OwnerID)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		log.Info("webhook for unknown athlete dropped")
	case err != nil:
		res.Action = ActionFailed
		procErr = err
	default:
		res.UserID = userID
		res.Action, res.Outcome, procErr = p.apply(ctx, userID, ev)
	}

	rec := &model.WebhookEventRecord{
		ObjectType: ev.ObjectType,
		AspectType: ev.AspectType,
		ObjectID:   ev.ObjectID,
		OwnerID:    ev.OwnerID,
		UserID:     res.UserID,
		Action:     res.Action,
		Payload:    string(raw),
	}
	switch {
	case procErr != nil:
		rec.Error = procErr.Error()
	case res.Outcome != nil && !res.Outcome.Success:
		rec.Error = strings.Join(res.Outcome.Errors, "; ")
	}
	if err := p.events.SaveWebhookEvent(ctx, rec); err != nil {
		log.Error("failed to log webhook event", slog.String("error", err.Error()))
		if procErr == nil {
			procErr = apperror.PersistenceFailed("logging webhook event", err)
		}
	}
	res.EventID = rec.ID

	metrics.WebhookEvents.WithLabelValues(ev.ObjectType, ev.AspectType, res.Action).Inc()

	if procErr != nil {
		log.Error("webhook processing failed", slog.String("error", procErr.Error()))
		return res, procErr
	}
	log.Info("webhook processed",
		slog.String("userID", res.UserID),
		slog.String("action", res.Action),
	)
	return res, nil
}

func (p *WebhookProcessor) apply(ctx context.Context, userID string, ev *model.WebhookEvent) (string, *SyncOutcome, error) {
	switch ev.ObjectType + "." + ev.AspectType {
	case "activity.create", "activity.update":
		outcome, err := p.syncer.RunSync(ctx, userID, SyncRequest{
			Strategy:   StrategyQuick,
			BypassGate: true,
			Trigger:    TriggerWebhook,
			Timeout:    p.runTimeout,
		})
		if err != nil {
			return ActionFailed, nil, err
		}
		if !outcome.Success {
			return ActionFailed, outcome, nil
		}
		return ActionSynced, outcome, nil

	case "activity.delete":
		removed, err := p.activities.DeleteActivity(ctx, userID, ev.ObjectID)
		if err != nil {
			return ActionFailed, nil, apperror.PersistenceFailed("deleting activity", err)
		}
		if !removed {
			p.logger.Debug("deleted activity was not stored locally",
				slog.String("userID", userID),
				slog.Int64("objectID", ev.ObjectID),
			)
		}
		return ActionDeleted, nil, nil

	case "athlete.update":
		if !ev.Deauthorized() {
			return ActionIgnored, nil, nil
		}
		if _, err := p.credentials.Revoke(ctx, userID); err != nil {
			return ActionFailed, nil, err
		}
		return ActionRevoked, nil, nil
	}
	return ActionIgnored, nil, nil
}

// VerifySubscription answers the provider's subscription handshake.
// It returns the challenge to echo back, or a Forbidden error.
func (p *WebhookProcessor) VerifySubscription(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || challenge == "" || p.verifyToken == "" {
		return "", apperror.Forbidden("webhook verification failed")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.verifyToken)) != 1 {
		return "", apperror.Forbidden("webhook verification failed")
	}
	return challenge, nil
}

// RecentEvents lists userID's part of the event log, newest first.
// Events that resolved to no user are never listed.
func (p *WebhookProcessor) RecentEvents(ctx context.Context, userID string, limit int) ([]model.WebhookEventRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.ValidationFailed("userId", "user id is required")
	}
	events, err := p.events.ListWebhookEvents(ctx, userID, repository.ListOptions{Limit: limit})
	if err != nil {
		return nil, apperror.PersistenceFailed("listing webhook events", err)
	}
	if events == nil {
		events = []model.WebhookEventRecord{}
	}
	return events, nil
}
