// Package relay sequences a chat request through the guards, validation and
// the upstream provider, relays the output and records the outcome.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/application/guard"
	"chat-relay/domain/chat"
	"chat-relay/domain/identity"
	"chat-relay/domain/persistence"
	"chat-relay/domain/quota"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is a step of one relayed request.
type State string

const (
	StateAdmitted        State = "admitted"
	StateAuthenticated   State = "authenticated"
	StateQuotaChecked    State = "quota_checked"
	StateValidated       State = "validated"
	StateModelAuthorized State = "model_authorized"
	StateStreaming       State = "streaming"
	StateFinalizing      State = "finalizing"
	StateClosed          State = "closed"
	StateAborted         State = "aborted"
)

// StreamFailureMessage is what the client sees when generation fails after
// the stream opened. Vendor detail stays in the logs.
const StreamFailureMessage = "The model provider failed to complete the response. Please try again."

const defaultFinalizeTimeout = 5 * time.Second

// Admission is an inbound request as received by the transport.
type Admission struct {
	RequestID  string
	ClientAddr string
	Credential string
	Body       []byte
	// BodyErr is set when the transport could not read Body. It is reported
	// as a validation failure once the caller is authenticated.
	BodyErr error
}

// DoneEvent is the payload of a successful terminal event.
type DoneEvent struct {
	Usage          chat.TokenUsage
	ConversationID uuid.UUID
}

// EventSink is the client side of a relayed stream. Open commits the
// response; after that only Token and exactly one of Done or Error are used.
// A write error means the client is gone.
type EventSink interface {
	Open() error
	Token(text string) error
	Done(event DoneEvent) error
	Error(message string) error
}

// RateGuard is the per-address flood guard.
type RateGuard interface {
	Check(ctx context.Context, identifier string) quota.QuotaDecision
}

// QuotaGuard resolves the caller's tier, usage and quota decision.
type QuotaGuard interface {
	Check(ctx context.Context, userID string, now time.Time) (*guard.QuotaStatus, error)
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Authenticator identity.Authenticator
	RateGuard     RateGuard
	QuotaGuard    QuotaGuard
	Providers     chat.ProviderFactory
	Messages      persistence.MessageStore
	Ledger        persistence.UsageLedger

	// Transactions, when set, stores the user turn and the reply atomically.
	Transactions persistence.TransactionManager

	// FinalizeTimeout bounds the post-completion writes. Default 5s.
	FinalizeTimeout time.Duration
}

// Orchestrator runs the relay state machine for each request.
type Orchestrator struct {
	auth            identity.Authenticator
	rate            RateGuard
	quota           QuotaGuard
	providers       chat.ProviderFactory
	messages        persistence.MessageStore
	ledger          persistence.UsageLedger
	transactions    persistence.TransactionManager
	finalizeTimeout time.Duration
	now             func() time.Time
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	timeout := deps.FinalizeTimeout
	if timeout <= 0 {
		timeout = defaultFinalizeTimeout
	}
	return &Orchestrator{
		auth:            deps.Authenticator,
		rate:            deps.RateGuard,
		quota:           deps.QuotaGuard,
		providers:       deps.Providers,
		messages:        deps.Messages,
		ledger:          deps.Ledger,
		transactions:    deps.Transactions,
		finalizeTimeout: timeout,
		now:             time.Now,
	}
}

// admitted is a request that passed every pre-stream check.
type admitted struct {
	caller   identity.Identity
	tier     quota.SubscriptionTier
	request  *chat.GenerationRequest
	provider chat.Provider
	log      *logrus.Entry
}

func transition(log *logrus.Entry, state State) *logrus.Entry {
	log = log.WithField("state", state)
	log.Debug("Relay state changed")
	return log
}

func abort(log *logrus.Entry, err error) error {
	log.WithError(err).WithField("state", StateAborted).Info("Relay aborted")
	return err
}

func (o *Orchestrator) authenticate(ctx context.Context, credential string) (identity.Identity, error) {
	caller, err := o.auth.Authenticate(ctx, credential)
	if err != nil {
		if !errors.Is(err, chat.ErrUnauthenticated) {
			err = fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
		}
		return identity.Identity{}, err
	}
	return caller, nil
}

// admit runs Admitted through ModelAuthorized and resolves the provider.
func (o *Orchestrator) admit(ctx context.Context, adm Admission) (*admitted, error) {
	log := logrus.WithFields(logrus.Fields{
		"request_id":  adm.RequestID,
		"client_addr": adm.ClientAddr,
	})
	log = transition(log, StateAdmitted)

	caller, err := o.authenticate(ctx, adm.Credential)
	if err != nil {
		return nil, abort(log, err)
	}
	log = transition(log.WithField("user_id", caller.UserID), StateAuthenticated)

	if decision := o.rate.Check(ctx, adm.ClientAddr); !decision.Allowed {
		return nil, abort(log, &chat.RateLimitedError{RetryAt: decision.WindowResetAt})
	}

	status, err := o.quota.Check(ctx, caller.UserID, o.now())
	if err != nil {
		return nil, abort(log, fmt.Errorf("%w: quota lookup: %v", chat.ErrInternal, err))
	}
	if !status.Decision.Allowed {
		return nil, abort(log, &chat.QuotaExceededError{
			Tier:    string(status.Tier),
			Limit:   status.Decision.LimitCeiling,
			RetryAt: status.Decision.WindowResetAt,
		})
	}
	log = transition(log.WithField("tier", status.Tier), StateQuotaChecked)

	if adm.BodyErr != nil {
		return nil, abort(log, adm.BodyErr)
	}
	req, err := ParseRequest(adm.Body)
	if err != nil {
		return nil, abort(log, err)
	}
	if req.ConversationID != nil {
		if _, err := o.messages.FindConversation(ctx, *req.ConversationID, caller.UserID); err != nil {
			if errors.Is(err, persistence.ErrConversationNotFound) {
				return nil, abort(log, &chat.ValidationError{Detail: "conversationId does not reference one of your conversations"})
			}
			return nil, abort(log, fmt.Errorf("%w: conversation lookup: %v", chat.ErrInternal, err))
		}
	}
	log = transition(log.WithField("model", req.ModelID), StateValidated)

	if !quota.ConfigFor(status.Tier).AllowsModel(req.ModelID) {
		return nil, abort(log, &chat.ModelForbiddenError{Tier: string(status.Tier), Model: req.ModelID})
	}
	log = transition(log, StateModelAuthorized)

	req.Turns = SanitizeTurns(req.Turns)
	if !chat.HasTrailingUserTurn(req.Turns) {
		return nil, abort(log, &chat.ValidationError{Detail: "conversation must end with a non-empty user message"})
	}

	provider, err := o.providers.ProviderFor(req.ModelID)
	if err != nil {
		return nil, abort(log, err)
	}

	return &admitted{
		caller:   caller,
		tier:     status.Tier,
		request:  req,
		provider: provider,
		log:      log.WithField("vendor", provider.Vendor()),
	}, nil
}

// Relay handles one streaming request. An error is returned only when the
// request was rejected before sink.Open; the transport reports it as a
// regular response. Once the stream is open every outcome goes to the sink.
func (o *Orchestrator) Relay(ctx context.Context, adm Admission, sink EventSink) error {
	run, err := o.admit(ctx, adm)
	if err != nil {
		return err
	}

	if err := sink.Open(); err != nil {
		abort(run.log, fmt.Errorf("open stream: %w", err))
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := transition(run.log, StateStreaming)
	started := time.Now()
	tokens := 0

	for ev := range run.provider.StreamChat(streamCtx, run.request.Turns) {
		switch ev.Kind {
		case chat.EventToken:
			if err := sink.Token(ev.Text); err != nil {
				cancel()
				abort(log, fmt.Errorf("client write failed: %w", err))
				return nil
			}
			tokens++

		case chat.EventCompleted:
			if ctx.Err() != nil {
				abort(log, fmt.Errorf("client disconnected: %w", ctx.Err()))
				return nil
			}
			log = transition(log, StateFinalizing)
			conversationID := o.finalize(ctx, run, ev.FullText, ev.Usage)

			if err := sink.Done(DoneEvent{Usage: ev.Usage, ConversationID: conversationID}); err != nil {
				log.WithError(err).Warn("Failed to deliver done event")
			}
			log.WithFields(logrus.Fields{
				"state":        StateClosed,
				"token_events": tokens,
				"total_tokens": ev.Usage.TotalUnits,
				"duration_ms":  time.Since(started).Milliseconds(),
			}).Info("Relay completed")
			return nil

		case chat.EventFailed:
			abort(log.WithField("token_events", tokens), ev.Err)
			if err := sink.Error(StreamFailureMessage); err != nil {
				log.WithError(err).Warn("Failed to deliver error event")
			}
			return nil
		}
	}

	abort(log.WithField("token_events", tokens), fmt.Errorf("stream ended without a terminal event: %w", context.Cause(ctx)))
	return nil
}

// CompletionResult is the outcome of a batch completion.
type CompletionResult struct {
	Content        string          `json:"content"`
	Model          string          `json:"model"`
	Usage          chat.TokenUsage `json:"usage"`
	ConversationID uuid.UUID       `json:"conversationId"`
}

// Complete handles one non-streaming request with the same admission and
// bookkeeping as Relay.
func (o *Orchestrator) Complete(ctx context.Context, adm Admission) (*CompletionResult, error) {
	run, err := o.admit(ctx, adm)
	if err != nil {
		return nil, err
	}

	log := transition(run.log, StateStreaming)
	completion, err := run.provider.Chat(ctx, run.request.Turns)
	if err != nil {
		return nil, abort(log, err)
	}
	if ctx.Err() != nil {
		return nil, abort(log, ctx.Err())
	}

	log = transition(log, StateFinalizing)
	conversationID := o.finalize(ctx, run, completion.Text, completion.Usage)
	log.WithFields(logrus.Fields{
		"state":        StateClosed,
		"total_tokens": completion.Usage.TotalUnits,
	}).Info("Completion finished")

	return &CompletionResult{
		Content:        completion.Text,
		Model:          run.request.ModelID,
		Usage:          completion.Usage,
		ConversationID: conversationID,
	}, nil
}

// finalize records a successful generation. Each write is attempted on its
// own and failures are only logged: the client already has the output.
func (o *Orchestrator) finalize(ctx context.Context, run *admitted, text string, usage chat.TokenUsage) uuid.UUID {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
	defer cancel()

	now := o.now()
	userID := run.caller.UserID
	req := run.request

	var conversationID uuid.UUID
	if req.ConversationID != nil {
		conversationID = *req.ConversationID
	} else {
		conv := &persistence.ConversationRecord{UserID: userID, Title: titleFrom(req.Turns)}
		if err := o.messages.CreateConversation(pctx, conv); err != nil {
			persistFailed(run.log, "create_conversation", err)
		} else {
			conversationID = conv.ID
		}
	}

	if conversationID != uuid.Nil {
		prompt, hasPrompt := req.LastUserTurn()
		reply := &persistence.MessageRecord{
			ConversationID:   conversationID,
			UserID:           userID,
			Role:             string(chat.RoleAssistant),
			Content:          text,
			Model:            req.ModelID,
			PromptTokens:     usage.PromptUnits,
			CompletionTokens: usage.CompletionUnits,
			TotalTokens:      usage.TotalUnits,
			CreatedAt:        now.Add(time.Millisecond),
		}

		// The prompt and its reply are stored together or not at all.
		err := o.inTransaction(pctx, func(tctx context.Context) error {
			if hasPrompt {
				if err := o.messages.AppendMessage(tctx, &persistence.MessageRecord{
					ConversationID: conversationID,
					UserID:         userID,
					Role:           string(chat.RoleUser),
					Content:        prompt.Content,
					Model:          req.ModelID,
					CreatedAt:      now,
				}); err != nil {
					return fmt.Errorf("append user message: %w", err)
				}
			}
			if err := o.messages.AppendMessage(tctx, reply); err != nil {
				return fmt.Errorf("append assistant message: %w", err)
			}
			return nil
		})
		if err != nil {
			persistFailed(run.log, "append_exchange", err)
		}

		if err := o.messages.TouchConversation(pctx, conversationID, userID, now); err != nil {
			persistFailed(run.log, "touch_conversation", err)
		}
	}

	if err := o.ledger.Increment(pctx, userID, 1, usage.TotalUnits, now); err != nil {
		persistFailed(run.log, "increment_usage", err)
	}

	return conversationID
}

func (o *Orchestrator) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if o.transactions == nil {
		return fn(ctx)
	}
	return o.transactions.WithTransaction(ctx, fn)
}

func persistFailed(log *logrus.Entry, op string, err error) {
	log.WithError(&chat.PersistenceError{Op: op, Err: err}).Error("Post-completion write failed")
}

// UsageSnapshot is the caller's plan and consumption for the current period.
type UsageSnapshot struct {
	Tier          quota.SubscriptionTier `json:"tier"`
	MessagesUsed  int64                  `json:"messagesUsed"`
	TokensUsed    int64                  `json:"tokensUsed"`
	PeriodStart   time.Time              `json:"periodStart"`
	PeriodEnd     time.Time              `json:"periodEnd"`
	AllowedModels []string               `json:"allowedModels"`
	Features      []quota.Feature        `json:"features"`
	Quota         quota.QuotaDecision    `json:"quota"`
}

// Usage reports the authenticated caller's quota state without consuming it.
func (o *Orchestrator) Usage(ctx context.Context, credential string) (*UsageSnapshot, error) {
	caller, err := o.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	status, err := o.quota.Check(ctx, caller.UserID, o.now())
	if err != nil {
		return nil, fmt.Errorf("%w: quota lookup: %v", chat.ErrInternal, err)
	}

	cfg := quota.ConfigFor(status.Tier)
	return &UsageSnapshot{
		Tier:          status.Tier,
		MessagesUsed:  status.Period.MessagesCount,
		TokensUsed:    status.Period.TokensUsed,
		PeriodStart:   status.Period.PeriodStart,
		PeriodEnd:     status.Period.PeriodEnd,
		AllowedModels: cfg.AllowedModels,
		Features:      cfg.Features,
		Quota:         status.Decision,
	}, nil
}

// DefaultHistoryLimit caps how many messages History returns.
const DefaultHistoryLimit = 200

// ConversationHistory is a stored conversation with its messages, oldest first.
type ConversationHistory struct {
	Conversation *persistence.ConversationRecord `json:"conversation"`
	Messages     []*persistence.MessageRecord    `json:"messages"`
}

// History returns one of the caller's conversations. Conversations owned by
// someone else are reported as persistence.ErrConversationNotFound.
func (o *Orchestrator) History(ctx context.Context, credential string, conversationID uuid.UUID, limit int) (*ConversationHistory, error) {
	caller, err := o.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	conv, err := o.messages.FindConversation(ctx, conversationID, caller.UserID)
	if err != nil {
		if errors.Is(err, persistence.ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: conversation lookup: %v", chat.ErrInternal, err)
	}

	messages, err := o.messages.FindMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: message lookup: %v", chat.ErrInternal, err)
	}
	return &ConversationHistory{Conversation: conv, Messages: messages}, nil
}
