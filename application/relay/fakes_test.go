package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-relay/domain/chat"
	"chat-relay/domain/identity"
	"chat-relay/domain/persistence"
	"chat-relay/domain/quota"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, credential string) (identity.Identity, error) {
	args := m.Called(ctx, credential)
	return args.Get(0).(identity.Identity), args.Error(1)
}

type MockRateGuard struct {
	mock.Mock
}

func (m *MockRateGuard) Check(ctx context.Context, identifier string) quota.QuotaDecision {
	args := m.Called(ctx, identifier)
	return args.Get(0).(quota.QuotaDecision)
}

type MockProviderFactory struct {
	mock.Mock
}

func (m *MockProviderFactory) ProviderFor(modelID string) (chat.Provider, error) {
	args := m.Called(modelID)
	if p := args.Get(0); p != nil {
		return p.(chat.Provider), args.Error(1)
	}
	return nil, args.Error(1)
}

// scriptedProvider replays events. With hold set it keeps the stream open
// after the script until ctx is cancelled, then closes without a terminal.
type scriptedProvider struct {
	mu         sync.Mutex
	events     []chat.StreamEvent
	hold       bool
	completion chat.Completion
	err        error
	turns      []chat.Turn
}

func (p *scriptedProvider) Vendor() chat.Vendor { return chat.VendorOpenAI }

func (p *scriptedProvider) StreamChat(ctx context.Context, turns []chat.Turn) <-chan chat.StreamEvent {
	p.mu.Lock()
	p.turns = turns
	p.mu.Unlock()

	out := make(chan chat.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range p.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if p.hold {
			<-ctx.Done()
		}
	}()
	return out
}

func (p *scriptedProvider) Chat(ctx context.Context, turns []chat.Turn) (chat.Completion, error) {
	p.mu.Lock()
	p.turns = turns
	p.mu.Unlock()
	return p.completion, p.err
}

func (p *scriptedProvider) seenTurns() []chat.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turns
}

type staticTiers map[string]quota.SubscriptionTier

func (s staticTiers) TierFor(ctx context.Context, userID string) (quota.SubscriptionTier, error) {
	if tier, ok := s[userID]; ok {
		return tier, nil
	}
	return quota.TierFree, nil
}

func (s staticTiers) Save(ctx context.Context, record *persistence.SubscriptionRecord) error {
	s[record.UserID] = quota.ParseTier(record.Tier)
	return nil
}

type memLedger struct {
	mu   sync.Mutex
	rows map[string]*persistence.UsagePeriodRecord
	err  error
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]*persistence.UsagePeriodRecord)}
}

func (l *memLedger) key(userID string, now time.Time) string {
	start, _ := persistence.PeriodBounds(now)
	return userID + "|" + start.Format(time.RFC3339)
}

func (l *memLedger) Current(ctx context.Context, userID string, now time.Time) (*persistence.UsagePeriodRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start, end := persistence.PeriodBounds(now)
	if row, ok := l.rows[l.key(userID, now)]; ok {
		copied := *row
		return &copied, nil
	}
	return &persistence.UsagePeriodRecord{UserID: userID, PeriodStart: start, PeriodEnd: end}, nil
}

func (l *memLedger) Increment(ctx context.Context, userID string, messages, tokens int64, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	k := l.key(userID, now)
	row, ok := l.rows[k]
	if !ok {
		start, end := persistence.PeriodBounds(now)
		row = &persistence.UsagePeriodRecord{UserID: userID, PeriodStart: start, PeriodEnd: end}
		l.rows[k] = row
	}
	row.MessagesCount += messages
	row.TokensUsed += tokens
	return nil
}

func (l *memLedger) seed(userID string, messages int64, now time.Time) {
	_ = l.Increment(context.Background(), userID, messages, 0, now)
}

type memMessages struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*persistence.ConversationRecord
	messages      []*persistence.MessageRecord
	touched       map[uuid.UUID]time.Time
	createErr     error
	appendErr     error
	// failRole makes appends of that role fail.
	failRole string
}

func newMemMessages() *memMessages {
	return &memMessages{
		conversations: make(map[uuid.UUID]*persistence.ConversationRecord),
		touched:       make(map[uuid.UUID]time.Time),
	}
}

func (m *memMessages) CreateConversation(ctx context.Context, conversation *persistence.ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if conversation.ID == uuid.Nil {
		conversation.ID = uuid.New()
	}
	m.conversations[conversation.ID] = conversation
	return nil
}

func (m *memMessages) FindConversation(ctx context.Context, conversationID uuid.UUID, userID string) (*persistence.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, persistence.ErrConversationNotFound
	}
	return conv, nil
}

func (m *memMessages) AppendMessage(ctx context.Context, message *persistence.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if m.failRole != "" && message.Role == m.failRole {
		return errors.New("insert failed")
	}
	m.messages = append(m.messages, message)
	return nil
}

func (m *memMessages) TouchConversation(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return persistence.ErrConversationNotFound
	}
	m.touched[conversationID] = at
	return nil
}

func (m *memMessages) FindMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*persistence.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*persistence.MessageRecord
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) stored() []*persistence.MessageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*persistence.MessageRecord(nil), m.messages...)
}

// memTransactions rolls memMessages back to its length before fn when fn
// fails.
type memTransactions struct {
	messages *memMessages
	calls    int
}

func (t *memTransactions) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	t.messages.mu.Lock()
	n := len(t.messages.messages)
	t.messages.mu.Unlock()

	if err := fn(ctx); err != nil {
		t.messages.mu.Lock()
		t.messages.messages = t.messages.messages[:n]
		t.messages.mu.Unlock()
		return err
	}
	return nil
}

// recordingSink captures what a client would receive.
type recordingSink struct {
	opened   bool
	tokens   []string
	done     []DoneEvent
	errors   []string
	openErr  error
	tokenErr error
	onToken  func(text string)
}

func (s *recordingSink) Open() error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *recordingSink) Token(text string) error {
	if s.tokenErr != nil {
		return s.tokenErr
	}
	s.tokens = append(s.tokens, text)
	if s.onToken != nil {
		s.onToken(text)
	}
	return nil
}

func (s *recordingSink) Done(event DoneEvent) error {
	s.done = append(s.done, event)
	return nil
}

func (s *recordingSink) Error(message string) error {
	s.errors = append(s.errors, message)
	return nil
}

func (s *recordingSink) terminals() int {
	return len(s.done) + len(s.errors)
}

var errVendorBlewUp = errors.New("upstream connection reset")
