package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatbot-backend/internal/domain"
)

// ApologyMessage is returned when the NLU service gave no usable answer on
// either attempt.
const ApologyMessage = "Sorry, I'm having trouble understanding you right now. Please try again in a moment."

const (
	maxNLUAttempts = 2
	// Dialogflow ES rejects text queries longer than 256 characters.
	defaultMaxMessageLen = 256

	intentEmailHistory        = "Email Conversation History"
	intentEmailAddressInitial = "Email Address - Initial"

	historyTimestampLayout = "2006-01-02T15:04:05.000Z"
)

type NLUClient interface {
	Query(ctx context.Context, message, sessionID string, prior []domain.RecentContext) (domain.NLUResponse, error)
}

// ConversationStore persists the per-user profile record. Every write is an
// upsert; a missing record is never an error on read.
type ConversationStore interface {
	GetRecentContexts(ctx context.Context, userID string) ([]domain.RecentContext, error)
	UpsertProfileField(ctx context.Context, userID string, field domain.ProfileField, value string) error
	UpsertIntentSideEffect(ctx context.Context, userID string, field domain.ProfileField, value string) error
	ReadFullHistory(ctx context.Context, userID string) (domain.History, error)
	UpsertTurnOutcome(ctx context.Context, userID string, outcome domain.TurnOutcome) error
}

type Notifier interface {
	SendTranscript(ctx context.Context, to, htmlBody, subject string) error
}

// SessionTracker reports whether a session has had a successful turn yet.
// IsNewSession only reads; MarkSeen is called once a turn got an NLU reply.
type SessionTracker interface {
	IsNewSession(ctx context.Context, sessionID string) (bool, error)
	MarkSeen(ctx context.Context, sessionID string) error
}

type TurnService struct {
	nlu        NLUClient
	store      ConversationStore
	notifier   Notifier
	sessions   SessionTracker
	log        *slog.Logger
	classifier *Classifier

	maxMessageLen int
}

type TurnInput struct {
	Message       string
	SessionID     string
	UserID        string
	Authenticated bool
}

type TurnOutput struct {
	Message string
	// Fallback is set when Message is the apology rather than an NLU reply.
	Fallback bool
}

// turnContext is built once per turn and passed by value to every step.
type turnContext struct {
	userID     string
	sessionID  string
	message    string
	visitor    bool
	newSession bool
}

func NewTurnService(nlu NLUClient, store ConversationStore, notifier Notifier, sessions SessionTracker, maxMessageLen int, log *slog.Logger) (*TurnService, error) {
	if nlu == nil {
		return nil, errors.New("usecase: nlu client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if notifier == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session tracker must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	if log == nil {
		log = slog.Default()
	}
	return &TurnService{
		nlu:           nlu,
		store:         store,
		notifier:      notifier,
		sessions:      sessions,
		log:           log,
		classifier:    NewClassifier(domain.ClassificationCategories),
		maxMessageLen: maxMessageLen,
	}, nil
}

// Handle runs one conversational turn. Once the NLU service has answered, the
// reply is returned even if persistence or notification fails.
func (s *TurnService) Handle(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if strings.TrimSpace(in.Message) == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(in.Message) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	userID := strings.TrimSpace(in.UserID)
	if in.Authenticated && userID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}

	tc := turnContext{
		userID:    userID,
		sessionID: sessionID,
		message:   in.Message,
		visitor:   !in.Authenticated,
	}
	if !tc.visitor {
		tc.newSession = s.isNewSession(ctx, tc)
	}

	prior := s.fetchPriorContexts(ctx, tc)

	resp, reply, ok := s.queryWithRetry(ctx, tc, prior)
	if !ok {
		return TurnOutput{Message: ApologyMessage, Fallback: true}, nil
	}
	if tc.visitor {
		return TurnOutput{Message: reply}, nil
	}
	if tc.newSession {
		s.markSeen(ctx, tc)
	}

	s.captureProfile(ctx, tc, resp)
	s.runIntentAction(ctx, tc, resp)

	outcome := domain.TurnOutcome{
		RecentContexts: SelectContexts(resp.OutputContexts),
		HistoryAppend:  [3]string{now().UTC().Format(historyTimestampLayout), tc.message, reply},
	}
	if category, ok := s.classifier.Match(reply); ok {
		outcome.Classification = category
	}
	if err := s.store.UpsertTurnOutcome(ctx, tc.userID, outcome); err != nil {
		s.logFailure(tc, newError(ErrorPersistence, "turn_outcome_write_error", err))
	}

	return TurnOutput{Message: reply}, nil
}

func (s *TurnService) isNewSession(ctx context.Context, tc turnContext) bool {
	isNew, err := s.sessions.IsNewSession(ctx, tc.sessionID)
	if err != nil {
		s.logFailure(tc, newError(ErrorInternal, "session_tracker_error", err))
		return false
	}
	return isNew
}

func (s *TurnService) markSeen(ctx context.Context, tc turnContext) {
	if err := s.sessions.MarkSeen(ctx, tc.sessionID); err != nil {
		s.logFailure(tc, newError(ErrorInternal, "session_mark_error", err))
	}
}

func (s *TurnService) fetchPriorContexts(ctx context.Context, tc turnContext) []domain.RecentContext {
	if tc.visitor || !tc.newSession {
		return nil
	}
	prior, err := s.store.GetRecentContexts(ctx, tc.userID)
	if err != nil {
		s.logFailure(tc, newError(ErrorPersistence, "recent_contexts_read_error", err))
		return nil
	}
	if prior == nil {
		prior = []domain.RecentContext{}
	}
	return prior
}

// queryWithRetry calls the NLU service at most twice with identical arguments.
func (s *TurnService) queryWithRetry(ctx context.Context, tc turnContext, prior []domain.RecentContext) (domain.NLUResponse, string, bool) {
	for attempt := 1; attempt <= maxNLUAttempts; attempt++ {
		resp, err := s.nlu.Query(ctx, tc.message, tc.sessionID, prior)
		if err != nil {
			s.logFailure(tc, newError(ErrorUpstreamUnavailable, "nlu_query_error", err), "attempt", attempt)
			continue
		}
		reply, ok := resp.Reply()
		if !ok {
			s.logFailure(tc, newError(ErrorUpstreamUnavailable, "nlu_empty_fulfillment", nil), "attempt", attempt)
			continue
		}
		return resp, reply, true
	}
	return domain.NLUResponse{}, "", false
}

func (s *TurnService) captureProfile(ctx context.Context, tc turnContext, resp domain.NLUResponse) {
	field, value, ok := capturedField(resp)
	if !ok {
		return
	}
	if err := s.store.UpsertProfileField(ctx, tc.userID, field, value); err != nil {
		s.logFailure(tc, newError(ErrorPersistence, "profile_field_write_error", err), "field", string(field))
	}
}

func (s *TurnService) runIntentAction(ctx context.Context, tc turnContext, resp domain.NLUResponse) {
	switch resp.IntentName {
	case intentEmailHistory:
		s.emailHistory(ctx, tc)
	case intentEmailAddressInitial:
		name, ok := resp.Parameter(paramGivenName)
		if !ok {
			return
		}
		if err := s.store.UpsertIntentSideEffect(ctx, tc.userID, domain.FieldContactName, name); err != nil {
			s.logFailure(tc, newError(ErrorPersistence, "contact_name_write_error", err))
		}
	}
}

func (s *TurnService) emailHistory(ctx context.Context, tc turnContext) {
	history, err := s.store.ReadFullHistory(ctx, tc.userID)
	if err != nil {
		s.logFailure(tc, newError(ErrorPersistence, "history_read_error", err))
		return
	}
	to := strings.TrimSpace(history.Email)
	if to == "" {
		s.logFailure(tc, newError(ErrorNotification, "missing_email_address", nil))
		return
	}
	body, err := renderTranscript(history.Entries)
	if err != nil {
		s.logFailure(tc, newError(ErrorInternal, "transcript_render_error", err))
		return
	}
	if err := s.notifier.SendTranscript(ctx, to, body, transcriptSubject); err != nil {
		s.logFailure(tc, newError(ErrorNotification, "transcript_send_error", err))
		return
	}
	s.log.Info("transcript sent", "user_id", tc.userID, "session_id", tc.sessionID, "entries", len(history.Entries)/3)
}

func (s *TurnService) logFailure(tc turnContext, e *Error, attrs ...any) {
	args := []any{
		"code", string(e.Code),
		"reason", e.Reason,
		"session_id", tc.sessionID,
	}
	if tc.userID != "" {
		args = append(args, "user_id", tc.userID)
	}
	if e.Err != nil {
		args = append(args, "err", e.Err)
	}
	args = append(args, attrs...)
	s.log.Warn("turn step failed", args...)
}

var now = time.Now
