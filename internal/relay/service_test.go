package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	"github.com/flowiselabs/flowise-proxy-service/internal/chat"
	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/flowise"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/metrics"
	"github.com/flowiselabs/flowise-proxy-service/internal/upload"
)

type fakeAccess struct {
	allowed bool
	err     error
}

func (f *fakeAccess) HasAccess(ctx context.Context, userID, chatflowID string) (bool, error) {
	return f.allowed, f.err
}

type loggedTx struct {
	cost    int64
	success bool
	detail  string
}

type fakeAccounting struct {
	mu       sync.Mutex
	cost     int64
	balance  int64
	debitErr error
	debited  int64
	logged   []loggedTx
}

func (f *fakeAccounting) Cost(ctx context.Context, chatflowID, accessToken string) int64 {
	return f.cost
}

func (f *fakeAccounting) Balance(ctx context.Context, userID, accessToken string) (int64, error) {
	return f.balance, nil
}

func (f *fakeAccounting) Debit(ctx context.Context, userID string, amount int64, reason, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return f.debitErr
	}
	f.debited += amount
	return nil
}

func (f *fakeAccounting) LogTransaction(userID, chatflowID string, cost int64, success bool, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged = append(f.logged, loggedTx{cost: cost, success: success, detail: detail})
}

func (f *fakeAccounting) transactions() []loggedTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loggedTx(nil), f.logged...)
}

type fakeUploads struct {
	records []*upload.FileUpload
	err     error
}

func (f *fakeUploads) StoreAll(ctx context.Context, userID, sessionID string, uploads []flowise.Upload) ([]*upload.FileUpload, error) {
	return f.records, f.err
}

type fakeChats struct {
	mu       sync.Mutex
	messages []*chat.Message
}

func (f *fakeChats) EnsureSession(ctx context.Context, userID, chatflowID, sessionID, question string) error {
	return nil
}

func (f *fakeChats) Append(ctx context.Context, msg *chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeChats) byRole(role chat.MessageRole) []*chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*chat.Message
	for _, m := range f.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

type fakeUpstream struct {
	body string
	err  error
	got  flowise.PredictionRequest
}

func (f *fakeUpstream) Predict(ctx context.Context, chatflowID string, pr flowise.PredictionRequest) (*http.Response, error) {
	f.got = pr
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func testIdentity() auth.Identity {
	return auth.Identity{UserID: "u1", Username: "alice", Role: "enduser", RawToken: "tok"}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

func newTestService(access *fakeAccess, acct *fakeAccounting, chats *fakeChats, up *fakeUpstream) *Service {
	return NewService(access, acct, &fakeUploads{}, chats, up, metrics.New(), Config{
		MaxStreamDuration: 5 * time.Second,
		IdleTimeout:       2 * time.Second,
	}, testLogger())
}

func TestPredictStreamRelaysAndCommits(t *testing.T) {
	upstreamBody := `{"event":"token","data":"Hel"}{"event":"token","data":"lo"}{"event":"metadata","data":{"chatId":"c1"}}`
	access := &fakeAccess{allowed: true}
	acct := &fakeAccounting{cost: 1, balance: 10}
	chats := &fakeChats{}
	svc := newTestService(access, acct, chats, &fakeUpstream{body: upstreamBody})

	var seen []*Event
	err := svc.PredictStream(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1",
		Question:   "hello",
	}, func(ev *Event) error {
		seen = append(seen, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("PredictStream: %v", err)
	}

	if len(seen) != 4 {
		t.Fatalf("relayed %d events, want 4", len(seen))
	}
	if seen[0].Event != "session_id" {
		t.Errorf("first event = %q, want session_id", seen[0].Event)
	}
	if seen[1].TokenText() != "Hel" || seen[2].TokenText() != "lo" {
		t.Errorf("token order wrong: %q %q", seen[1].TokenText(), seen[2].TokenText())
	}

	if acct.debited != 1 {
		t.Errorf("debited %d credits, want 1", acct.debited)
	}

	userTurns := chats.byRole(chat.RoleUser)
	if len(userTurns) != 1 || userTurns[0].Content != "hello" {
		t.Fatalf("user turns = %+v", userTurns)
	}

	assistantTurns := chats.byRole(chat.RoleAssistant)
	if len(assistantTurns) != 1 {
		t.Fatalf("assistant turns = %d, want exactly 1", len(assistantTurns))
	}
	turn := assistantTurns[0]
	if turn.Partial {
		t.Error("turn marked partial on clean completion")
	}

	var content []json.RawMessage
	if err := json.Unmarshal([]byte(turn.Content), &content); err != nil {
		t.Fatalf("content is not a JSON event list: %v", err)
	}
	if len(content) != 3 {
		t.Errorf("content has %d events, want 3", len(content))
	}

	var meta []json.RawMessage
	if err := json.Unmarshal([]byte(turn.Metadata), &meta); err != nil {
		t.Fatalf("metadata is not a JSON event list: %v", err)
	}
	if len(meta) != 1 {
		t.Errorf("metadata has %d events, want only the non-token event", len(meta))
	}

	txs := acct.transactions()
	if len(txs) != 1 || !txs[0].success {
		t.Errorf("transactions = %+v, want one successful record", txs)
	}
}

func TestPredictStreamDeniedWithoutAccess(t *testing.T) {
	chats := &fakeChats{}
	svc := newTestService(&fakeAccess{allowed: false}, &fakeAccounting{cost: 1, balance: 10}, chats, &fakeUpstream{})

	err := svc.PredictStream(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1", Question: "hi",
	}, func(ev *Event) error { return nil })

	if !apperrors.IsKind(err, apperrors.KindForbidden) {
		t.Fatalf("err = %v, want Forbidden", err)
	}
	if len(chats.messages) != 0 {
		t.Error("nothing should be persisted on denial")
	}
}

func TestPredictStreamInsufficientCredits(t *testing.T) {
	acct := &fakeAccounting{cost: 5, balance: 2}
	svc := newTestService(&fakeAccess{allowed: true}, acct, &fakeChats{}, &fakeUpstream{})

	err := svc.PredictStream(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1", Question: "hi",
	}, func(ev *Event) error { return nil })

	if !apperrors.IsKind(err, apperrors.KindPaymentRequired) {
		t.Fatalf("err = %v, want PaymentRequired", err)
	}
	if acct.debited != 0 {
		t.Errorf("debited %d on rejected request, want 0", acct.debited)
	}
}

func TestPredictStreamConcurrentSessionConflict(t *testing.T) {
	svc := newTestService(&fakeAccess{allowed: true}, &fakeAccounting{cost: 1, balance: 10}, &fakeChats{}, &fakeUpstream{})

	id := testIdentity()
	sessionID := chat.DeriveSessionID(id.UserID, "cf1", "same question")
	if !svc.locks.TryLock(sessionID) {
		t.Fatal("setup: could not take session lock")
	}
	defer svc.locks.Unlock(sessionID)

	err := svc.PredictStream(context.Background(), id, &PredictRequest{
		ChatflowID: "cf1", Question: "same question",
	}, func(ev *Event) error { return nil })

	if !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

func TestPredictStreamUpstreamFailureKeepsDebit(t *testing.T) {
	acct := &fakeAccounting{cost: 2, balance: 10}
	chats := &fakeChats{}
	up := &fakeUpstream{err: apperrors.New(apperrors.KindUpstreamUnavailable, "down")}
	svc := newTestService(&fakeAccess{allowed: true}, acct, chats, up)

	err := svc.PredictStream(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1", Question: "hi",
	}, func(ev *Event) error { return nil })

	if !apperrors.IsKind(err, apperrors.KindUpstreamUnavailable) {
		t.Fatalf("err = %v, want UpstreamUnavailable", err)
	}
	// Admission succeeded before the upstream call; the debit stands.
	if acct.debited != 2 {
		t.Errorf("debited %d, want 2", acct.debited)
	}
	if len(chats.byRole(chat.RoleAssistant)) != 0 {
		t.Error("no assistant turn should be committed when upstream never started")
	}
}

func TestPredictStreamTruncatedUpstreamMarksPartial(t *testing.T) {
	// Stream ends mid-object.
	upstreamBody := `{"event":"token","data":"a"}{"event":"tok`
	chats := &fakeChats{}
	svc := newTestService(&fakeAccess{allowed: true}, &fakeAccounting{cost: 1, balance: 10}, chats, &fakeUpstream{body: upstreamBody})

	var seen []*Event
	err := svc.PredictStream(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1", Question: "hi",
	}, func(ev *Event) error {
		seen = append(seen, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("PredictStream: %v", err)
	}

	turns := chats.byRole(chat.RoleAssistant)
	if len(turns) != 1 {
		t.Fatalf("assistant turns = %d, want 1", len(turns))
	}
	if !turns[0].Partial {
		t.Error("truncated stream must commit a partial turn")
	}

	last := seen[len(seen)-1]
	if last.Event != "error" {
		t.Errorf("last relayed event = %q, want synthetic error", last.Event)
	}
	var ec errorCode
	if err := json.Unmarshal(last.Data, &ec); err != nil || ec.Code != "UPSTREAM_TRUNCATED" {
		t.Errorf("error payload = %s, want {\"code\":\"UPSTREAM_TRUNCATED\"}", last.Data)
	}
}

func TestPredictStreamIdleErrorPayload(t *testing.T) {
	if ev := syntheticEvent("error", errorCode{Code: "UPSTREAM_IDLE"}); string(ev.Data) != `{"code":"UPSTREAM_IDLE"}` {
		t.Errorf("idle error payload = %s", ev.Data)
	}
}

func TestPredictStreamClientDisconnect(t *testing.T) {
	upstreamBody := `{"event":"token","data":"a"}{"event":"token","data":"b"}`
	chats := &fakeChats{}
	acct := &fakeAccounting{cost: 1, balance: 10}
	svc := newTestService(&fakeAccess{allowed: true}, acct, chats, &fakeUpstream{body: upstreamBody})

	calls := 0
	err := svc.PredictStream(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1", Question: "hi",
	}, func(ev *Event) error {
		calls++
		if calls > 1 {
			return io.ErrClosedPipe
		}
		return nil
	})
	if err != nil {
		t.Fatalf("PredictStream: %v", err)
	}

	turns := chats.byRole(chat.RoleAssistant)
	if len(turns) != 1 {
		t.Fatalf("assistant turns = %d, want 1", len(turns))
	}
	if !turns[0].Partial {
		t.Error("disconnect must commit a partial turn")
	}

	// The committed turn still carries the terminal error entry even though
	// the client never saw it.
	var content []*Event
	if err := json.Unmarshal([]byte(turns[0].Content), &content); err != nil {
		t.Fatalf("content is not a JSON event list: %v", err)
	}
	last := content[len(content)-1]
	var ec errorCode
	if last.Event != "error" || json.Unmarshal(last.Data, &ec) != nil || ec.Code != "CLIENT_DISCONNECTED" {
		t.Errorf("final content entry = %+v, want error with code CLIENT_DISCONNECTED", last)
	}

	txs := acct.transactions()
	if len(txs) != 1 || txs[0].success || !strings.Contains(txs[0].detail, "CLIENT_DISCONNECTED") {
		t.Errorf("transactions = %+v, want one partial record", txs)
	}
	if acct.debited != 1 {
		t.Errorf("debit must stand after disconnect, got %d", acct.debited)
	}
}

func TestPredictAggregatesEvents(t *testing.T) {
	upstreamBody := `{"event":"token","data":"Hello "}{"event":"token","data":"world"}{"event":"metadata","data":{"chatId":"c1"}}`
	svc := newTestService(&fakeAccess{allowed: true}, &fakeAccounting{cost: 1, balance: 10}, &fakeChats{}, &fakeUpstream{body: upstreamBody})

	res, err := svc.Predict(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1", Question: "greet",
	})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if res.Response != "Hello world" {
		t.Errorf("Response = %q, want %q", res.Response, "Hello world")
	}
	if res.SessionID == "" {
		t.Error("SessionID must be set")
	}
	if len(res.Metadata) != 1 {
		t.Errorf("Metadata has %d entries, want 1", len(res.Metadata))
	}
}

func emittedSessionID(t *testing.T, ev *Event) string {
	t.Helper()
	if ev.Event != "session_id" {
		t.Fatalf("first event = %q, want session_id", ev.Event)
	}
	var sid string
	if err := json.Unmarshal(ev.Data, &sid); err != nil {
		t.Fatalf("session_id payload: %v", err)
	}
	return sid
}

func TestPredictStreamSessionContinuity(t *testing.T) {
	chats := &fakeChats{}
	up := &fakeUpstream{body: `{"event":"token","data":"x"}`}
	svc := newTestService(&fakeAccess{allowed: true}, &fakeAccounting{cost: 1, balance: 10}, chats, up)
	id := testIdentity()

	var first []*Event
	if err := svc.PredictStream(context.Background(), id, &PredictRequest{
		ChatflowID: "cf1", Question: "What is a large language model?",
	}, func(ev *Event) error {
		first = append(first, ev)
		return nil
	}); err != nil {
		t.Fatalf("opening turn: %v", err)
	}
	s1 := emittedSessionID(t, first[0])

	var second []*Event
	if err := svc.PredictStream(context.Background(), id, &PredictRequest{
		ChatflowID: "cf1", Question: "Tell me more about their architecture.", SessionID: s1,
	}, func(ev *Event) error {
		second = append(second, ev)
		return nil
	}); err != nil {
		t.Fatalf("follow-up turn: %v", err)
	}

	if got := emittedSessionID(t, second[0]); got != s1 {
		t.Fatalf("follow-up session = %q, want the supplied %q", got, s1)
	}
	if len(chats.messages) != 4 {
		t.Fatalf("persisted %d messages, want 4 across both turns", len(chats.messages))
	}
	for _, m := range chats.messages {
		if m.SessionID != s1 {
			t.Errorf("message landed in session %q, want %q", m.SessionID, s1)
		}
	}
}

func TestPredictStreamInjectsUpstreamSessionKey(t *testing.T) {
	up := &fakeUpstream{body: `{"event":"token","data":"x"}`}
	svc := newTestService(&fakeAccess{allowed: true}, &fakeAccounting{cost: 1, balance: 10}, &fakeChats{}, up)

	req := &PredictRequest{
		ChatflowID:     "cf1",
		Question:       "hi",
		OverrideConfig: map[string]interface{}{"temperature": 0.2},
	}
	var seen []*Event
	if err := svc.PredictStream(context.Background(), testIdentity(), req, func(ev *Event) error {
		seen = append(seen, ev)
		return nil
	}); err != nil {
		t.Fatalf("PredictStream: %v", err)
	}

	sid := emittedSessionID(t, seen[0])
	if got := up.got.OverrideConfig["sessionId"]; got != sid {
		t.Errorf("upstream overrideConfig.sessionId = %v, want %q", got, sid)
	}
	if got := up.got.OverrideConfig["temperature"]; got != 0.2 {
		t.Errorf("caller override lost: temperature = %v", got)
	}
	if _, ok := req.OverrideConfig["sessionId"]; ok {
		t.Error("caller's override map must not be mutated")
	}
}

func TestPredictStreamUploadsMarkUserTurn(t *testing.T) {
	chats := &fakeChats{}
	svc := NewService(&fakeAccess{allowed: true}, &fakeAccounting{cost: 1, balance: 10},
		&fakeUploads{records: []*upload.FileUpload{{FileID: "f1"}}},
		chats, &fakeUpstream{body: `{"event":"token","data":"x"}`}, metrics.New(), Config{}, testLogger())

	err := svc.PredictStream(context.Background(), testIdentity(), &PredictRequest{
		ChatflowID: "cf1",
		Question:   "What do you see?",
		Uploads:    []flowise.Upload{{Type: "file", Name: "test.png", Mime: "image/png", Data: "aGk="}},
	}, func(ev *Event) error { return nil })
	if err != nil {
		t.Fatalf("PredictStream: %v", err)
	}

	userTurns := chats.byRole(chat.RoleUser)
	if len(userTurns) != 1 {
		t.Fatalf("user turns = %d", len(userTurns))
	}
	if !userTurns[0].HasFiles || len(userTurns[0].FileIDs) != 1 || userTurns[0].FileIDs[0] != "f1" {
		t.Errorf("user turn = %+v, want has_files with file_ids [f1]", userTurns[0])
	}

	assistantTurns := chats.byRole(chat.RoleAssistant)
	if len(assistantTurns) != 1 || assistantTurns[0].HasFiles {
		t.Errorf("assistant turn must not carry has_files")
	}
}

func TestPredictRequestFieldNames(t *testing.T) {
	body := `{"chatflow_id":"cf1","question":"hi","session_id":"s1","overrideConfig":{"temperature":0.1}}`
	var req PredictRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.SessionID != "s1" {
		t.Errorf("SessionID = %q", req.SessionID)
	}
	if req.OverrideConfig["temperature"] != 0.1 {
		t.Errorf("OverrideConfig = %v, want the overrideConfig body field bound", req.OverrideConfig)
	}
}
