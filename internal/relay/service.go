// Package relay implements the predict-and-store pipeline: admission,
// upstream streaming, event splitting, client fan-out and the final
// assistant-turn commit.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/flowiselabs/flowise-proxy-service/internal/auth"
	"github.com/flowiselabs/flowise-proxy-service/internal/chat"
	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/flowise"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
	"github.com/flowiselabs/flowise-proxy-service/internal/metrics"
	"github.com/flowiselabs/flowise-proxy-service/internal/upload"
)

const (
	// eventBuffer bounds how far the producer may run ahead of a slow
	// client before backpressure reaches the upstream read loop.
	eventBuffer = 128

	readBufferSize = 32 * 1024
	flushTimeout   = 5 * time.Second
	commitTimeout  = 15 * time.Second
)

// Stream failure reasons surfaced in synthetic error events and the
// transaction log.
const (
	reasonIdle         = "UPSTREAM_IDLE"
	reasonStreamLimit  = "STREAM_LIMIT"
	reasonDisconnected = "CLIENT_DISCONNECTED"
	reasonTruncated    = "UPSTREAM_TRUNCATED"
	reasonUpstream     = "UPSTREAM_ERROR"
)

// AccessChecker answers the chatflow authorization predicate.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, chatflowID string) (bool, error)
}

// Accounting is the credit admission surface the relay depends on.
type Accounting interface {
	Cost(ctx context.Context, chatflowID, accessToken string) int64
	Balance(ctx context.Context, userID, accessToken string) (int64, error)
	Debit(ctx context.Context, userID string, amount int64, reason, accessToken string) error
	LogTransaction(userID, chatflowID string, cost int64, success bool, detail string)
}

// UploadStore persists request attachments.
type UploadStore interface {
	StoreAll(ctx context.Context, userID, sessionID string, uploads []flowise.Upload) ([]*upload.FileUpload, error)
}

// ChatStore persists sessions and turns.
type ChatStore interface {
	EnsureSession(ctx context.Context, userID, chatflowID, sessionID, question string) error
	Append(ctx context.Context, msg *chat.Message) error
}

// Upstream issues prediction requests against the chatflow engine.
type Upstream interface {
	Predict(ctx context.Context, chatflowID string, pr flowise.PredictionRequest) (*http.Response, error)
}

// Config carries the relay timeouts.
type Config struct {
	MaxStreamDuration time.Duration
	IdleTimeout       time.Duration
}

// PredictRequest is the client-facing prediction body. SessionID continues
// an existing conversation; when absent the session is derived from the
// question.
type PredictRequest struct {
	ChatflowID     string                 `json:"chatflow_id" binding:"required"`
	Question       string                 `json:"question" binding:"required"`
	SessionID      string                 `json:"session_id,omitempty"`
	OverrideConfig map[string]interface{} `json:"overrideConfig,omitempty"`
	Uploads        []flowise.Upload       `json:"uploads,omitempty"`
}

// EventSink receives relayed events in order. A returned error means the
// client can no longer be written to.
type EventSink func(ev *Event) error

// Service runs the relay pipeline.
type Service struct {
	access     AccessChecker
	accounting Accounting
	uploads    UploadStore
	chats      ChatStore
	upstream   Upstream
	locks      *sessionLocks
	metrics    *metrics.Metrics
	cfg        Config
	logger     *logger.Logger
}

// NewService creates the relay service.
func NewService(access AccessChecker, acct Accounting, uploads UploadStore, chats ChatStore, upstream Upstream, m *metrics.Metrics, cfg Config, log *logger.Logger) *Service {
	if cfg.MaxStreamDuration <= 0 {
		cfg.MaxStreamDuration = 10 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	return &Service{
		access:     access,
		accounting: acct,
		uploads:    uploads,
		chats:      chats,
		upstream:   upstream,
		locks:      newSessionLocks(),
		metrics:    m,
		cfg:        cfg,
		logger:     log.WithComponent("relay"),
	}
}

// admission is the state of a request that passed every gate and holds its
// session lock.
type admission struct {
	sessionID string
	cost      int64
	fileIDs   []string
	release   func()
}

// admit runs the gates in order: access, cost vs balance, session lock,
// session and upload persistence, debit, user-turn commit. A request that
// fails any gate before the debit costs nothing.
func (s *Service) admit(ctx context.Context, id auth.Identity, req *PredictRequest) (*admission, error) {
	ok, err := s.access.HasAccess(ctx, id.UserID, req.ChatflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.metrics.StreamsStarted.WithLabelValues("forbidden").Inc()
		return nil, apperrors.New(apperrors.KindForbidden, "no access to this chatflow")
	}

	cost := s.accounting.Cost(ctx, req.ChatflowID, id.RawToken)
	balance, err := s.accounting.Balance(ctx, id.UserID, id.RawToken)
	if err != nil {
		return nil, err
	}
	if balance < cost {
		s.metrics.StreamsStarted.WithLabelValues("insufficient_credits").Inc()
		return nil, apperrors.New(apperrors.KindPaymentRequired, "insufficient credits").
			WithDetails(map[string]interface{}{"cost": cost, "balance": balance})
	}

	// A client-supplied session id wins; derivation is only for opening
	// turns.
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = chat.DeriveSessionID(id.UserID, req.ChatflowID, req.Question)
	}
	if !s.locks.TryLock(sessionID) {
		s.metrics.StreamsStarted.WithLabelValues("conflict").Inc()
		return nil, apperrors.New(apperrors.KindConflict, "a stream is already running for this session")
	}
	release := func() { s.locks.Unlock(sessionID) }

	if err := s.chats.EnsureSession(ctx, id.UserID, req.ChatflowID, sessionID, req.Question); err != nil {
		release()
		return nil, err
	}

	records, err := s.uploads.StoreAll(ctx, id.UserID, sessionID, req.Uploads)
	if err != nil {
		release()
		return nil, err
	}
	fileIDs := make([]string, 0, len(records))
	for _, rec := range records {
		fileIDs = append(fileIDs, rec.FileID)
	}

	if err := s.accounting.Debit(ctx, id.UserID, cost, "prediction:"+req.ChatflowID, id.RawToken); err != nil {
		s.metrics.Debits.WithLabelValues("failed").Inc()
		s.accounting.LogTransaction(id.UserID, req.ChatflowID, cost, false, "debit failed: "+err.Error())
		release()
		return nil, err
	}
	s.metrics.Debits.WithLabelValues("ok").Inc()

	userTurn := &chat.Message{
		SessionID:  sessionID,
		UserID:     id.UserID,
		ChatflowID: req.ChatflowID,
		Role:       chat.RoleUser,
		Content:    req.Question,
		HasFiles:   len(fileIDs) > 0,
		FileIDs:    fileIDs,
	}
	// The debit stands even if persistence fails; debits are never
	// reversed automatically.
	if err := s.chats.Append(ctx, userTurn); err != nil {
		s.accounting.LogTransaction(id.UserID, req.ChatflowID, cost, false, "user turn persistence failed: "+err.Error())
		release()
		return nil, err
	}

	return &admission{sessionID: sessionID, cost: cost, fileIDs: fileIDs, release: release}, nil
}

// PredictStream runs the full predict-and-store pipeline, pushing every
// event through sink. The first event is always the synthetic session_id
// event. An error return means nothing was emitted; once streaming starts,
// failures are reported in-band as synthetic error events and via the
// partial flag on the committed turn.
func (s *Service) PredictStream(clientCtx context.Context, id auth.Identity, req *PredictRequest, sink EventSink) error {
	ctx := logger.WithChatflowID(clientCtx, req.ChatflowID)

	adm, err := s.admit(ctx, id, req)
	if err != nil {
		return err
	}
	defer adm.release()
	ctx = logger.WithSessionID(ctx, adm.sessionID)
	log := s.logger.WithContext(ctx)

	upCtx, cancelUpstream := context.WithTimeout(context.Background(), s.cfg.MaxStreamDuration)
	defer cancelUpstream()

	// The upstream keys its conversation memory on overrideConfig.sessionId;
	// the caller's overrides are preserved around it.
	override := make(map[string]interface{}, len(req.OverrideConfig)+1)
	for k, v := range req.OverrideConfig {
		override[k] = v
	}
	override["sessionId"] = adm.sessionID

	resp, err := s.upstream.Predict(upCtx, req.ChatflowID, flowise.PredictionRequest{
		Question:       req.Question,
		Streaming:      true,
		OverrideConfig: override,
		Uploads:        req.Uploads,
	})
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues(string(apperrors.KindOf(err))).Inc()
		s.metrics.StreamsStarted.WithLabelValues("upstream_error").Inc()
		s.accounting.LogTransaction(id.UserID, req.ChatflowID, adm.cost, false, reasonUpstream+": "+err.Error())
		return err
	}

	s.metrics.StreamsStarted.WithLabelValues("ok").Inc()
	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	var idleFired atomic.Bool
	idle := time.AfterFunc(s.cfg.IdleTimeout, func() {
		idleFired.Store(true)
		cancelUpstream()
	})
	defer idle.Stop()

	events := make(chan *Event, eventBuffer)
	prodErr := make(chan error, 1)
	go s.produce(upCtx, resp.Body, idle, events, prodErr)

	// The session handle goes out before any upstream data so clients can
	// correlate immediately.
	clientGone := false
	if err := sink(syntheticEvent("session_id", adm.sessionID)); err != nil {
		clientGone = true
		cancelUpstream()
	}

	collected, clientGone := s.consume(ctx, sink, events, clientGone, cancelUpstream)

	var produceErr error
	select {
	case produceErr = <-prodErr:
	default:
	}

	partial, reason := streamOutcome(clientGone, idleFired.Load(), upCtx, produceErr)
	detail := ""
	if partial {
		// The persisted turn always carries the terminal error entry; the
		// client write is skipped only when it is already gone.
		errEv := syntheticEvent("error", errorCode{Code: reason})
		collected = append(collected, errEv)
		if !clientGone {
			_ = sink(errEv)
		}
		detail = "partial: " + reason
		log.Warn("stream ended early",
			slog.String("reason", reason),
			slog.Int("events", len(collected)))
	}
	s.accounting.LogTransaction(id.UserID, req.ChatflowID, adm.cost, !partial, detail)

	s.commitAssistantTurn(id, req.ChatflowID, adm, collected, partial)
	return nil
}

// produce reads the upstream body, splits it into events and feeds the
// bounded channel. It owns the body.
func (s *Service) produce(ctx context.Context, body io.ReadCloser, idle *time.Timer, events chan<- *Event, prodErr chan<- error) {
	defer close(events)
	defer body.Close()

	splitter := &ObjectSplitter{}
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			idle.Reset(s.cfg.IdleTimeout)
			for _, raw := range splitter.Feed(buf[:n]) {
				ev, ok := parseEvent(raw)
				if !ok {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					prodErr <- ctx.Err()
					return
				}
			}
		}
		if err == io.EOF {
			if splitter.Pending() {
				prodErr <- apperrors.New(apperrors.KindUpstreamUnavailable, "upstream stream truncated mid-object")
			}
			return
		}
		if err != nil {
			prodErr <- err
			return
		}
	}
}

// consume relays buffered events to the sink until the producer finishes.
// On client disconnect it cancels the upstream request and keeps draining
// briefly so already-received events make it into the committed turn.
func (s *Service) consume(ctx context.Context, sink EventSink, events <-chan *Event, clientGone bool, cancelUpstream func()) ([]*Event, bool) {
	var collected []*Event
	done := ctx.Done()
	var flushDeadline <-chan time.Time
	if clientGone {
		done = nil
		flushDeadline = time.After(flushTimeout)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return collected, clientGone
			}
			collected = append(collected, ev)
			s.metrics.EventsRelayed.Inc()
			if ev.IsToken() {
				s.metrics.TokensRelayed.Inc()
			}
			if !clientGone {
				if err := sink(ev); err != nil {
					clientGone = true
					cancelUpstream()
					done = nil
					flushDeadline = time.After(flushTimeout)
				}
			}
		case <-done:
			clientGone = true
			cancelUpstream()
			done = nil
			flushDeadline = time.After(flushTimeout)
		case <-flushDeadline:
			return collected, clientGone
		}
	}
}

// streamOutcome classifies how a stream ended.
func streamOutcome(clientGone, idleFired bool, upCtx context.Context, produceErr error) (bool, string) {
	switch {
	case idleFired:
		return true, reasonIdle
	case clientGone:
		return true, reasonDisconnected
	case upCtx.Err() == context.DeadlineExceeded:
		return true, reasonStreamLimit
	case produceErr != nil:
		return true, reasonTruncated
	default:
		return false, ""
	}
}

// commitAssistantTurn persists the assistant turn exactly once, detached
// from the client's context. Content is the full relayed event list;
// metadata keeps only the non-token events.
func (s *Service) commitAssistantTurn(id auth.Identity, chatflowID string, adm *admission, collected []*Event, partial bool) {
	raws := make([]json.RawMessage, 0, len(collected))
	metas := make([]json.RawMessage, 0)
	for _, ev := range collected {
		raws = append(raws, ev.Raw)
		if !ev.IsToken() {
			metas = append(metas, ev.Raw)
		}
	}
	content, _ := json.Marshal(raws)
	metadata, _ := json.Marshal(metas)

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	msg := &chat.Message{
		SessionID:  adm.sessionID,
		UserID:     id.UserID,
		ChatflowID: chatflowID,
		Role:       chat.RoleAssistant,
		Content:    string(content),
		Metadata:   string(metadata),
		Partial:    partial,
	}
	if err := s.chats.Append(ctx, msg); err != nil {
		s.logger.Error("failed to commit assistant turn",
			slog.String("session_id", adm.sessionID),
			slog.String("error", err.Error()))
	}
}

// PredictResult is the aggregated non-streaming response.
type PredictResult struct {
	SessionID string            `json:"session_id"`
	Response  string            `json:"response"`
	Metadata  []json.RawMessage `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Predict runs the same pipeline as PredictStream but aggregates the
// events: token payloads concatenate into the response text, everything
// else lands in metadata.
func (s *Service) Predict(ctx context.Context, id auth.Identity, req *PredictRequest) (*PredictResult, error) {
	res := &PredictResult{}
	var text []byte

	err := s.PredictStream(ctx, id, req, func(ev *Event) error {
		switch {
		case ev.Event == "session_id":
			var sid string
			if json.Unmarshal(ev.Data, &sid) == nil {
				res.SessionID = sid
			}
		case ev.IsToken():
			text = append(text, ev.TokenText()...)
		case ev.Event == "error":
			var ec errorCode
			if json.Unmarshal(ev.Data, &ec) == nil && ec.Code != "" {
				res.Error = ec.Code
			} else {
				res.Error = ev.TokenText()
			}
		default:
			res.Metadata = append(res.Metadata, ev.Raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Response = string(text)
	return res, nil
}
