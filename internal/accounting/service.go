// Package accounting implements credit admission: balance queries, atomic
// debits and the transaction audit log.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

const remoteTimeout = 10 * time.Second

// CreditStore is the local credit ledger, used when no external accounting
// service is configured.
type CreditStore interface {
	Credits(ctx context.Context, userID string) (int64, error)
	DebitCredits(ctx context.Context, userID string, amount int64) error
}

// Config sizes the transaction log worker pool.
type Config struct {
	RemoteURL      string
	WorkerPoolSize int
	BufferSize     int
	OpTimeout      time.Duration
}

// Service performs balance/debit operations either against the local
// principal ledger or a remote accounting endpoint, and writes the audit
// log asynchronously through a bounded worker pool.
type Service struct {
	remoteURL    string
	httpClient   *http.Client
	credits      CreditStore
	transactions *mongodriver.Collection

	logChan    chan Transaction
	workerPool sync.WaitGroup
	shutdown   chan struct{}
	closed     atomic.Bool
	opTimeout  time.Duration

	droppedTotal atomic.Int64
	logger       *logger.Logger
}

// NewService creates the accounting service and starts its workers.
func NewService(cfg Config, credits CreditStore, transactions *mongodriver.Collection, log *logger.Logger) *Service {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}

	s := &Service{
		remoteURL:    cfg.RemoteURL,
		httpClient:   &http.Client{Timeout: remoteTimeout},
		credits:      credits,
		transactions: transactions,
		logChan:      make(chan Transaction, cfg.BufferSize),
		shutdown:     make(chan struct{}),
		opTimeout:    cfg.OpTimeout,
		logger:       log.WithComponent("accounting"),
	}

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.logWorker()
	}

	return s
}

// Balance returns the user's current credit balance. In remote mode the
// user's access token is forwarded.
func (s *Service) Balance(ctx context.Context, userID, accessToken string) (int64, error) {
	if s.remoteURL == "" {
		return s.credits.Credits(ctx, userID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.remoteURL+"/api/v1/balance", nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "failed to build balance request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "accounting service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apperrors.Newf(apperrors.KindInternal, "accounting service returned %d", resp.StatusCode)
	}

	var body struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "failed to decode balance", err)
	}
	return body.Credits, nil
}

// Debit atomically removes amount credits. A failed debit removes nothing.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reason, accessToken string) error {
	if s.remoteURL == "" {
		return s.credits.DebitCredits(ctx, userID, amount)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"amount": amount,
		"reason": reason,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.remoteURL+"/api/v1/debit", bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to build debit request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "accounting service unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusPaymentRequired:
		return apperrors.New(apperrors.KindPaymentRequired, "insufficient credits")
	default:
		return apperrors.Newf(apperrors.KindInternal, "accounting service returned %d", resp.StatusCode)
	}
}

// Cost returns the per-call cost of a chatflow, at least 1. When the
// accounting service does not publish a cost the default applies. In remote
// mode the user's access token is forwarded, as for Balance and Debit.
func (s *Service) Cost(ctx context.Context, chatflowID, accessToken string) int64 {
	if s.remoteURL == "" {
		return 1
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/costs/%s", s.remoteURL, chatflowID), nil)
	if err != nil {
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}

	var body struct {
		Cost int64 `json:"cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Cost < 1 {
		return 1
	}
	return body.Cost
}

// LogTransaction enqueues an audit record. Non-blocking: under sustained
// overload records are dropped and counted rather than stalling the hot
// path.
func (s *Service) LogTransaction(userID, chatflowID string, cost int64, success bool, detail string) {
	if s.closed.Load() {
		return
	}

	tx := Transaction{
		UserID:     userID,
		ChatflowID: chatflowID,
		Cost:       cost,
		Success:    success,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}

	select {
	case s.logChan <- tx:
	default:
		dropped := s.droppedTotal.Add(1)
		s.logger.Warn("transaction log queue full, dropping record",
			slog.String("user_id", userID),
			slog.Int64("dropped_total", dropped))
	}
}

// DroppedTransactions returns how many audit records were dropped.
func (s *Service) DroppedTransactions() int64 {
	return s.droppedTotal.Load()
}

func (s *Service) logWorker() {
	defer s.workerPool.Done()

	for {
		select {
		case tx := <-s.logChan:
			s.insert(tx)
		case <-s.shutdown:
			// Drain remaining records before exiting.
			for {
				select {
				case tx := <-s.logChan:
					s.insert(tx)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) insert(tx Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	if _, err := s.transactions.InsertOne(ctx, tx); err != nil {
		s.logger.Error("failed to insert transaction",
			slog.String("user_id", tx.UserID),
			slog.String("chatflow_id", tx.ChatflowID),
			slog.String("error", err.Error()))
	}
}

// Shutdown stops the worker pool after draining queued records.
func (s *Service) Shutdown() {
	if s.closed.Swap(true) {
		return
	}
	close(s.shutdown)
	s.workerPool.Wait()
}
