package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/storage"
)

const (
	subjectHealth         = "admin.health"
	subjectAccountsList   = "admin.accounts.list"
	subjectAccountsAdd    = "admin.accounts.add"
	subjectAccountsRemove = "admin.accounts.remove"
	subjectRefresh        = "admin.accounts.refresh"
	subjectPause          = "admin.ingest.pause"
	subjectResume         = "admin.ingest.resume"
	subjectAnalyze        = "admin.analyze"
	subjectRecent         = "admin.messages.recent"

	adminQueue = "admin"

	defaultRecentLimit = 20
)

// Pool is the pool surface exposed to administrators.
type Pool interface {
	Add(ctx context.Context, cfg model.AccountConfig) (string, error)
	Remove(ctx context.Context, id string) error
	Refresh(ctx context.Context) int
	HealthSummary() model.HealthSummary
	ListStatuses() []model.AccountStatus
}

// Ingest controls the message intake.
type Ingest interface {
	Pause()
	Resume()
	Paused() bool
}

// Store is the persistence surface admin commands read and write.
type Store interface {
	AddAccount(ctx context.Context, cfg *model.AccountConfig) error
	RecentMessages(ctx context.Context, limit int) ([]*model.ProcessedMessage, error)
	MessageStats(ctx context.Context) (*storage.MessageStats, error)
}

// Analyzer classifies ad-hoc text for admin inspection.
type Analyzer interface {
	Analyze(text string) model.AnalysisResult
}

type response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AddAccountRequest is the payload for admin.accounts.add.
type AddAccountRequest struct {
	Username  string `json:"username"`
	Token     string `json:"token,omitempty"`
	CredsFile string `json:"creds_file,omitempty"`
}

// HealthReport is the payload returned by admin.health.
type HealthReport struct {
	Pool         model.HealthSummary   `json:"pool"`
	IngestPaused bool                  `json:"ingest_paused"`
	Messages     *storage.MessageStats `json:"messages,omitempty"`
}

// Server answers operator commands over NATS request/reply.
type Server struct {
	logger   *zap.Logger
	nc       *nats.Conn
	pool     Pool
	ingest   Ingest
	store    Store
	analyzer Analyzer

	subs []*nats.Subscription
}

// NewServer creates an admin server. store and ingest may be nil; the
// commands that need them report an error instead.
func NewServer(nc *nats.Conn, pool Pool, ingest Ingest, store Store, analyzer Analyzer, logger *zap.Logger) *Server {
	return &Server{
		logger:   logger.Named("admin"),
		nc:       nc,
		pool:     pool,
		ingest:   ingest,
		store:    store,
		analyzer: analyzer,
	}
}

// Start subscribes all admin command subjects.
func (s *Server) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, *nats.Msg){
		subjectHealth:         s.handleHealth,
		subjectAccountsList:   s.handleAccountsList,
		subjectAccountsAdd:    s.handleAccountsAdd,
		subjectAccountsRemove: s.handleAccountsRemove,
		subjectRefresh:        s.handleRefresh,
		subjectPause:          s.handlePause,
		subjectResume:         s.handleResume,
		subjectAnalyze:        s.handleAnalyze,
		subjectRecent:         s.handleRecent,
	}

	for subject, handler := range handlers {
		handler := handler
		sub, err := s.nc.QueueSubscribe(subject, adminQueue, func(msg *nats.Msg) {
			handler(ctx, msg)
		})
		if err != nil {
			s.stopSubs()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("Admin server started", zap.Int("subjects", len(handlers)))
	return nil
}

// Stop unsubscribes all command subjects.
func (s *Server) Stop() {
	s.stopSubs()
	s.logger.Info("Admin server stopped")
}

func (s *Server) stopSubs() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) respond(msg *nats.Msg, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.respondError(msg, fmt.Errorf("failed to marshal response: %w", err))
		return
	}
	s.reply(msg, response{OK: true, Data: raw})
}

func (s *Server) respondError(msg *nats.Msg, err error) {
	s.reply(msg, response{OK: false, Error: err.Error()})
}

func (s *Server) reply(msg *nats.Msg, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal admin reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send admin reply",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}

func (s *Server) handleHealth(ctx context.Context, msg *nats.Msg) {
	report := HealthReport{Pool: s.pool.HealthSummary()}
	if s.ingest != nil {
		report.IngestPaused = s.ingest.Paused()
	}
	if s.store != nil {
		stats, err := s.store.MessageStats(ctx)
		if err != nil {
			s.logger.Warn("Failed to load message stats", zap.Error(err))
		} else {
			report.Messages = stats
		}
	}
	s.respond(msg, report)
}

func (s *Server) handleAccountsList(ctx context.Context, msg *nats.Msg) {
	s.respond(msg, s.pool.ListStatuses())
}

func (s *Server) handleAccountsAdd(ctx context.Context, msg *nats.Msg) {
	var req AddAccountRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Username == "" {
		s.respondError(msg, fmt.Errorf("username is required"))
		return
	}

	cfg := model.AccountConfig{
		ID:        uuid.New().String(),
		Username:  req.Username,
		Token:     req.Token,
		CredsFile: req.CredsFile,
		IsActive:  true,
	}

	id, err := s.pool.Add(ctx, cfg)
	if err != nil {
		s.respondError(msg, err)
		return
	}

	if s.store != nil {
		if err := s.store.AddAccount(ctx, &cfg); err != nil {
			// Keep memory and disk consistent: a config we cannot
			// persist does not stay in the pool.
			s.pool.Remove(ctx, id)
			s.respondError(msg, fmt.Errorf("failed to persist account: %w", err))
			return
		}
	}

	s.logger.Info("Account added via admin",
		zap.String("account_id", id),
		zap.String("username", req.Username))
	s.respond(msg, map[string]string{"id": id})
}

func (s *Server) handleAccountsRemove(ctx context.Context, msg *nats.Msg) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, fmt.Errorf("invalid request: %w", err))
		return
	}

	if err := s.pool.Remove(ctx, req.ID); err != nil {
		s.respondError(msg, err)
		return
	}

	s.logger.Info("Account removed via admin", zap.String("account_id", req.ID))
	s.respond(msg, map[string]string{"id": req.ID})
}

func (s *Server) handleRefresh(ctx context.Context, msg *nats.Msg) {
	reconnected := s.pool.Refresh(ctx)
	s.respond(msg, map[string]int{"reconnected": reconnected})
}

func (s *Server) handlePause(ctx context.Context, msg *nats.Msg) {
	if s.ingest == nil {
		s.respondError(msg, fmt.Errorf("ingest not attached"))
		return
	}
	s.ingest.Pause()
	s.respond(msg, map[string]bool{"paused": true})
}

func (s *Server) handleResume(ctx context.Context, msg *nats.Msg) {
	if s.ingest == nil {
		s.respondError(msg, fmt.Errorf("ingest not attached"))
		return
	}
	s.ingest.Resume()
	s.respond(msg, map[string]bool{"paused": false})
}

func (s *Server) handleAnalyze(ctx context.Context, msg *nats.Msg) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondError(msg, fmt.Errorf("invalid request: %w", err))
		return
	}
	s.respond(msg, s.analyzer.Analyze(req.Text))
}

func (s *Server) handleRecent(ctx context.Context, msg *nats.Msg) {
	if s.store == nil {
		s.respondError(msg, fmt.Errorf("store not attached"))
		return
	}

	var req struct {
		Limit int `json:"limit"`
	}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respondError(msg, fmt.Errorf("invalid request: %w", err))
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultRecentLimit
	}

	messages, err := s.store.RecentMessages(ctx, req.Limit)
	if err != nil {
		s.respondError(msg, err)
		return
	}
	s.respond(msg, messages)
}
