package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/relay"
)

const defaultReconnectTimeout = 5 * time.Second

// Store is the slice of the persistence layer the pool writes through.
type Store interface {
	UpdateAccountStats(ctx context.Context, id string, processedDelta, errorDelta int) error
	DeactivateAccount(ctx context.Context, id string) error
}

// ClientFactory builds a relay client for one account configuration.
type ClientFactory func(cfg model.AccountConfig) relay.Client

// Notifier receives account lifecycle events raised by the pool.
// Implemented by the alert manager.
type Notifier interface {
	NotifyAccountDeactivated(accountID, reason string)
	NotifyAccountRateLimited(accountID string, cooldown time.Duration)
}

// Config defines pool tuning knobs.
type Config struct {
	// ReconnectTimeout bounds the disconnect/connect round-trip performed
	// when a cooled-down account is brought back into rotation.
	ReconnectTimeout time.Duration
}

// AccountPool owns the set of relay accounts and hands them out round-robin.
// Every successful Acquire reserves the account by incrementing its load
// counter and must be paired with exactly one Release.
type AccountPool struct {
	logger  *zap.Logger
	store   Store
	factory ClientFactory
	cfg     Config

	mu            sync.Mutex
	clients       map[string]relay.Client
	statuses      map[string]*model.AccountStatus
	order         []string
	rotationIndex int
	reconnecting  map[string]bool
	notifier      Notifier

	// now is swapped out in tests to simulate cooldown expiry.
	now func() time.Time
}

// New creates an empty pool. Accounts are brought up via Initialize or Add.
func New(factory ClientFactory, store Store, cfg Config, logger *zap.Logger) *AccountPool {
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = defaultReconnectTimeout
	}
	return &AccountPool{
		logger:       logger.Named("account-pool"),
		store:        store,
		factory:      factory,
		cfg:          cfg,
		clients:      make(map[string]relay.Client),
		statuses:     make(map[string]*model.AccountStatus),
		reconnecting: make(map[string]bool),
		now:          time.Now,
	}
}

// SetNotifier attaches the receiver of account lifecycle events. Events
// raised before a notifier is attached are dropped.
func (p *AccountPool) SetNotifier(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

func (p *AccountPool) currentNotifier() Notifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifier
}

// Initialize connects every configured account. Accounts that fail
// authorization are recorded as inactive and excluded from rotation;
// other connect failures stay in rotation for lazy recovery. Returns
// the number of accounts brought up, and ErrNoAccountsInitialized if
// that number is zero.
func (p *AccountPool) Initialize(ctx context.Context, configs []model.AccountConfig) (int, error) {
	initialized := 0
	for _, cfg := range configs {
		if !cfg.IsActive {
			continue
		}
		if _, err := p.Add(ctx, cfg); err != nil {
			p.logger.Warn("Failed to initialize account",
				zap.String("account_id", cfg.ID),
				zap.String("username", cfg.Username),
				zap.Error(err))
			continue
		}
		initialized++
	}

	p.logger.Info("Account pool initialized",
		zap.Int("initialized", initialized),
		zap.Int("configured", len(configs)))

	if initialized == 0 {
		return 0, ErrNoAccountsInitialized
	}
	return initialized, nil
}

// Add connects a new account and puts it into rotation. An account whose
// credentials are rejected is recorded as inactive so administrators can
// see it, but never enters the ring.
func (p *AccountPool) Add(ctx context.Context, cfg model.AccountConfig) (string, error) {
	p.mu.Lock()
	if _, exists := p.statuses[cfg.ID]; exists {
		p.mu.Unlock()
		return "", ErrAccountExists
	}
	p.mu.Unlock()

	client := p.factory(cfg)
	connectErr := client.Connect(ctx)

	now := p.now()
	status := &model.AccountStatus{
		ID:       cfg.ID,
		Username: cfg.Username,
		IsActive: true,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.statuses[cfg.ID]; exists {
		client.Disconnect()
		return "", ErrAccountExists
	}

	switch {
	case connectErr == nil:
		status.IsConnected = true
	case errors.Is(connectErr, relay.ErrNotAuthorized):
		// Recorded for the admin surface, excluded from rotation.
		status.IsActive = false
		status.LastError = connectErr.Error()
		p.statuses[cfg.ID] = status
		return "", connectErr
	default:
		// Stays in rotation; the expired-cooldown path retries the connect.
		status.IsConnected = false
		status.LastError = connectErr.Error()
		status.NextAvailable = &now
	}

	p.clients[cfg.ID] = client
	p.statuses[cfg.ID] = status
	p.order = append(p.order, cfg.ID)

	p.logger.Info("Account added to pool",
		zap.String("account_id", cfg.ID),
		zap.String("username", cfg.Username),
		zap.Bool("connected", status.IsConnected))
	return cfg.ID, nil
}

// Remove disconnects an account and takes it out of rotation.
func (p *AccountPool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	client, ok := p.clients[id]
	if !ok {
		if _, recorded := p.statuses[id]; recorded {
			delete(p.statuses, id)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return ErrAccountNotFound
	}

	delete(p.clients, id)
	delete(p.statuses, id)
	for i, oid := range p.order {
		if oid != id {
			continue
		}
		p.order = append(p.order[:i], p.order[i+1:]...)
		// Keep the cursor pointing at the same next candidate.
		if i < p.rotationIndex {
			p.rotationIndex--
		}
		if len(p.order) > 0 {
			p.rotationIndex %= len(p.order)
		} else {
			p.rotationIndex = 0
		}
		break
	}
	p.mu.Unlock()

	client.Disconnect()

	if p.store != nil {
		if err := p.store.DeactivateAccount(ctx, id); err != nil {
			p.logger.Warn("Failed to deactivate removed account",
				zap.String("account_id", id),
				zap.Error(err))
		}
	}

	p.logger.Info("Account removed from pool", zap.String("account_id", id))
	return nil
}

// Acquire selects the next available account in ring order and reserves it.
// Returns ErrNoAccountsAvailable after a full scan finds no candidate; the
// caller treats that as backpressure, not as a failure.
func (p *AccountPool) Acquire(ctx context.Context) (string, relay.Client, error) {
	p.mu.Lock()

	if len(p.order) == 0 {
		p.mu.Unlock()
		return "", nil, ErrNoAccountsAvailable
	}

	// Snapshot the ring so concurrent add/remove cannot skip or repeat
	// candidates within this scan.
	ids := append([]string(nil), p.order...)
	start := p.rotationIndex

	for i := 0; i < len(ids); i++ {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return "", nil, err
		}

		id := ids[(start+i)%len(ids)]
		status, ok := p.statuses[id]
		if !ok || !status.IsActive {
			continue
		}

		now := p.now()
		if status.Selectable(now) {
			client := p.clients[id]
			if client != nil && client.IsConnected() {
				p.reserveLocked(id, status, now)
				p.mu.Unlock()
				return id, client, nil
			}
			// Connection dropped out from under the status record.
			// Mark it immediately eligible for the reconnect path.
			status.IsConnected = false
			dropped := now
			status.NextAvailable = &dropped
			continue
		}

		if status.NextAvailable == nil || now.Before(*status.NextAvailable) {
			continue
		}

		// Cooldown expired. Reconnect outside the pool lock, then
		// re-validate before committing the reservation.
		if p.reconnecting[id] {
			continue
		}
		p.reconnecting[id] = true
		p.mu.Unlock()

		p.reconnect(ctx, id)

		p.mu.Lock()
		delete(p.reconnecting, id)
		status, ok = p.statuses[id]
		if !ok {
			continue
		}
		now = p.now()
		client := p.clients[id]
		if status.IsActive && status.Selectable(now) && client != nil && client.IsConnected() {
			p.reserveLocked(id, status, now)
			p.mu.Unlock()
			return id, client, nil
		}
	}

	p.mu.Unlock()
	return "", nil, ErrNoAccountsAvailable
}

// reserveLocked commits the reservation and advances the rotation cursor
// past the chosen account. Caller holds p.mu.
func (p *AccountPool) reserveLocked(id string, status *model.AccountStatus, now time.Time) {
	status.CurrentLoad++
	used := now
	status.LastUsed = &used

	for i, oid := range p.order {
		if oid == id {
			p.rotationIndex = (i + 1) % len(p.order)
			break
		}
	}
}

// reconnect performs the disconnect/connect round-trip for a cooled-down
// account. Authorization loss permanently deactivates the account.
func (p *AccountPool) reconnect(ctx context.Context, id string) {
	p.mu.Lock()
	client, ok := p.clients[id]
	username := ""
	if st := p.statuses[id]; st != nil {
		username = st.Username
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	connCtx, cancel := context.WithTimeout(ctx, p.cfg.ReconnectTimeout)
	defer cancel()

	client.Disconnect()
	err := client.Connect(connCtx)

	p.mu.Lock()
	status, ok := p.statuses[id]
	if !ok {
		// Removed while we were reconnecting.
		p.mu.Unlock()
		client.Disconnect()
		return
	}

	switch {
	case err == nil:
		status.IsConnected = true
		status.NextAvailable = nil
		status.LastError = ""
		p.mu.Unlock()
		p.logger.Info("Account reconnected",
			zap.String("account_id", id),
			zap.String("username", username))

	case errors.Is(err, relay.ErrNotAuthorized):
		status.IsActive = false
		status.IsConnected = false
		status.LastError = err.Error()
		p.mu.Unlock()
		p.logger.Warn("Account authorization lost, deactivating",
			zap.String("account_id", id),
			zap.String("username", username))
		if p.store != nil {
			if derr := p.store.DeactivateAccount(ctx, id); derr != nil {
				p.logger.Error("Failed to persist account deactivation",
					zap.String("account_id", id),
					zap.Error(derr))
			}
		}
		if n := p.currentNotifier(); n != nil {
			n.NotifyAccountDeactivated(id, err.Error())
		}

	default:
		status.IsConnected = false
		status.LastError = err.Error()
		p.mu.Unlock()
		p.logger.Warn("Account reconnect failed",
			zap.String("account_id", id),
			zap.Error(err))
	}
}

// Release returns a reservation taken by Acquire and updates the account's
// counters. A nil resultErr counts as success. Releasing more times than
// acquired is a logged no-op rather than a corrupted load counter.
func (p *AccountPool) Release(ctx context.Context, id string, resultErr error) {
	p.mu.Lock()
	status, ok := p.statuses[id]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("Release for unknown account", zap.String("account_id", id))
		return
	}

	if status.CurrentLoad > 0 {
		status.CurrentLoad--
	} else {
		p.logger.Warn("Release without matching acquire",
			zap.String("account_id", id))
	}

	processedDelta, errorDelta := 0, 0
	if resultErr == nil {
		status.MessagesProcessed++
		processedDelta = 1
	} else {
		status.ErrorCount++
		status.LastError = resultErr.Error()
		errorDelta = 1
	}
	used := p.now()
	status.LastUsed = &used
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.UpdateAccountStats(ctx, id, processedDelta, errorDelta); err != nil {
			p.logger.Warn("Failed to persist account stats",
				zap.String("account_id", id),
				zap.Error(err))
		}
	}
}

// ReportRateLimit puts an account into cooldown after a provider-imposed
// rate limit. The account stays in the ring and re-enters rotation once
// the cooldown expires.
func (p *AccountPool) ReportRateLimit(id string, cooldown time.Duration) {
	p.mu.Lock()
	status, ok := p.statuses[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	until := p.now().Add(cooldown)
	status.NextAvailable = &until
	status.IsConnected = false
	status.LastError = (&relay.RateLimitError{Cooldown: cooldown}).Error()
	p.mu.Unlock()

	p.logger.Warn("Account rate limited",
		zap.String("account_id", id),
		zap.Duration("cooldown", cooldown),
		zap.Time("next_available", until))

	if n := p.currentNotifier(); n != nil {
		n.NotifyAccountRateLimited(id, cooldown)
	}
}

// Refresh retries the connection of every active account that is currently
// disconnected and not inside a cooldown window. Returns the number of
// accounts that came back connected.
func (p *AccountPool) Refresh(ctx context.Context) int {
	p.mu.Lock()
	now := p.now()
	var candidates []string
	for id, status := range p.statuses {
		if !status.IsActive || status.IsConnected || status.CoolingDown(now) {
			continue
		}
		if p.reconnecting[id] {
			continue
		}
		if _, ok := p.clients[id]; !ok {
			continue
		}
		p.reconnecting[id] = true
		candidates = append(candidates, id)
	}
	p.mu.Unlock()

	reconnected := 0
	for _, id := range candidates {
		p.reconnect(ctx, id)

		p.mu.Lock()
		delete(p.reconnecting, id)
		if status, ok := p.statuses[id]; ok && status.IsConnected {
			reconnected++
		}
		p.mu.Unlock()
	}

	if len(candidates) > 0 {
		p.logger.Info("Pool refresh completed",
			zap.Int("attempted", len(candidates)),
			zap.Int("reconnected", reconnected))
	}
	return reconnected
}

// HealthSummary aggregates pool state for observability. Read-only.
func (p *AccountPool) HealthSummary() model.HealthSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	summary := model.HealthSummary{TotalAccounts: len(p.statuses)}
	for _, status := range p.statuses {
		if status.IsActive {
			summary.ActiveAccounts++
		}
		if status.IsConnected {
			summary.ConnectedAccounts++
		}
		summary.TotalLoad += status.CurrentLoad
	}
	summary.DisconnectedAccounts = summary.ActiveAccounts - summary.ConnectedAccounts
	if summary.ActiveAccounts > 0 {
		summary.AvgLoadPerActive = float64(summary.TotalLoad) / float64(summary.ActiveAccounts)
		summary.HealthPct = float64(summary.ConnectedAccounts) / float64(summary.ActiveAccounts) * 100
	}
	return summary
}

// ListStatuses returns a copy of every account's status record, ordered by id.
func (p *AccountPool) ListStatuses() []model.AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]model.AccountStatus, 0, len(p.statuses))
	for _, status := range p.statuses {
		statuses = append(statuses, *status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Shutdown disconnects every account and discards pool state.
func (p *AccountPool) Shutdown() {
	p.mu.Lock()
	clients := make([]relay.Client, 0, len(p.clients))
	for _, client := range p.clients {
		clients = append(clients, client)
	}
	p.clients = make(map[string]relay.Client)
	p.statuses = make(map[string]*model.AccountStatus)
	p.order = nil
	p.rotationIndex = 0
	p.mu.Unlock()

	for _, client := range clients {
		client.Disconnect()
	}
	p.logger.Info("Account pool shut down", zap.Int("accounts", len(clients)))
}
