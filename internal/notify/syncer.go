package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSyncDebounce is the quiet period after a mutation before
	// its sync fires; new mutations reset it.
	DefaultSyncDebounce = 1 * time.Second

	// DefaultSweepInterval is the backstop resync of every known
	// account, independent of UI activity.
	DefaultSweepInterval = 30 * time.Second
)

// ErrNoHost means no notify host is configured; syncing is impossible
// until one is set.
var ErrNoHost = errors.New("no notify host configured")

// SyncEngine reconciles each account's read-state with the notify
// service. Triggers for one account coalesce onto a single in-flight
// attempt; a host change re-runs every account against the new host
// after waiting out whatever was already in flight.
type SyncEngine struct {
	states    *ReadStates
	client    ReadStateClient
	scheduler Scheduler
	log       zerolog.Logger
	nowMs     func() int64
	debounce  time.Duration
	sweep     time.Duration

	mu      sync.Mutex
	host    string
	hostGen uint64

	flights singleflight.Group
}

type SyncEngineOptions struct {
	States    *ReadStates
	Client    ReadStateClient
	Scheduler Scheduler
	Log       zerolog.Logger
	NowMs     func() int64
	Host      string
	Debounce  time.Duration
	Sweep     time.Duration
}

func NewSyncEngine(opts SyncEngineOptions) *SyncEngine {
	e := &SyncEngine{
		states:    opts.States,
		client:    opts.Client,
		scheduler: opts.Scheduler,
		log:       opts.Log,
		nowMs:     opts.NowMs,
		host:      opts.Host,
		debounce:  opts.Debounce,
		sweep:     opts.Sweep,
	}
	if e.nowMs == nil {
		e.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if e.scheduler == nil {
		e.scheduler = NewTimerScheduler()
	}
	if e.debounce <= 0 {
		e.debounce = DefaultSyncDebounce
	}
	if e.sweep <= 0 {
		e.sweep = DefaultSweepInterval
	}
	return e
}

// Trigger requests a sync for one account. Debounced by default;
// immediate triggers (new account, manual sync) skip the quiet period.
func (e *SyncEngine) Trigger(accountID string, immediate bool) {
	if immediate {
		go func() { _ = e.SyncAccount(context.Background(), accountID) }()
		return
	}
	e.scheduler.Schedule("sync:"+accountID, e.debounce, func() {
		_ = e.SyncAccount(context.Background(), accountID)
	})
}

// SetHost switches the notify host and re-syncs every known account
// against it. Bumping the generation makes SyncAccount re-run after
// any flight that started against the old host.
func (e *SyncEngine) SetHost(host string) {
	e.mu.Lock()
	changed := e.host != host
	e.host = host
	if changed {
		e.hostGen++
	}
	e.mu.Unlock()
	if !changed || host == "" {
		return
	}
	e.log.Info().Str("host", host).Msg("notify host changed, resyncing all accounts")
	for _, accountID := range e.states.AccountIDs() {
		e.Trigger(accountID, true)
	}
}

func (e *SyncEngine) hostState() (string, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.host, e.hostGen
}

// Run sweeps every known account on the backstop interval until the
// context is cancelled. Clean accounts sync too; the sweep is what
// pulls in edits made on other devices.
func (e *SyncEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.scheduler.Stop()
			return
		case <-ticker.C:
			for _, accountID := range e.states.AccountIDs() {
				_ = e.SyncAccount(ctx, accountID)
			}
		}
	}
}

// SyncAccount syncs one account now, coalescing with any attempt
// already in flight. If the host changed while a flight was underway
// the account is synced again against the new host before returning.
func (e *SyncEngine) SyncAccount(ctx context.Context, accountID string) error {
	for {
		_, startGen := e.hostState()
		_, err, _ := e.flights.Do(accountID, func() (interface{}, error) {
			return nil, e.runSync(ctx, accountID)
		})
		_, endGen := e.hostState()
		if endGen == startGen {
			return err
		}
	}
}

// runSync is one full sync attempt: GET the remote snapshot, merge it
// with the local state as it stood after the GET, POST the merge, then
// fold the server's answer into whatever local state exists by then.
func (e *SyncEngine) runSync(ctx context.Context, accountID string) error {
	host, _ := e.hostState()
	if host == "" {
		e.states.RecordSyncError(accountID, ErrNoHost.Error())
		return ErrNoHost
	}
	syncStart := e.nowMs()

	remote, err := e.client.Get(ctx, host, accountID)
	if err != nil {
		err = fmt.Errorf("get read-state: %w", err)
		e.states.RecordSyncError(accountID, err.Error())
		return err
	}

	afterGet := e.states.Snapshot(accountID)
	merged := MergeReadState(afterGet, remote.Snapshot())

	serverResult, err := e.client.Merge(ctx, host, accountID, merged)
	if err != nil {
		err = fmt.Errorf("merge read-state: %w", err)
		e.states.RecordSyncError(accountID, err.Error())
		return err
	}

	stillDirty := e.states.CompleteSync(accountID, serverResult.Snapshot(), afterGet.StateUpdatedAtMs, syncStart)
	if stillDirty {
		// The user touched the state mid-sync; go again after the
		// usual quiet period.
		e.Trigger(accountID, false)
	}
	e.log.Debug().
		Str("account", accountID).
		Bool("stillDirty", stillDirty).
		Msg("read-state sync completed")
	return nil
}
