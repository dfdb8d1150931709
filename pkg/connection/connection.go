// Package connection implements the top-level Matrix client state machine:
// homeserver discovery, login, the object registry, and every operation
// that mutates account-level state. It owns the job Runner, the room/user
// registry, the direct-chats index, and (when E2EE is enabled) the
// encryption subcomponent, and drives the sync pipeline.
package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/armorclaw/matrixsdk/pkg/audit"
	"github.com/armorclaw/matrixsdk/pkg/call"
	"github.com/armorclaw/matrixsdk/pkg/directchat"
	"github.com/armorclaw/matrixsdk/pkg/e2ee"
	"github.com/armorclaw/matrixsdk/pkg/e2ee/verification"
	"github.com/armorclaw/matrixsdk/pkg/event"
	"github.com/armorclaw/matrixsdk/pkg/job"
	"github.com/armorclaw/matrixsdk/pkg/logger"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/armorclaw/matrixsdk/pkg/persistence"
	"github.com/armorclaw/matrixsdk/pkg/room"
)

// State is a node of the Connection's top-level lifecycle, advancing
// strictly left to right except for the terminal LoggedOut transition,
// which can occur from any state.
type State int

const (
	StateNew State = iota
	StateServerResolved
	StateLoginFlowsKnown
	StateLoggedIn
	StateSyncing
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateServerResolved:
		return "serverResolved"
	case StateLoginFlowsKnown:
		return "loginFlowsKnown"
	case StateLoggedIn:
		return "loggedIn"
	case StateSyncing:
		return "syncing"
	case StateLoggedOut:
		return "loggedOut"
	default:
		return "unknown"
	}
}

// Capabilities is the cached server feature-set snapshot.
type Capabilities struct {
	RoomVersions        map[string]string // version -> stability ("stable"/"unstable")
	DefaultRoomVersion  string
	ChangePasswordAllowed bool
}

// Options configures a Connection at construction time.
type Options struct {
	Runner      *job.Runner
	Keyring     persistence.KeyringBackend
	CachePaths  persistence.CachePaths
	CacheFormat persistence.Format

	LazyLoadMembers bool
	SyncTimeoutMs   int

	RoomFactory room.Factory

	// EnableE2EE wires the encryption subcomponent; callers must also
	// supply Store/AccountFactory when true.
	EnableE2EE     bool
	E2EEStore      e2ee.Store
	AccountFactory e2ee.AccountFactory

	GeneratePickleKey func() (string, error)

	// CallRingTimeout bounds how long an unanswered m.call.invite is
	// tracked before it is marked Failed. Zero uses call.NewRegistry's
	// default.
	CallRingTimeout time.Duration

	// CallAuditLog records call_created/call_ended/call_rejected events,
	// if supplied. A nil value (the default) skips call auditing.
	CallAuditLog *audit.AuditLog
}

// Connection is a single-owning-thread object: every method below must
// be called from the same goroutine. Completions from the job Runner's
// worker goroutines are expected to be funneled back onto that thread by
// the embedder (e.g. via Handle.Wait on the owning goroutine, or a
// dispatched callback queue).
type Connection struct {
	mu sync.Mutex

	state State
	opts  Options

	userID   string
	deviceID string
	token    atomic.Value // string; read by job.Config.Token without the Connection lock

	homeserverURL string
	loginFlows    []string
	capabilities  Capabilities

	registry    *room.Registry
	directChats *directchat.Index
	accountData map[string]event.AccountDataEvent
	ignored     map[string]struct{}

	encryption       *e2ee.Data
	verificationRegs *verification.Registry

	calls *call.Registry

	registryRegistry *event.Registry // event metatype registry

	bus *signalBus

	nextBatch string

	sso *ssoStates

	syncGroup     singleflight.Group
	syncHandle    *job.Handle
	syncLoopDone  chan struct{}
	stopRequested bool

	txnCounter int64

	cron *cron.Cron

	log *logger.Logger

	pendingLogout bool
}

// New constructs a Connection in StateNew. The job Runner's token
// callback is expected to read Connection.AccessToken.
func New(opts Options) *Connection {
	c := &Connection{
		opts:             opts,
		state:            StateNew,
		registry:         room.NewRegistry(opts.RoomFactory),
		directChats:      directchat.New(),
		accountData:      make(map[string]event.AccountDataEvent),
		ignored:          make(map[string]struct{}),
		bus:              newSignalBus(),
		registryRegistry: event.NewDefaultRegistry(),
		calls:            call.NewRegistry(opts.CallRingTimeout),
		log:              logger.Global().WithComponent("connection"),
	}
	if opts.EnableE2EE {
		c.verificationRegs = verification.NewRegistry()
	}
	c.calls.OnChanged(func(cl *call.Call) {
		c.bus.emit(SignalCallStateChanged, cl)
	})
	if opts.CallAuditLog != nil {
		c.calls.SetAuditLog(opts.CallAuditLog)
	}
	c.token.Store("")
	return c
}

// On registers a signal handler; see signals.go.
func (c *Connection) On(signal Signal, handler func(payload any)) {
	c.bus.On(signal, handler)
}

// RoomUpdates exposes the queued room-registry channel for draining.
func (c *Connection) RoomUpdates() <-chan RoomUpdate {
	return c.bus.RoomUpdates()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.bus.emit(SignalStateChanged, s)
}

// AccessToken returns the current access token, or "" while a logout is
// pending.
func (c *Connection) AccessToken() string {
	c.mu.Lock()
	pending := c.pendingLogout
	userID := c.userID
	c.mu.Unlock()
	if pending {
		_ = audit.Global().LogTokenExposureBlocked(context.Background(), userID)
		return ""
	}
	v, _ := c.token.Load().(string)
	return v
}

func (c *Connection) setAccessToken(token string) {
	c.token.Store(token)
}

// UserID returns the local user's Matrix identifier, once known.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// DeviceID returns the local device identifier, once known.
func (c *Connection) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// GenerateTxnId returns a transaction identifier monotonically unique
// within this Connection, embedded in every message/send job so retries
// stay idempotent. The per-call UUID rules out collisions with any other
// Connection sharing the same process or cache directory.
func (c *Connection) GenerateTxnId() string {
	n := atomic.AddInt64(&c.txnCounter, 1)
	return fmt.Sprintf("mxsdk-%d-%d-%s", connectionEpoch, n, uuid.NewString())
}

// connectionEpoch distinguishes transaction IDs across process restarts
// without calling time.Now (which would make txn IDs depend on wall
// clock); it is set once at package init by processEpoch, from random
// bytes read through securerandom, with the process ID as the fallback
// when that read fails.
var connectionEpoch = processEpoch()

// ResolveServer tries well-known discovery against userOrServerID as a
// temporary base URL; on 404 it falls back to treating the host as the
// base URL directly; any other bad status is a resolve error.
func (c *Connection) ResolveServer(ctx context.Context, userOrServerID string) error {
	host := userOrServerID
	if idx := strings.IndexByte(userOrServerID, ':'); idx >= 0 && strings.HasPrefix(userOrServerID, "@") {
		host = userOrServerID[idx+1:]
	}
	tempBase := "https://" + host

	c.opts.Runner.SetBaseURL(tempBase)
	handle := c.opts.Runner.Run(ctx, job.NewWellKnownJob(), job.Foreground)
	result, err := handle.Wait(ctx)

	baseURL := tempBase
	if err != nil {
		if !mxerr.IsNotFound(err) {
			c.opts.Runner.SetBaseURL("")
			return mxerr.Wrap(mxerr.KindResolve, "well-known discovery failed", err)
		}
		// 404: host itself is the base URL.
	} else {
		resp := result.(job.WellKnownResponse)
		if resp.Homeserver.BaseURL != "" {
			baseURL = resp.Homeserver.BaseURL
		}
	}

	c.opts.Runner.SetBaseURL(baseURL)
	c.mu.Lock()
	c.homeserverURL = baseURL
	c.mu.Unlock()
	c.bus.emit(SignalHomeserverChanged, baseURL)

	return c.setHomeserver(ctx, baseURL)
}

// setHomeserver enumerates the resolved server's login flows.
func (c *Connection) setHomeserver(ctx context.Context, baseURL string) error {
	c.opts.Runner.SetBaseURL(baseURL)
	handle := c.opts.Runner.Run(ctx, job.NewLoginFlowsJob(), job.Foreground)
	result, err := handle.Wait(ctx)
	if err != nil {
		return mxerr.Wrap(mxerr.KindResolve, "fetching login flows", err)
	}
	resp := result.(job.LoginFlowsResponse)
	flows := make([]string, 0, len(resp.Flows))
	for _, f := range resp.Flows {
		flows = append(flows, f.Type)
	}

	c.mu.Lock()
	c.loginFlows = flows
	c.mu.Unlock()

	c.setState(StateLoginFlowsKnown)
	c.bus.emit(SignalLoginFlowsChanged, flows)
	return nil
}

// HasLoginFlow reports whether the resolved server advertises flowType
// (e.g. "m.login.password", "m.login.sso").
func (c *Connection) HasLoginFlow(flowType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.loginFlows {
		if f == flowType {
			return true
		}
	}
	return false
}

// checkAndConnect is the shared preamble of every login entry point: it
// ensures the homeserver is resolved and, if requiredFlow is non-empty,
// that it is advertised, before invoking cont.
func (c *Connection) checkAndConnect(ctx context.Context, userID, requiredFlow string, cont func(ctx context.Context) error) error {
	c.mu.Lock()
	homeserverSet := c.homeserverURL != ""
	c.mu.Unlock()

	if !homeserverSet {
		if strings.HasPrefix(userID, "@") {
			if err := c.ResolveServer(ctx, userID); err != nil {
				return err
			}
		} else {
			return mxerr.New(mxerr.KindResolve, "homeserver not set and user id is not fully qualified")
		}
	}

	if requiredFlow != "" && !c.HasLoginFlow(requiredFlow) {
		return mxerr.New(mxerr.KindLogin, "required login flow not advertised: "+requiredFlow)
	}

	return cont(ctx)
}

// LoginWithPassword performs m.login.password.
func (c *Connection) LoginWithPassword(ctx context.Context, user, password, initialDeviceName, deviceID string) error {
	return c.checkAndConnect(ctx, user, "m.login.password", func(ctx context.Context) error {
		handle := c.opts.Runner.Run(ctx, job.NewLoginPasswordJob(user, password, deviceID, initialDeviceName), job.Foreground)
		result, err := handle.Wait(ctx)
		if err != nil {
			_ = audit.Global().LogAuthenticationEvent(ctx, user, "m.login.password", false)
			return mxerr.Wrap(mxerr.KindLogin, "password login failed", err)
		}
		resp := result.(job.LoginResponse)
		_ = audit.Global().LogAuthenticationEvent(ctx, resp.UserID, "m.login.password", true)
		return c.CompleteSetup(ctx, resp.UserID, resp.DeviceID, resp.AccessToken, false)
	})
}

// LoginWithToken performs m.login.token (e.g. following SSO redirect).
func (c *Connection) LoginWithToken(ctx context.Context, userID, loginToken, initialDeviceName, deviceID string) error {
	return c.checkAndConnect(ctx, userID, "m.login.token", func(ctx context.Context) error {
		handle := c.opts.Runner.Run(ctx, job.NewLoginTokenJob(loginToken, deviceID, initialDeviceName), job.Foreground)
		result, err := handle.Wait(ctx)
		if err != nil {
			_ = audit.Global().LogAuthenticationEvent(ctx, userID, "m.login.token", false)
			return mxerr.Wrap(mxerr.KindLogin, "token login failed", err)
		}
		resp := result.(job.LoginResponse)
		_ = audit.Global().LogAuthenticationEvent(ctx, resp.UserID, "m.login.token", true)
		return c.CompleteSetup(ctx, resp.UserID, resp.DeviceID, resp.AccessToken, false)
	})
}

// AssumeIdentity verifies a pre-existing access token via /whoami and
// adopts it without a login round trip.
func (c *Connection) AssumeIdentity(ctx context.Context, mxID, accessToken string) error {
	return c.checkAndConnect(ctx, mxID, "", func(ctx context.Context) error {
		c.setAccessToken(accessToken)
		handle := c.opts.Runner.Run(ctx, job.NewWhoAmIJob(), job.Foreground)
		result, err := handle.Wait(ctx)
		if err != nil {
			c.setAccessToken("")
			return mxerr.Wrap(mxerr.KindLogin, "assumed identity rejected", err)
		}
		resp := result.(job.WhoAmIResponse)
		return c.CompleteSetup(ctx, resp.UserID, resp.DeviceID, accessToken, false)
	})
}

// CompleteSetup persists identity, writes the access token to the
// keyring, initialises E2EE, and probes capabilities.
func (c *Connection) CompleteSetup(ctx context.Context, userID, deviceID, accessToken string, mockMode bool) error {
	c.mu.Lock()
	c.userID = userID
	c.deviceID = deviceID
	c.mu.Unlock()
	c.setAccessToken(accessToken)

	if !mockMode && c.opts.Keyring != nil {
		if err := persistence.WriteAccessToken(ctx, c.opts.Keyring, userID, accessToken); err != nil {
			c.log.ErrorEvent(ctx, "writing access token to keyring failed", err)
		}
	}

	if c.opts.EnableE2EE {
		if err := c.setupEncryption(ctx, userID, deviceID); err != nil {
			c.log.ErrorEvent(ctx, "e2ee setup failed", err)
		}
	}

	c.setState(StateLoggedIn)
	c.bus.emit(SignalConnected, userID)

	go c.reloadCapabilitiesAsync(ctx)
	c.startBackgroundSchedule()
	return nil
}

// startBackgroundSchedule arms the periodic housekeeping a long-lived
// Connection needs outside of what sync responses already trigger:
// capability re-probing, and (when E2EE is enabled) a one-time-key count
// reconciliation that backstops the sync-driven top-up in
// consumeEncryptionPre in case a sync response's device_one_time_keys_count
// is stale or missing for a stretch.
func (c *Connection) startBackgroundSchedule() {
	c.cron = cron.New()
	_, _ = c.cron.AddFunc("@hourly", func() {
		c.reloadCapabilitiesAsync(context.Background())
	})
	if c.opts.EnableE2EE {
		_, _ = c.cron.AddFunc("@every 5m", func() {
			c.reconcileOneTimeKeys(context.Background())
		})
	}
	c.cron.Start()
}

// reconcileOneTimeKeys re-checks the last-seen one-time-key counts against
// the account's own upload threshold and tops up if a sync response never
// got the chance to.
func (c *Connection) reconcileOneTimeKeys(ctx context.Context) {
	if c.encryption == nil {
		return
	}
	needsUpload, newKeys, err := c.encryption.UpdateOneTimeKeyCounts(c.encryption.OneTimeKeyCounts())
	if err != nil {
		c.log.ErrorEvent(ctx, "reconciling one-time key counts failed", err)
		return
	}
	if !needsUpload {
		return
	}
	req := job.UploadKeysRequest{OneTimeKeys: oneTimeKeysBody(newKeys)}
	handle := c.opts.Runner.Run(ctx, job.NewUploadKeysJob(req), job.Background)
	if _, err := handle.Wait(ctx); err != nil {
		c.log.ErrorEvent(ctx, "uploading reconciled one-time keys failed", err)
		return
	}
	if err := c.encryption.MarkKeysPublished(ctx); err != nil {
		c.log.ErrorEvent(ctx, "marking reconciled keys published failed", err)
	}
}

func (c *Connection) setupEncryption(ctx context.Context, userID, deviceID string) error {
	membership := &connectionRoomMembership{c: c}
	c.encryption = e2ee.NewData(c.opts.AccountFactory, c.opts.E2EEStore, membership)
	c.encryption.SetRoomKeyRequestFunc(c.requestRoomKey)

	pickleKey, err := persistence.ReadOrCreatePickleKey(ctx, c.opts.Keyring, userID, c.opts.GeneratePickleKey)
	if err != nil {
		return fmt.Errorf("connection: resolving pickle key: %w", err)
	}
	return c.encryption.Setup(ctx, userID, deviceID, []byte(pickleKey))
}

// requestRoomKey asks this account's other devices for a megolm session
// this device is missing, by sending m.room_key_request to every device
// via the to-device channel (the server fans "*" out to all of the
// user's own devices). Best-effort: a send failure just means the event
// stays pending until a session arrives through some other path.
func (c *Connection) requestRoomKey(roomID, sessionID, senderKey string) {
	go func() {
		ctx := context.Background()
		req := job.ToDeviceRequest{
			Messages: map[string]map[string]any{
				c.UserID(): {
					"*": map[string]any{
						"action":                "request",
						"requesting_device_id":  c.DeviceID(),
						"request_id":            c.GenerateTxnId(),
						"body": map[string]any{
							"algorithm":  "m.megolm.v1.aes-sha2",
							"room_id":    roomID,
							"sender_key": senderKey,
							"session_id": sessionID,
						},
					},
				},
			},
		}
		handle := c.opts.Runner.Run(ctx, job.NewSendToDeviceJob("m.room_key_request", c.GenerateTxnId(), req), job.Background)
		if _, err := handle.Wait(ctx); err != nil {
			c.log.ErrorEvent(ctx, "requesting missing room key failed", err)
		}
	}()
}

// ReloadCapabilities probes server capabilities in the background,
// tolerating M_UNRECOGNIZED by leaving the feature disabled rather than
// failing.
func (c *Connection) ReloadCapabilities(ctx context.Context) error {
	handle := c.opts.Runner.Run(ctx, job.NewCapabilitiesJob(), job.Background)
	result, err := handle.Wait(ctx)
	if err != nil {
		if kind, ok := mxerr.KindOf(err); ok && kind == mxerr.KindIncorrectRequest {
			return nil // M_UNRECOGNIZED or similar: feature gracefully disabled
		}
		return err
	}
	resp := result.(job.CapabilitiesResponse)
	c.applyCapabilities(resp)
	return nil
}

func (c *Connection) reloadCapabilitiesAsync(ctx context.Context) {
	if err := c.ReloadCapabilities(ctx); err != nil {
		c.log.ErrorEvent(ctx, "reload capabilities failed", err)
	}
}

func (c *Connection) applyCapabilities(resp job.CapabilitiesResponse) {
	caps := Capabilities{RoomVersions: map[string]string{}}
	if raw, ok := resp.Capabilities["m.room_versions"]; ok {
		var rv struct {
			Default  string            `json:"default"`
			Available map[string]string `json:"available"`
		}
		if decodeRawJSON(raw, &rv) == nil {
			caps.DefaultRoomVersion = rv.Default
			caps.RoomVersions = rv.Available
		}
	}
	if raw, ok := resp.Capabilities["m.change_password"]; ok {
		var cp struct {
			Enabled bool `json:"enabled"`
		}
		if decodeRawJSON(raw, &cp) == nil {
			caps.ChangePasswordAllowed = cp.Enabled
		}
	}
	c.mu.Lock()
	c.capabilities = caps
	c.mu.Unlock()
}

// Capabilities returns the last-probed capability snapshot.
func (c *Connection) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Logout abandons the sync loop, revokes the token, clears persisted
// state, and emits loggedOut; on failure the prior state (including sync
// resumption) is restored.
func (c *Connection) Logout(ctx context.Context) error {
	c.mu.Lock()
	wasSyncing := c.state == StateSyncing
	prevState := c.state
	c.pendingLogout = true
	c.mu.Unlock()

	c.StopSync()
	if c.cron != nil {
		c.cron.Stop()
	}

	handle := c.opts.Runner.Run(ctx, job.NewLogoutJob(), job.Foreground)
	_, err := handle.Wait(ctx)
	if err != nil {
		c.mu.Lock()
		c.pendingLogout = false
		c.mu.Unlock()
		if wasSyncing {
			c.SyncLoop(ctx, c.opts.SyncTimeoutMs)
		}
		c.setState(prevState)
		return mxerr.Wrap(mxerr.KindLogin, "logout failed", err)
	}

	userID := c.UserID()
	if c.opts.Keyring != nil {
		tokenErr := persistence.DeleteAccessToken(ctx, c.opts.Keyring, userID)
		pickleErr := persistence.DeletePickleKey(ctx, c.opts.Keyring, userID)
		if tokenErr != nil {
			c.log.ErrorEvent(ctx, "deleting access token failed", tokenErr)
		}
		if pickleErr != nil {
			c.log.ErrorEvent(ctx, "deleting pickle key failed", pickleErr)
		}
	}

	c.setAccessToken("")
	c.mu.Lock()
	c.pendingLogout = false
	c.mu.Unlock()
	c.setState(StateLoggedOut)
	c.bus.emit(SignalLoggedOut, userID)
	c.opts.Runner.AbandonAll()
	return nil
}

type connectionRoomMembership struct{ c *Connection }

func (m *connectionRoomMembership) JoinedAndInvitedMembers(roomID string) ([]string, error) {
	r := m.c.registry.Room(roomID, room.MaskAny)
	if r == nil {
		return nil, mxerr.New(mxerr.KindNotFound, "room not registered: "+roomID)
	}
	return r.MemberIDs(), nil
}

func (m *connectionRoomMembership) RotationSettings(roomID string) (int64, int) {
	r := m.c.registry.Room(roomID, room.MaskAny)
	if r == nil {
		return 0, 0
	}
	return r.RotationPeriodMs, r.RotationPeriodMsgs
}
