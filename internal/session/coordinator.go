// Package session coordinates the login lifecycle: it decides between
// stored-credential and interactive logins, gates completion behind the 2FA
// challenge when one is enrolled, and owns the pending-login state between
// the gate and its resolution.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mgit-desktop/mgit-auth/internal/audit"
	"github.com/mgit-desktop/mgit-auth/internal/authflow"
	"github.com/mgit-desktop/mgit-auth/internal/providers/catalog"
	"github.com/mgit-desktop/mgit-auth/internal/totp"
	"github.com/mgit-desktop/mgit-auth/internal/vault"
)

// StaleTokenAge is how old an account's last use may be before a stored
// token is considered stale and interactive re-authentication is required.
const StaleTokenAge = 72 * time.Hour

// twoFactorRetries is the challenge attempt budget for one pending login.
const twoFactorRetries = 3

var (
	// ErrReauthRequired means the stored token is missing or stale; the
	// caller should run an interactive login instead.
	ErrReauthRequired = errors.New("stored credentials are stale, interactive sign-in required")
	// ErrNoPendingLogin means no login is waiting on a 2FA challenge.
	ErrNoPendingLogin = errors.New("no login pending two-factor verification")
	// ErrRetriesExhausted means the challenge attempt budget is spent and the
	// pending login was discarded.
	ErrRetriesExhausted = errors.New("two-factor attempts exhausted, sign in again")
)

// ValidationError reports rejected challenge input without consuming a
// retry attempt.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// LoginStatus is the outcome of a credential-based login attempt.
type LoginStatus int

const (
	// LoginCompleted means the session is active.
	LoginCompleted LoginStatus = iota
	// LoginNeedsTwoFactor means the account is 2FA-enrolled and the login
	// is parked until CompleteTwoFactor or VerifyRecoveryCode succeeds.
	LoginNeedsTwoFactor
)

// NotificationKind labels coordinator events.
type NotificationKind int

const (
	NotifyLoginCompleted NotificationKind = iota
	NotifyLoginFailed
	NotifyTwoFactorRequired
	NotifyLoggedOut
)

// Notification is a coordinator event for UI consumption.
type Notification struct {
	Kind     NotificationKind
	Provider catalog.Provider
	Username string
	Message  string
}

// Store is the credential persistence the coordinator needs. *vault.Vault
// implements it; tests substitute failure-injecting wrappers.
type Store interface {
	FindAccount(p catalog.Provider, username string) (vault.Account, bool)
	UpsertAccount(p catalog.Provider, acct vault.Account) error
	RemoveAccount(p catalog.Provider, username string) error
	Accounts(p catalog.Provider) []vault.Account
	FinalizeLogin(p catalog.Provider, username string) error
	LastLogin() *vault.LoginRef
	SetLastLogin(ref *vault.LoginRef) error
	AutoLogin() bool
	SetAutoLogin(enabled bool) error
	TwoFactorEnabled() bool
	SetTwoFactorEnabled(enabled bool) error
	HasTwoFactorSetup(username string) bool
	TOTPSecret(username string) (string, bool)
	SetTOTPSecret(username, secret string) error
	SetRecoveryCodes(username string, hashes []string) error
	RecoveryCodes(username string) []string
	RemoveRecoveryCode(username, usedHash string) (bool, error)
	DisableTwoFactor(username string) error
}

// ActiveSession describes the signed-in account.
type ActiveSession struct {
	Provider    catalog.Provider
	Username    string
	Token       string
	ViaRecovery bool
}

// pendingLogin parks a credential login behind the 2FA gate.
type pendingLogin struct {
	id       string
	provider catalog.Provider
	username string
	token    string
	retries  int
}

// Coordinator drives logins end to end. The mutex guards the session and
// pending-login state, which interactive flow resolution mutates from a
// background goroutine.
type Coordinator struct {
	store   Store
	totp    *totp.Engine
	flows   *authflow.Controller
	journal *audit.Journal

	events chan Notification

	mu      sync.Mutex
	current *ActiveSession
	pending *pendingLogin

	staleAfter time.Duration
	now        func() time.Time
}

// New wires a coordinator. journal may be nil to disable auditing.
func New(store Store, engine *totp.Engine, flows *authflow.Controller, journal *audit.Journal) *Coordinator {
	return &Coordinator{
		store:      store,
		totp:       engine,
		flows:      flows,
		journal:    journal,
		events:     make(chan Notification, 16),
		staleAfter: StaleTokenAge,
		now:        time.Now,
	}
}

// Events returns the notification stream. The channel is buffered and never
// closed; events overflow silently if nobody listens.
func (c *Coordinator) Events() <-chan Notification { return c.events }

// Current returns the active session, or nil when signed out.
func (c *Coordinator) Current() *ActiveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// LoginWithAccount signs in using stored credentials. A missing or stale
// token yields ErrReauthRequired. When the account is 2FA-enrolled the login
// parks behind the challenge and LoginNeedsTwoFactor is returned.
func (c *Coordinator) LoginWithAccount(p catalog.Provider, username string) (LoginStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acct, ok := c.store.FindAccount(p, username)
	if !ok {
		return 0, fmt.Errorf("account %s/%s not found", p, username)
	}
	if acct.Token == "" || c.tokenStale(acct) {
		return 0, ErrReauthRequired
	}

	if c.store.TwoFactorEnabled() && c.store.HasTwoFactorSetup(username) {
		c.pending = &pendingLogin{
			id:       uuid.NewString(),
			provider: p,
			username: username,
			token:    acct.Token,
			retries:  twoFactorRetries,
		}
		log.Printf("[Session] pending login %s: %s@%s requires two-factor verification", c.pending.id, username, p)
		c.emit(Notification{Kind: NotifyTwoFactorRequired, Provider: p, Username: username})
		return LoginNeedsTwoFactor, nil
	}
	if err := c.completeLoginLocked(p, username, acct.Token, false); err != nil {
		return 0, err
	}
	return LoginCompleted, nil
}

// AutoLogin signs in with the last-used account if auto-login is enabled.
// Returns false when there is nothing to resume.
func (c *Coordinator) AutoLogin() (LoginStatus, bool, error) {
	if !c.store.AutoLogin() {
		return 0, false, nil
	}
	ref := c.store.LastLogin()
	if ref == nil {
		return 0, false, nil
	}
	status, err := c.LoginWithAccount(ref.Provider, ref.Username)
	if err != nil {
		return 0, false, err
	}
	return status, true, nil
}

// CompleteTwoFactor resolves the pending login with an authenticator code.
// Malformed input is rejected without consuming a retry. A wrong code
// consumes one; when the budget is spent the pending login is discarded and
// ErrRetriesExhausted returned.
func (c *Coordinator) CompleteTwoFactor(code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ErrNoPendingLogin
	}
	secret, ok := c.store.TOTPSecret(c.pending.username)
	if !ok {
		// Enrollment vanished underneath the pending login; let it through.
		p := c.pending
		c.pending = nil
		return c.completeLoginLocked(p.provider, p.username, p.token, false)
	}
	if err := checkCodeShape(code); err != nil {
		return err
	}

	window := 1
	if c.totp.RemainingSeconds() <= 3 {
		// Near the period boundary the user likely read the previous code.
		window = 2
	}
	if !c.totp.Verify(secret, code, window) {
		c.pending.retries--
		c.record(audit.KindTwoFactorFailed, c.pending.provider, c.pending.username, "")
		if c.pending.retries <= 0 {
			p := c.pending
			c.pending = nil
			log.Printf("[Session] %s@%s: two-factor attempts exhausted", p.username, p.provider)
			c.emit(Notification{Kind: NotifyLoginFailed, Provider: p.provider, Username: p.username, Message: ErrRetriesExhausted.Error()})
			return ErrRetriesExhausted
		}
		return fmt.Errorf("verification code rejected, %d attempts left", c.pending.retries)
	}

	p := c.pending
	c.pending = nil
	c.record(audit.KindTwoFactorPassed, p.provider, p.username, "")
	return c.completeLoginWithRetryLocked(p.provider, p.username, p.token, false)
}

// CancelTwoFactor discards the pending login, e.g. when the user dismisses
// the challenge dialog. Safe to call when nothing is pending.
func (c *Coordinator) CancelTwoFactor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

// VerifyRecoveryCode resolves the pending login with a single-use recovery
// code. The matched code is consumed on success.
func (c *Coordinator) VerifyRecoveryCode(code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ErrNoPendingLogin
	}
	if totp.NormalizeRecoveryCode(code) == "" {
		return &ValidationError{Msg: "recovery code is empty"}
	}

	hashes := c.store.RecoveryCodes(c.pending.username)
	ok, matched := totp.VerifyRecoveryCode(code, hashes)
	if !ok {
		c.pending.retries--
		c.record(audit.KindTwoFactorFailed, c.pending.provider, c.pending.username, "recovery code rejected")
		if c.pending.retries <= 0 {
			p := c.pending
			c.pending = nil
			c.emit(Notification{Kind: NotifyLoginFailed, Provider: p.provider, Username: p.username, Message: ErrRetriesExhausted.Error()})
			return ErrRetriesExhausted
		}
		return fmt.Errorf("recovery code rejected, %d attempts left", c.pending.retries)
	}

	p := c.pending
	c.pending = nil
	// Consume before the session goes live so the code can never be replayed,
	// even if completing the login fails afterwards.
	if _, err := c.store.RemoveRecoveryCode(p.username, matched); err != nil {
		return fmt.Errorf("consume recovery code: %w", err)
	}
	remaining := len(c.store.RecoveryCodes(p.username))
	log.Printf("[Session] %s@%s signed in via recovery code, %d left", p.username, p.provider, remaining)
	c.record(audit.KindRecoveryUsed, p.provider, p.username, fmt.Sprintf("%d codes remaining", remaining))
	return c.completeLoginWithRetryLocked(p.provider, p.username, p.token, true)
}

// completeLoginWithRetryLocked absorbs transient persistence failures when
// promoting a verified pending login. The challenge itself is never rerun;
// past the attempt budget the failure is surfaced and the user starts over.
func (c *Coordinator) completeLoginWithRetryLocked(p catalog.Provider, username, token string, viaRecovery bool) error {
	var err error
	for attempt := 1; attempt <= twoFactorRetries; attempt++ {
		if err = c.completeLoginLocked(p, username, token, viaRecovery); err == nil {
			return nil
		}
		log.Printf("[Session] login completion attempt %d/%d failed: %v", attempt, twoFactorRetries, err)
	}
	return err
}

// DisableTwoFactorAfterRecovery turns 2FA off for the current session's
// account. Offered only after a recovery-code login, for users who lost
// their authenticator.
func (c *Coordinator) DisableTwoFactorAfterRecovery() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || !c.current.ViaRecovery {
		return errors.New("two-factor removal is only offered after a recovery-code sign-in")
	}
	if err := c.store.DisableTwoFactor(c.current.Username); err != nil {
		return err
	}
	c.record(audit.KindTwoFactorRemoved, c.current.Provider, c.current.Username, "after recovery login")
	log.Printf("[Session] two-factor disabled for %s", c.current.Username)
	return nil
}

// Enrollment is returned once at 2FA setup; the recovery codes are not
// recoverable afterwards, only their hashes persist.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	RecoveryCodes   []string
}

// EnrollTwoFactor provisions a TOTP secret and fresh recovery codes for the
// account and switches the 2FA gate on.
func (c *Coordinator) EnrollTwoFactor(p catalog.Provider, username string) (*Enrollment, error) {
	if _, ok := c.store.FindAccount(p, username); !ok {
		return nil, fmt.Errorf("account %s/%s not found", p, username)
	}
	secret, err := c.totp.GenerateSecret(0)
	if err != nil {
		return nil, err
	}
	codes, err := totp.GenerateRecoveryCodes(0, 0)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = totp.HashRecoveryCode(code)
	}

	if err := c.store.SetTOTPSecret(username, secret); err != nil {
		return nil, err
	}
	if err := c.store.SetRecoveryCodes(username, hashes); err != nil {
		return nil, err
	}
	if err := c.store.SetTwoFactorEnabled(true); err != nil {
		return nil, err
	}
	c.record(audit.KindTwoFactorSetup, p, username, "")
	log.Printf("[Session] two-factor enrolled for %s@%s", username, p)
	return &Enrollment{
		Secret:          secret,
		ProvisioningURI: c.totp.ProvisioningURI(username, secret),
		RecoveryCodes:   codes,
	}, nil
}

// ConfirmEnrollment checks a first code against the freshly enrolled secret
// so setup only finishes once the authenticator provably works.
func (c *Coordinator) ConfirmEnrollment(username, code string) error {
	if err := checkCodeShape(code); err != nil {
		return err
	}
	secret, ok := c.store.TOTPSecret(username)
	if !ok {
		return fmt.Errorf("no two-factor enrollment for %s", username)
	}
	if !c.totp.Verify(secret, code, 1) {
		return errors.New("verification code does not match, check the authenticator entry")
	}
	return nil
}

// BeginInteractiveLogin starts a browser OAuth flow and resolves its outcome
// in the background: the identity is stored, the login finalized, and a
// notification emitted. The returned flow carries the authorize URL the
// caller must open.
func (c *Coordinator) BeginInteractiveLogin(p catalog.Provider, clientID, clientSecret string) (*authflow.Flow, error) {
	flow, err := c.flows.Start(p, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	go c.resolveFlow(flow)
	return flow, nil
}

func (c *Coordinator) resolveFlow(flow *authflow.Flow) {
	for ev := range flow.Events {
		switch ev.Kind {
		case authflow.EventCodeReceived:
			continue
		case authflow.EventCompleted:
			id := ev.Identity
			acct := vault.Account{
				Username:  id.Username,
				Token:     id.AccessToken,
				Name:      id.Name,
				AvatarURL: id.AvatarURL,
			}
			if err := c.store.UpsertAccount(id.Provider, acct); err != nil {
				c.record(audit.KindLoginFailed, id.Provider, id.Username, err.Error())
				c.emit(Notification{Kind: NotifyLoginFailed, Provider: id.Provider, Username: id.Username, Message: err.Error()})
				return
			}
			c.mu.Lock()
			err := c.completeLoginLocked(id.Provider, id.Username, id.AccessToken, false)
			c.mu.Unlock()
			if err != nil {
				c.emit(Notification{Kind: NotifyLoginFailed, Provider: id.Provider, Username: id.Username, Message: err.Error()})
			}
			return
		case authflow.EventFailed:
			c.record(audit.KindLoginFailed, flow.Provider, "", ev.Reason)
			c.emit(Notification{Kind: NotifyLoginFailed, Provider: flow.Provider, Message: ev.Reason})
			return
		case authflow.EventCancelled:
			return
		}
	}
}

// RegenerateRecoveryCodes replaces the account's recovery codes and returns
// the new plaintext set, shown once. Previously issued codes stop working.
func (c *Coordinator) RegenerateRecoveryCodes(p catalog.Provider, username string) ([]string, error) {
	if !c.store.HasTwoFactorSetup(username) {
		return nil, fmt.Errorf("no two-factor enrollment for %s", username)
	}
	codes, err := totp.GenerateRecoveryCodes(0, 0)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = totp.HashRecoveryCode(code)
	}
	if err := c.store.SetRecoveryCodes(username, hashes); err != nil {
		return nil, err
	}
	c.record(audit.KindTwoFactorSetup, p, username, "recovery codes regenerated")
	return codes, nil
}

// RemainingRecoveryCodes reports how many unused recovery codes the account
// still holds.
func (c *Coordinator) RemainingRecoveryCodes(username string) int {
	return len(c.store.RecoveryCodes(username))
}

// Accounts lists the enrolled accounts for a provider.
func (c *Coordinator) Accounts(p catalog.Provider) []vault.Account {
	return c.store.Accounts(p)
}

// RemoveAccount deletes an account; the vault cascades its 2FA material. A
// pending login for the account is discarded.
func (c *Coordinator) RemoveAccount(p catalog.Provider, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil && c.pending.provider == p && c.pending.username == username {
		c.pending = nil
	}
	if cur := c.current; cur != nil && cur.Provider == p && cur.Username == username {
		c.current = nil
	}
	return c.store.RemoveAccount(p, username)
}

// SetAutoLogin toggles start-up session resumption.
func (c *Coordinator) SetAutoLogin(enabled bool) error {
	return c.store.SetAutoLogin(enabled)
}

// SetTwoFactorEnabled toggles the global 2FA gate without touching enrolled
// secrets.
func (c *Coordinator) SetTwoFactorEnabled(enabled bool) error {
	return c.store.SetTwoFactorEnabled(enabled)
}

// Logout ends the session and clears the last-login pointer so the next
// start does not auto-resume.
func (c *Coordinator) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current
	c.current = nil
	c.pending = nil
	if err := c.store.SetLastLogin(nil); err != nil {
		return err
	}
	if cur != nil {
		c.record(audit.KindLogout, cur.Provider, cur.Username, "")
		c.emit(Notification{Kind: NotifyLoggedOut, Provider: cur.Provider, Username: cur.Username})
		log.Printf("[Session] %s@%s signed out", cur.Username, cur.Provider)
	}
	return nil
}

// completeLoginLocked finalizes a login. Callers hold c.mu.
func (c *Coordinator) completeLoginLocked(p catalog.Provider, username, token string, viaRecovery bool) error {
	if err := c.store.FinalizeLogin(p, username); err != nil {
		c.record(audit.KindLoginFailed, p, username, err.Error())
		return fmt.Errorf("finalize login: %w", err)
	}
	c.current = &ActiveSession{Provider: p, Username: username, Token: token, ViaRecovery: viaRecovery}
	c.record(audit.KindLoginCompleted, p, username, "")
	c.emit(Notification{Kind: NotifyLoginCompleted, Provider: p, Username: username})
	log.Printf("[Session] %s@%s signed in", username, p)
	return nil
}

func (c *Coordinator) tokenStale(acct vault.Account) bool {
	if acct.LastUsed == "" {
		return false
	}
	last, err := time.Parse(time.RFC3339, acct.LastUsed)
	if err != nil {
		return false
	}
	return c.now().Sub(last) > c.staleAfter
}

func (c *Coordinator) emit(n Notification) {
	select {
	case c.events <- n:
	default:
	}
}

func (c *Coordinator) record(kind string, p catalog.Provider, username, detail string) {
	if err := c.journal.Record(kind, string(p), username, detail); err != nil {
		log.Printf("[Session] audit record failed: %v", err)
	}
}

func checkCodeShape(code string) error {
	if len(code) != totp.Digits {
		return &ValidationError{Msg: fmt.Sprintf("verification code must be %d digits", totp.Digits)}
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return &ValidationError{Msg: "verification code must be digits only"}
		}
	}
	return nil
}
