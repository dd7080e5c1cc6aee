package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mgit-desktop/mgit-auth/internal/authflow"
	"github.com/mgit-desktop/mgit-auth/internal/providers/catalog"
	"github.com/mgit-desktop/mgit-auth/internal/totp"
	"github.com/mgit-desktop/mgit-auth/internal/vault"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *vault.Vault) {
	t.Helper()
	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	if _, err := v.Load(); err != nil {
		t.Fatalf("vault.Load: %v", err)
	}
	engine := totp.NewWithClock("MGit", time.Now)
	c := New(v, engine, nil, nil)
	return c, v
}

func addAccount(t *testing.T, v *vault.Vault, p catalog.Provider, username string) {
	t.Helper()
	err := v.UpsertAccount(p, vault.Account{
		Username: username,
		Token:    "tok-" + username,
	})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
}

// enroll turns 2FA on for the account and returns the plaintext material.
func enroll(t *testing.T, c *Coordinator, p catalog.Provider, username string) *Enrollment {
	t.Helper()
	enr, err := c.EnrollTwoFactor(p, username)
	if err != nil {
		t.Fatalf("EnrollTwoFactor: %v", err)
	}
	return enr
}

func TestLoginWithoutTwoFactor(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")

	status, err := c.LoginWithAccount(catalog.GitHub, "octocat")
	if err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	if status != LoginCompleted {
		t.Fatalf("status = %d, want completed", status)
	}
	cur := c.Current()
	if cur == nil || cur.Username != "octocat" || cur.Token != "tok-octocat" {
		t.Fatalf("unexpected session: %+v", cur)
	}
	ref := v.LastLogin()
	if ref == nil || ref.Provider != catalog.GitHub || ref.Username != "octocat" {
		t.Fatalf("last login not recorded: %+v", ref)
	}
}

func TestLoginUnknownAccount(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if _, err := c.LoginWithAccount(catalog.GitHub, "ghost"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestStaleTokenRequiresReauth(t *testing.T) {
	c, v := newTestCoordinator(t)
	err := v.UpsertAccount(catalog.GitHub, vault.Account{
		Username: "octocat",
		Token:    "tok",
		LastUsed: vault.Timestamp(time.Now().Add(-100 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err = %v, want ErrReauthRequired", err)
	}

	// An empty stored token is equally unusable.
	if err := v.UpsertAccount(catalog.Gitee, vault.Account{Username: "lee"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if _, err := c.LoginWithAccount(catalog.Gitee, "lee"); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err = %v, want ErrReauthRequired", err)
	}
}

func TestTwoFactorGateAndCompletion(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enr := enroll(t, c, catalog.GitHub, "octocat")

	if len(enr.RecoveryCodes) != totp.DefaultRecoveryCount {
		t.Fatalf("got %d recovery codes", len(enr.RecoveryCodes))
	}
	if !strings.HasPrefix(enr.ProvisioningURI, "otpauth://totp/MGit:octocat?") {
		t.Fatalf("provisioning URI: %s", enr.ProvisioningURI)
	}

	status, err := c.LoginWithAccount(catalog.GitHub, "octocat")
	if err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	if status != LoginNeedsTwoFactor {
		t.Fatalf("status = %d, want needs two-factor", status)
	}
	if c.Current() != nil {
		t.Fatal("session active before challenge resolved")
	}

	code, err := c.totp.Code(enr.Secret)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if err := c.CompleteTwoFactor(code); err != nil {
		t.Fatalf("CompleteTwoFactor: %v", err)
	}
	cur := c.Current()
	if cur == nil || cur.Username != "octocat" || cur.ViaRecovery {
		t.Fatalf("unexpected session: %+v", cur)
	}
}

func TestMalformedCodeDoesNotConsumeRetry(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enroll(t, c, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}

	var vErr *ValidationError
	for _, code := range []string{"", "12345", "12a456", "1234567"} {
		if err := c.CompleteTwoFactor(code); !errors.As(err, &vErr) {
			t.Fatalf("code %q: err = %v, want ValidationError", code, err)
		}
	}
	if c.pending.retries != twoFactorRetries {
		t.Fatalf("retries = %d, want untouched %d", c.pending.retries, twoFactorRetries)
	}
}

func TestTwoFactorRetryBudget(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enroll(t, c, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}

	for i := 0; i < twoFactorRetries-1; i++ {
		err := c.CompleteTwoFactor("000000")
		if err == nil || errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("attempt %d: err = %v", i+1, err)
		}
	}
	if err := c.CompleteTwoFactor("000000"); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("final attempt err = %v, want ErrRetriesExhausted", err)
	}
	// Pending login was discarded; the user starts over.
	if err := c.CompleteTwoFactor("000000"); !errors.Is(err, ErrNoPendingLogin) {
		t.Fatalf("err = %v, want ErrNoPendingLogin", err)
	}
	if c.Current() != nil {
		t.Fatal("session active after exhausted retries")
	}
}

func TestRecoveryCodeLoginAndDisable(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enr := enroll(t, c, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}

	if err := c.VerifyRecoveryCode(enr.RecoveryCodes[2]); err != nil {
		t.Fatalf("VerifyRecoveryCode: %v", err)
	}
	cur := c.Current()
	if cur == nil || !cur.ViaRecovery {
		t.Fatalf("unexpected session: %+v", cur)
	}
	if got := len(v.RecoveryCodes("octocat")); got != totp.DefaultRecoveryCount-1 {
		t.Fatalf("recovery codes left = %d, want %d", got, totp.DefaultRecoveryCount-1)
	}

	// A consumed code cannot be replayed.
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	if err := c.VerifyRecoveryCode(enr.RecoveryCodes[2]); err == nil {
		t.Fatal("replayed recovery code accepted")
	}
	if err := c.VerifyRecoveryCode(enr.RecoveryCodes[3]); err != nil {
		t.Fatalf("VerifyRecoveryCode: %v", err)
	}

	if err := c.DisableTwoFactorAfterRecovery(); err != nil {
		t.Fatalf("DisableTwoFactorAfterRecovery: %v", err)
	}
	if v.HasTwoFactorSetup("octocat") {
		t.Fatal("secret still present after disable")
	}
	if got := len(v.RecoveryCodes("octocat")); got != 0 {
		t.Fatalf("recovery codes left = %d, want 0", got)
	}
}

func TestDisableTwoFactorRequiresRecoveryLogin(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	if err := c.DisableTwoFactorAfterRecovery(); err == nil {
		t.Fatal("disable allowed after a plain login")
	}
}

// failingStore injects a persistence failure into recovery-code consumption.
type failingStore struct {
	Store
}

func (f *failingStore) RemoveRecoveryCode(username, usedHash string) (bool, error) {
	return false, errors.New("disk full")
}

func TestRecoveryConsumeFailureBlocksLogin(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enr := enroll(t, c, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	c.store = &failingStore{Store: v}

	err := c.VerifyRecoveryCode(enr.RecoveryCodes[0])
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want consumption failure", err)
	}
	// The login must not complete when the code could not be consumed.
	if c.Current() != nil {
		t.Fatal("session active despite consumption failure")
	}
	if got := len(v.RecoveryCodes("octocat")); got != totp.DefaultRecoveryCount {
		t.Fatalf("recovery codes = %d, want all %d intact", got, totp.DefaultRecoveryCount)
	}
	if !v.HasTwoFactorSetup("octocat") || !v.TwoFactorEnabled() {
		t.Fatal("2FA enrollment must survive a failed completion")
	}
}

// finalizeFailStore makes every login-completion persist fail.
type finalizeFailStore struct {
	Store
	calls int
}

func (f *finalizeFailStore) FinalizeLogin(p catalog.Provider, username string) error {
	f.calls++
	return errors.New("store unavailable")
}

func TestCompletionPersistFailureRetriesThenSurfaces(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enr := enroll(t, c, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	fs := &finalizeFailStore{Store: v}
	c.store = fs

	code, err := c.totp.Code(enr.Secret)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if err := c.CompleteTwoFactor(code); err == nil {
		t.Fatal("expected completion failure to surface")
	}
	if fs.calls != twoFactorRetries {
		t.Fatalf("finalize attempts = %d, want %d", fs.calls, twoFactorRetries)
	}
	if c.Current() != nil {
		t.Fatal("session active despite failed completion")
	}
	// The pending login is discarded, not left retryable.
	if err := c.CompleteTwoFactor(code); !errors.Is(err, ErrNoPendingLogin) {
		t.Fatalf("err = %v, want ErrNoPendingLogin", err)
	}
	if !v.HasTwoFactorSetup("octocat") {
		t.Fatal("secret must remain intact after failed completion")
	}
}

func TestCancelTwoFactorDiscardsPending(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enroll(t, c, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	c.CancelTwoFactor()
	if err := c.CompleteTwoFactor("123456"); !errors.Is(err, ErrNoPendingLogin) {
		t.Fatalf("err = %v, want ErrNoPendingLogin", err)
	}
	c.CancelTwoFactor()
}

func TestConfirmEnrollment(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enr := enroll(t, c, catalog.GitHub, "octocat")

	if err := c.ConfirmEnrollment("octocat", "000000"); err == nil {
		t.Fatal("wrong code confirmed enrollment")
	}
	code, err := c.totp.Code(enr.Secret)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if err := c.ConfirmEnrollment("octocat", code); err != nil {
		t.Fatalf("ConfirmEnrollment: %v", err)
	}
}

func TestAutoLogin(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.Gitee, "lee")
	if err := v.SetLastLogin(&vault.LoginRef{Provider: catalog.Gitee, Username: "lee"}); err != nil {
		t.Fatalf("SetLastLogin: %v", err)
	}

	status, resumed, err := c.AutoLogin()
	if err != nil {
		t.Fatalf("AutoLogin: %v", err)
	}
	if !resumed || status != LoginCompleted {
		t.Fatalf("resumed=%v status=%d", resumed, status)
	}

	// Auto-login off means nothing resumes even with a last login present.
	if err := v.SetAutoLogin(false); err != nil {
		t.Fatalf("SetAutoLogin: %v", err)
	}
	c2 := New(v, c.totp, nil, nil)
	if _, resumed, err := c2.AutoLogin(); err != nil || resumed {
		t.Fatalf("resumed=%v err=%v, want no resume", resumed, err)
	}
}

func TestRegenerateRecoveryCodes(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enr := enroll(t, c, catalog.GitHub, "octocat")

	codes, err := c.RegenerateRecoveryCodes(catalog.GitHub, "octocat")
	if err != nil {
		t.Fatalf("RegenerateRecoveryCodes: %v", err)
	}
	if len(codes) != totp.DefaultRecoveryCount {
		t.Fatalf("got %d codes", len(codes))
	}
	if c.RemainingRecoveryCodes("octocat") != totp.DefaultRecoveryCount {
		t.Fatalf("remaining = %d", c.RemainingRecoveryCodes("octocat"))
	}

	// The original set is revoked.
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	if err := c.VerifyRecoveryCode(enr.RecoveryCodes[0]); err == nil {
		t.Fatal("revoked code accepted")
	}
	if err := c.VerifyRecoveryCode(codes[0]); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}

	if _, err := c.RegenerateRecoveryCodes(catalog.GitHub, "nobody"); err == nil {
		t.Fatal("regeneration allowed without enrollment")
	}
}

func TestRemoveAccountDiscardsPendingLogin(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	enroll(t, c, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}

	if err := c.RemoveAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}
	if err := c.CompleteTwoFactor("000000"); !errors.Is(err, ErrNoPendingLogin) {
		t.Fatalf("err = %v, want ErrNoPendingLogin", err)
	}
	if len(c.Accounts(catalog.GitHub)) != 0 {
		t.Fatal("account still listed")
	}
	if v.HasTwoFactorSetup("octocat") {
		t.Fatal("2FA material survived account removal")
	}
}

// Interactive flows resolve on a background goroutine; callers poll Current
// in parallel. Run under the race detector this verifies the session state
// is properly guarded.
func TestInteractiveCompletionConcurrentWithCurrent(t *testing.T) {
	c, v := newTestCoordinator(t)

	events := make(chan authflow.Event, 1)
	flow := &authflow.Flow{Provider: catalog.GitHub, Events: events}
	done := make(chan struct{})
	go func() {
		c.resolveFlow(flow)
		close(done)
	}()
	events <- authflow.Event{Kind: authflow.EventCompleted, Identity: &authflow.Identity{
		Provider:    catalog.GitHub,
		Username:    "octocat",
		Name:        "The Octocat",
		AccessToken: "tok-flow",
	}}

	deadline := time.Now().Add(5 * time.Second)
	for c.Current() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for interactive login to resolve")
		}
	}
	<-done

	cur := c.Current()
	if cur.Username != "octocat" || cur.Token != "tok-flow" {
		t.Fatalf("unexpected session: %+v", cur)
	}
	if _, ok := v.FindAccount(catalog.GitHub, "octocat"); !ok {
		t.Fatal("account not stored after interactive login")
	}
	ref := v.LastLogin()
	if ref == nil || ref.Username != "octocat" {
		t.Fatalf("last login not recorded: %+v", ref)
	}
}

func TestSetAutoLoginPassThrough(t *testing.T) {
	c, v := newTestCoordinator(t)
	if !v.AutoLogin() {
		t.Fatal("auto-login should default on")
	}
	if err := c.SetAutoLogin(false); err != nil {
		t.Fatalf("SetAutoLogin: %v", err)
	}
	if v.AutoLogin() {
		t.Fatal("auto-login still enabled after disable")
	}
	if err := c.SetAutoLogin(true); err != nil {
		t.Fatalf("SetAutoLogin: %v", err)
	}
	if !v.AutoLogin() {
		t.Fatal("auto-login not re-enabled")
	}
}

func TestLogoutClearsLastLogin(t *testing.T) {
	c, v := newTestCoordinator(t)
	addAccount(t, v, catalog.GitHub, "octocat")
	if _, err := c.LoginWithAccount(catalog.GitHub, "octocat"); err != nil {
		t.Fatalf("LoginWithAccount: %v", err)
	}
	if err := c.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if c.Current() != nil {
		t.Fatal("session still active")
	}
	if v.LastLogin() != nil {
		t.Fatal("last login survives logout")
	}

	ev := <-c.Events()
	for ev.Kind != NotifyLoggedOut {
		ev = <-c.Events()
	}
	if ev.Username != "octocat" {
		t.Fatalf("logout notification for %q", ev.Username)
	}
}
