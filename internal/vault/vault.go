// Package vault is the encrypted at-rest credential store: enrolled
// accounts, the last-login pointer, and 2FA material. The store is one
// AES-256-GCM blob decrypting to a JSON document; the key lives in a
// separate file in the same configuration directory.
//
// The vault is a single-writer store. Callers serialize access; every
// mutation is a read-modify-write over the whole document followed by an
// atomic file replacement.
package vault

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mgit-desktop/mgit-auth/internal/providers/catalog"
)

const (
	storeFileName = "accounts.dat"
	keyFileName   = "key.dat"
)

// ResetNotice reports an automatic vault reset triggered by a key/file
// mismatch or corruption. The previous files are backed up, never deleted.
type ResetNotice struct {
	Reason      string
	KeyBackup   string
	StoreBackup string
}

// Vault owns the encrypted store and its key.
type Vault struct {
	mu        sync.Mutex
	dir       string
	storePath string
	keyPath   string
	key       []byte
	store     Store
}

// New binds a vault to a configuration directory. An empty dir selects
// ~/.mgit. The directory is created if missing; files are created on Load.
func New(dir string) (*Vault, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, ".mgit")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Vault{
		dir:       dir,
		storePath: filepath.Join(dir, storeFileName),
		keyPath:   filepath.Join(dir, keyFileName),
		store:     defaultStore(),
	}, nil
}

// Dir returns the configuration directory the vault lives in.
func (v *Vault) Dir() string { return v.dir }

// Load reads and decrypts the store, creating a fresh key and empty store on
// first run. Decryption or parse failure triggers a backup-and-reset: the
// offending files are renamed with a timestamp suffix, a new key and empty
// store are written, and the returned notice describes what happened. Load
// never fails because of a bad store file, only because of I/O errors.
func (v *Vault) Load() (*ResetNotice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureKeyLocked(); err != nil {
		// Unreadable or truncated key material invalidates the whole vault.
		notice, rerr := v.backupAndResetLocked(fmt.Sprintf("key file unusable: %v", err))
		return notice, rerr
	}

	data, err := os.ReadFile(v.storePath)
	if os.IsNotExist(err) {
		v.store = defaultStore()
		if err := v.saveLocked(); err != nil {
			return nil, err
		}
		log.Printf("[Vault] initialized empty store at %s", v.storePath)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	plaintext, err := open(v.key, data)
	if err != nil {
		return v.backupAndResetLocked(fmt.Sprintf("decrypt failed: %v", err))
	}
	store, err := decodeStore(plaintext)
	if err != nil {
		return v.backupAndResetLocked(fmt.Sprintf("parse failed: %v", err))
	}
	v.store = store
	log.Printf("[Vault] loaded %d github / %d gitee accounts", len(store.GitHub), len(store.Gitee))
	return nil, nil
}

// Save encrypts and persists the current store.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.saveLocked()
}

func (v *Vault) ensureKeyLocked() error {
	key, err := os.ReadFile(v.keyPath)
	if err == nil {
		if len(key) != keySize {
			return fmt.Errorf("key file is %d bytes, want %d", len(key), keySize)
		}
		v.key = key
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read key: %w", err)
	}
	key, err = generateKey()
	if err != nil {
		return err
	}
	if err := os.WriteFile(v.keyPath, key, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	v.key = key
	log.Printf("[Vault] generated new encryption key at %s", v.keyPath)
	return nil
}

// saveLocked serializes, encrypts, and writes the store via temp file and
// atomic rename, keeping one rotating .bak of the previous file. A crash
// mid-write never corrupts the last good state.
func (v *Vault) saveLocked() error {
	plaintext, err := json.Marshal(v.store)
	if err != nil {
		return fmt.Errorf("serialize store: %w", err)
	}
	blob, err := seal(v.key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt store: %w", err)
	}
	tmp := v.storePath + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if _, err := os.Stat(v.storePath); err == nil {
		if err := os.Rename(v.storePath, v.storePath+".bak"); err != nil {
			return fmt.Errorf("rotate store backup: %w", err)
		}
	}
	if err := os.Rename(tmp, v.storePath); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (v *Vault) backupAndResetLocked(reason string) (*ResetNotice, error) {
	log.Printf("[Vault] resetting vault: %s", reason)
	ts := time.Now().Unix()
	notice := &ResetNotice{Reason: reason}

	if _, err := os.Stat(v.keyPath); err == nil {
		backup := fmt.Sprintf("%s.bak.%d", v.keyPath, ts)
		if err := os.Rename(v.keyPath, backup); err != nil {
			return nil, fmt.Errorf("back up key file: %w", err)
		}
		notice.KeyBackup = backup
		log.Printf("[Vault] old key backed up to %s", backup)
	}
	if _, err := os.Stat(v.storePath); err == nil {
		backup := fmt.Sprintf("%s.bak.%d", v.storePath, ts)
		if err := os.Rename(v.storePath, backup); err != nil {
			return nil, fmt.Errorf("back up store file: %w", err)
		}
		notice.StoreBackup = backup
		log.Printf("[Vault] old store backed up to %s", backup)
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(v.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	v.key = key
	v.store = defaultStore()
	if err := v.saveLocked(); err != nil {
		return nil, err
	}
	return notice, nil
}

// ===== Account CRUD =====

// UpsertAccount adds or updates an account keyed by (provider, username).
// AddedAt is preserved on update; both timestamps are stamped on insert.
func (v *Vault) UpsertAccount(p catalog.Provider, acct Account) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := Timestamp(time.Now())
	if acct.LastUsed == "" {
		acct.LastUsed = now
	}
	list := v.store.accountsFor(p)
	for i := range *list {
		if (*list)[i].Username == acct.Username {
			acct.AddedAt = (*list)[i].AddedAt
			(*list)[i] = acct
			return v.saveLocked()
		}
	}
	if acct.AddedAt == "" {
		acct.AddedAt = now
	}
	*list = append(*list, acct)
	return v.saveLocked()
}

// RemoveAccount deletes an account and cascades to its TOTP secret and
// recovery codes. The last-login pointer is cleared if it referenced the
// removed account.
func (v *Vault) RemoveAccount(p catalog.Provider, username string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	list := v.store.accountsFor(p)
	found := false
	for i := range *list {
		if (*list)[i].Username == username {
			*list = append((*list)[:i], (*list)[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("account %s/%s not found", p, username)
	}
	delete(v.store.TOTPSecrets, username)
	delete(v.store.RecoveryCodes, username)
	if ref := v.store.LastLogin; ref != nil && ref.Provider == p && ref.Username == username {
		v.store.LastLogin = nil
	}
	return v.saveLocked()
}

// Accounts returns a copy of the account list for a provider.
func (v *Vault) Accounts(p catalog.Provider) []Account {
	v.mu.Lock()
	defer v.mu.Unlock()
	list := *v.store.accountsFor(p)
	out := make([]Account, len(list))
	copy(out, list)
	return out
}

// FindAccount looks up one account by (provider, username).
func (v *Vault) FindAccount(p catalog.Provider, username string) (Account, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, a := range *v.store.accountsFor(p) {
		if a.Username == username {
			return a, true
		}
	}
	return Account{}, false
}

// FinalizeLogin touches last_used and points last_login at the account, in
// one persisted write.
func (v *Vault) FinalizeLogin(p catalog.Provider, username string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	list := v.store.accountsFor(p)
	found := false
	for i := range *list {
		if (*list)[i].Username == username {
			(*list)[i].LastUsed = Timestamp(time.Now())
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("account %s/%s not found", p, username)
	}
	v.store.LastLogin = &LoginRef{Provider: p, Username: username}
	return v.saveLocked()
}

// ===== Settings =====

func (v *Vault) LastLogin() *LoginRef {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.store.LastLogin == nil {
		return nil
	}
	ref := *v.store.LastLogin
	return &ref
}

func (v *Vault) SetLastLogin(ref *LoginRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store.LastLogin = ref
	return v.saveLocked()
}

func (v *Vault) AutoLogin() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.AutoLogin
}

func (v *Vault) SetAutoLogin(enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store.AutoLogin = enabled
	return v.saveLocked()
}

func (v *Vault) TwoFactorEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.TwoFactorEnabled
}

func (v *Vault) SetTwoFactorEnabled(enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store.TwoFactorEnabled = enabled
	return v.saveLocked()
}

// ===== 2FA material =====

func (v *Vault) SetTOTPSecret(username, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store.TOTPSecrets[username] = secret
	return v.saveLocked()
}

func (v *Vault) TOTPSecret(username string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.store.TOTPSecrets[username]
	return s, ok
}

func (v *Vault) RemoveTOTPSecret(username string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.store.TOTPSecrets, username)
	return v.saveLocked()
}

// HasTwoFactorSetup reports whether the username is 2FA-enrolled. Secret
// presence is the enrollment marker.
func (v *Vault) HasTwoFactorSetup(username string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.store.TOTPSecrets[username]
	return ok
}

func (v *Vault) SetRecoveryCodes(username string, hashes []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store.RecoveryCodes[username] = hashes
	return v.saveLocked()
}

func (v *Vault) RecoveryCodes(username string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	codes := v.store.RecoveryCodes[username]
	out := make([]string, len(codes))
	copy(out, codes)
	return out
}

// RemoveRecoveryCode deletes exactly the entry matching usedHash, preserving
// single-use semantics.
func (v *Vault) RemoveRecoveryCode(username, usedHash string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	codes := v.store.RecoveryCodes[username]
	for i, h := range codes {
		if h == usedHash {
			v.store.RecoveryCodes[username] = append(codes[:i], codes[i+1:]...)
			return true, v.saveLocked()
		}
	}
	return false, nil
}

// DisableTwoFactor removes the TOTP secret and every remaining recovery
// code for the username in a single persisted write, so there is no window
// where the secret is gone but the outcome unwritten. The used hash is
// consumed along with the rest.
func (v *Vault) DisableTwoFactor(username string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.store.TOTPSecrets, username)
	delete(v.store.RecoveryCodes, username)
	return v.saveLocked()
}
