package vault

import (
	"encoding/json"
	"time"

	"github.com/mgit-desktop/mgit-auth/internal/providers/catalog"
)

// StoreVersion is the current on-disk schema version. Version 0 documents
// (written before the field existed) are upgraded on load with per-field
// defaults.
const StoreVersion = 1

// Account is one enrolled identity on a provider. Timestamps are RFC 3339
// strings to keep the decrypted document diffable.
type Account struct {
	Username  string `json:"username"`
	Token     string `json:"token"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	AddedAt   string `json:"added_at"`
	LastUsed  string `json:"last_used"`
}

// LoginRef points at the account used for the most recent login.
type LoginRef struct {
	Provider catalog.Provider `json:"type"`
	Username string           `json:"username"`
}

// Store is the decrypted vault document.
type Store struct {
	Version          int                 `json:"version"`
	GitHub           []Account           `json:"github"`
	Gitee            []Account           `json:"gitee"`
	LastLogin        *LoginRef           `json:"last_login"`
	AutoLogin        bool                `json:"auto_login"`
	TwoFactorEnabled bool                `json:"2fa_enabled"`
	TOTPSecrets      map[string]string   `json:"2fa_secrets"`
	RecoveryCodes    map[string][]string `json:"2fa_recovery_codes"`
}

func defaultStore() Store {
	return Store{
		Version:       StoreVersion,
		GitHub:        []Account{},
		Gitee:         []Account{},
		AutoLogin:     true,
		TOTPSecrets:   map[string]string{},
		RecoveryCodes: map[string][]string{},
	}
}

// decodeStore parses a decrypted document, filling absent fields with
// defaults so documents written by older versions keep working.
func decodeStore(data []byte) (Store, error) {
	// Pointer fields distinguish "absent" from zero for the settings whose
	// default is not the zero value.
	var raw struct {
		Version          int                 `json:"version"`
		GitHub           []Account           `json:"github"`
		Gitee            []Account           `json:"gitee"`
		LastLogin        *LoginRef           `json:"last_login"`
		AutoLogin        *bool               `json:"auto_login"`
		TwoFactorEnabled *bool               `json:"2fa_enabled"`
		TOTPSecrets      map[string]string   `json:"2fa_secrets"`
		RecoveryCodes    map[string][]string `json:"2fa_recovery_codes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Store{}, err
	}

	s := defaultStore()
	if raw.GitHub != nil {
		s.GitHub = raw.GitHub
	}
	if raw.Gitee != nil {
		s.Gitee = raw.Gitee
	}
	s.LastLogin = raw.LastLogin
	if raw.AutoLogin != nil {
		s.AutoLogin = *raw.AutoLogin
	}
	if raw.TwoFactorEnabled != nil {
		s.TwoFactorEnabled = *raw.TwoFactorEnabled
	}
	if raw.TOTPSecrets != nil {
		s.TOTPSecrets = raw.TOTPSecrets
	}
	if raw.RecoveryCodes != nil {
		s.RecoveryCodes = raw.RecoveryCodes
	}
	s.Version = StoreVersion
	return s, nil
}

func (s *Store) accountsFor(p catalog.Provider) *[]Account {
	if p == catalog.Gitee {
		return &s.Gitee
	}
	return &s.GitHub
}

// Timestamp renders t in the format account timestamps use.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
