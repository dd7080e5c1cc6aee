// Command mgit-auth is a terminal harness for the authentication subsystem:
// it drives the same vault, OAuth flow, and 2FA engine the desktop client
// embeds, which makes it handy for provisioning and debugging.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mgit-desktop/mgit-auth/internal/audit"
	"github.com/mgit-desktop/mgit-auth/internal/authflow"
	"github.com/mgit-desktop/mgit-auth/internal/providers/catalog"
	"github.com/mgit-desktop/mgit-auth/internal/session"
	"github.com/mgit-desktop/mgit-auth/internal/totp"
	"github.com/mgit-desktop/mgit-auth/internal/vault"
)

const usage = `mgit-auth <command> [args]

Commands:
  login <provider>              interactive browser sign-in (github or gitee)
  resume <provider> <username>  sign in with stored credentials
  accounts                      list enrolled accounts
  remove <provider> <username>  remove an account
  2fa-setup <provider> <user>   enroll two-factor authentication
  2fa-codes <provider> <user>   show remaining recovery codes; --regen replaces them
  events [n]                    show recent authentication events
  logout                        sign out and clear the last-login pointer

Environment:
  MGIT_CONFIG_DIR               config directory (default ~/.mgit)
  MGIT_GITHUB_CLIENT_ID/SECRET  github OAuth application credentials
  MGIT_GITEE_CLIENT_ID/SECRET   gitee OAuth application credentials
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	v, err := vault.New(os.Getenv("MGIT_CONFIG_DIR"))
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	notice, err := v.Load()
	if err != nil {
		log.Fatalf("load vault: %v", err)
	}

	journal, err := audit.Open(filepath.Join(v.Dir(), "audit.db"))
	if err != nil {
		log.Printf("audit journal unavailable: %v", err)
		journal = nil
	}
	if notice != nil {
		fmt.Printf("⚠️  credential store was reset (%s)\n", notice.Reason)
		fmt.Printf("   previous files kept at %s and %s\n", notice.KeyBackup, notice.StoreBackup)
		journal.Record(audit.KindVaultReset, "", "", notice.Reason)
	}

	coord := session.New(v, totp.New("MGit"), authflow.NewController(), journal)

	switch os.Args[1] {
	case "login":
		cmdLogin(coord, os.Args[2:])
	case "resume":
		cmdResume(coord, os.Args[2:])
	case "accounts":
		cmdAccounts(v)
	case "remove":
		cmdRemove(v, os.Args[2:])
	case "2fa-setup":
		cmdTwoFactorSetup(coord, os.Args[2:])
	case "2fa-codes":
		cmdRecoveryCodes(coord, os.Args[2:])
	case "events":
		cmdEvents(journal, os.Args[2:])
	case "logout":
		if err := coord.Logout(); err != nil {
			log.Fatalf("logout: %v", err)
		}
		fmt.Println("signed out")
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func parseProvider(arg string) catalog.Provider {
	p, err := catalog.Parse(arg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return p
}

func clientCredentials(p catalog.Provider) (string, string) {
	prefix := "MGIT_" + strings.ToUpper(string(p))
	return os.Getenv(prefix + "_CLIENT_ID"), os.Getenv(prefix + "_CLIENT_SECRET")
}

func cmdLogin(coord *session.Coordinator, args []string) {
	if len(args) != 1 {
		log.Fatal("usage: mgit-auth login <provider>")
	}
	p := parseProvider(args[0])
	id, secret := clientCredentials(p)

	flow, err := coord.BeginInteractiveLogin(p, id, secret)
	if err != nil {
		log.Fatalf("start login: %v", err)
	}
	fmt.Printf("open this URL in your browser:\n\n  %s\n\nwaiting for authorization on port %d...\n", flow.AuthorizeURL, flow.Port)

	for n := range coord.Events() {
		switch n.Kind {
		case session.NotifyLoginCompleted:
			fmt.Printf("✅ signed in as %s@%s\n", n.Username, n.Provider)
			return
		case session.NotifyLoginFailed:
			log.Fatalf("login failed: %s", n.Message)
		}
	}
}

func cmdResume(coord *session.Coordinator, args []string) {
	if len(args) != 2 {
		log.Fatal("usage: mgit-auth resume <provider> <username>")
	}
	p := parseProvider(args[0])
	status, err := coord.LoginWithAccount(p, args[1])
	if err != nil {
		log.Fatalf("resume: %v", err)
	}
	if status == session.LoginCompleted {
		fmt.Printf("✅ signed in as %s@%s\n", args[1], p)
		return
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("verification code (or recovery code): ")
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Fatalf("read input: %v", err)
		}
		input := strings.TrimSpace(line)

		if len(input) == totp.Digits {
			err = coord.CompleteTwoFactor(input)
		} else {
			err = coord.VerifyRecoveryCode(input)
		}
		if err == nil {
			fmt.Printf("✅ signed in as %s@%s\n", args[1], p)
			if cur := coord.Current(); cur != nil && cur.ViaRecovery {
				fmt.Println("signed in with a recovery code; consider re-enrolling 2FA")
			}
			return
		}
		if err == session.ErrRetriesExhausted {
			log.Fatalf("%v", err)
		}
		fmt.Printf("  %v\n", err)
	}
}

func cmdAccounts(v *vault.Vault) {
	for _, p := range []catalog.Provider{catalog.GitHub, catalog.Gitee} {
		accounts := v.Accounts(p)
		if len(accounts) == 0 {
			continue
		}
		fmt.Printf("%s:\n", p)
		for _, a := range accounts {
			marker := " "
			if ref := v.LastLogin(); ref != nil && ref.Provider == p && ref.Username == a.Username {
				marker = "*"
			}
			twoFA := ""
			if v.HasTwoFactorSetup(a.Username) {
				twoFA = "  [2FA]"
			}
			fmt.Printf("  %s %-20s last used %s%s\n", marker, a.Username, a.LastUsed, twoFA)
		}
	}
}

func cmdRemove(v *vault.Vault, args []string) {
	if len(args) != 2 {
		log.Fatal("usage: mgit-auth remove <provider> <username>")
	}
	p := parseProvider(args[0])
	if err := v.RemoveAccount(p, args[1]); err != nil {
		log.Fatalf("remove: %v", err)
	}
	fmt.Printf("removed %s/%s\n", p, args[1])
}

func cmdTwoFactorSetup(coord *session.Coordinator, args []string) {
	if len(args) != 2 {
		log.Fatal("usage: mgit-auth 2fa-setup <provider> <username>")
	}
	p := parseProvider(args[0])
	username := args[1]

	enr, err := coord.EnrollTwoFactor(p, username)
	if err != nil {
		log.Fatalf("enroll: %v", err)
	}
	fmt.Printf("scan this URI with your authenticator app:\n\n  %s\n\n", enr.ProvisioningURI)
	fmt.Println("recovery codes (store them somewhere safe, shown only once):")
	for _, code := range enr.RecoveryCodes {
		fmt.Printf("  %s\n", code)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\nenter a code from the app to confirm: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Fatalf("read input: %v", err)
		}
		if err := coord.ConfirmEnrollment(username, strings.TrimSpace(line)); err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}
		fmt.Println("✅ two-factor authentication enabled")
		return
	}
}

func cmdRecoveryCodes(coord *session.Coordinator, args []string) {
	regen := false
	if len(args) > 0 && args[len(args)-1] == "--regen" {
		regen = true
		args = args[:len(args)-1]
	}
	if len(args) != 2 {
		log.Fatal("usage: mgit-auth 2fa-codes <provider> <username> [--regen]")
	}
	p := parseProvider(args[0])
	username := args[1]

	if regen {
		codes, err := coord.RegenerateRecoveryCodes(p, username)
		if err != nil {
			log.Fatalf("regenerate: %v", err)
		}
		fmt.Println("new recovery codes (previous ones no longer work):")
		for _, code := range codes {
			fmt.Printf("  %s\n", code)
		}
		return
	}
	fmt.Printf("%d recovery codes remaining for %s\n", coord.RemainingRecoveryCodes(username), username)
}

func cmdEvents(journal *audit.Journal, args []string) {
	limit := 20
	if len(args) == 1 {
		fmt.Sscanf(args[0], "%d", &limit)
	}
	events, err := journal.Recent(limit)
	if err != nil {
		log.Fatalf("events: %v", err)
	}
	for _, ev := range events {
		who := ev.Username
		if ev.Provider != "" {
			who += "@" + ev.Provider
		}
		fmt.Printf("%d  %-20s %-24s %s\n", ev.Timestamp, ev.Kind, who, ev.Detail)
	}
}
