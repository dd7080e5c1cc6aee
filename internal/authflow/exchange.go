package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/mgit-desktop/mgit-auth/internal/logging"
	"golang.org/x/oauth2"
)

// profileDoc covers both providers: GitHub and Gitee user endpoints share the
// login/name/avatar_url field names.
type profileDoc struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// exchange trades the authorization code for a token, fetches the profile,
// and emits the terminal event. Runs on its own goroutine after the callback
// handler has already answered the browser.
func (s *session) exchange(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()
	ctx = logging.WithFlowID(ctx, s.id)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	identity, err := s.resolveIdentity(ctx, code)

	s.mu.Lock()
	if s.state != StateCodeReceived {
		// Cancelled while the exchange was in flight; discard the result.
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.state = StateFailed
	} else {
		s.state = StateCompleted
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("[OAuth] flow %s: %v", logging.FlowID(ctx), err)
		s.emit(Event{Kind: EventFailed, Reason: err.Error()})
		return
	}
	log.Printf("[OAuth] flow %s: signed in as %s@%s", logging.FlowID(ctx), identity.Username, identity.Provider)
	s.emit(Event{Kind: EventCompleted, Identity: identity})
}

func (s *session) resolveIdentity(ctx context.Context, code string) (*Identity, error) {
	tok, err := s.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token exchange: provider returned empty access token")
	}

	profile, err := s.fetchProfile(ctx, tok)
	if err != nil {
		return nil, err
	}
	if profile.Login == "" {
		return nil, fmt.Errorf("fetch profile: response has no login field")
	}
	return &Identity{
		Provider:    s.provider,
		Username:    profile.Login,
		Name:        profile.Name,
		AvatarURL:   profile.AvatarURL,
		AccessToken: tok.AccessToken,
	}, nil
}

func (s *session) fetchProfile(ctx context.Context, tok *oauth2.Token) (*profileDoc, error) {
	client := s.conf.Client(ctx, tok)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.desc.ProfileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch profile: %s returned %d: %s", s.desc.ProfileURL, resp.StatusCode, body)
	}
	var doc profileDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &doc, nil
}
