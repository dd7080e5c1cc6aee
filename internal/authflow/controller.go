// Package authflow runs one OAuth2 authorization-code flow at a time: it
// binds a local redirect listener, builds the provider authorize URL,
// correlates the returned code, and exchanges it for an access token and
// profile. Outcomes are delivered over the flow's event channel.
package authflow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mgit-desktop/mgit-auth/internal/logging"
	"github.com/mgit-desktop/mgit-auth/internal/providers/catalog"
	"golang.org/x/oauth2"
)

const (
	// GracePeriod keeps the listener alive after a successful callback to
	// absorb duplicate or late browser requests without spurious errors.
	GracePeriod = 5 * time.Second

	exchangeTimeout = 30 * time.Second
)

// Controller owns at most one in-flight flow. Starting a new flow
// force-cancels any prior one (single-flight; no queuing).
type Controller struct {
	mu     sync.Mutex
	active *session

	grace      time.Duration
	httpClient *http.Client
}

// NewController returns a controller with default timeouts.
func NewController() *Controller {
	return &Controller{
		grace:      GracePeriod,
		httpClient: &http.Client{Timeout: exchangeTimeout},
	}
}

// Flow is the caller-facing handle for one authorization attempt.
type Flow struct {
	ID           string
	Provider     catalog.Provider
	AuthorizeURL string
	RedirectURI  string
	Port         int
	Events       <-chan Event

	s *session
}

// State returns the attempt's current state.
func (f *Flow) State() State {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.state
}

// session is the controller-internal flow state. Its mutex guards state and
// the grace timer; everything else is set once at start.
type session struct {
	id         string
	provider   catalog.Provider
	desc       catalog.Descriptor
	conf       *oauth2.Config
	stateToken string
	server     *http.Server
	events     chan Event
	grace      time.Duration
	httpClient *http.Client

	mu         sync.Mutex
	state      State
	graceTimer *time.Timer
	closeOnce  sync.Once
}

// Start begins a new authorization flow. An already-active flow is
// force-cancelled first. Empty client credentials fail fast with a
// ConfigError before any listener is bound.
func (c *Controller) Start(provider catalog.Provider, clientID, clientSecret string) (*Flow, error) {
	if clientID == "" {
		return nil, &ConfigError{Provider: provider, Field: "client id"}
	}
	if clientSecret == "" {
		return nil, &ConfigError{Provider: provider, Field: "client secret"}
	}
	desc, ok := catalog.Get(provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	c.ForceStop()

	s := &session{
		id:         logging.GenerateFlowID(),
		provider:   provider,
		desc:       desc,
		events:     make(chan Event, 4),
		grace:      c.grace,
		httpClient: c.httpClient,
		state:      StateListenerStarting,
		stateToken: newStateToken(),
	}

	ln, port, err := bindCallbackListener()
	if err != nil {
		return nil, err
	}

	redirectURI := fmt.Sprintf("http://localhost:%d%s", port, desc.CallbackPath())
	s.conf = desc.OAuthConfig(clientID, clientSecret, redirectURI)

	r := chi.NewRouter()
	// Only the provider's callback path is meaningful; chi answers 404 for
	// everything else, so foreign requests cannot end the session.
	r.Get(desc.CallbackPath(), s.handleCallback)
	s.server = &http.Server{Handler: r}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[OAuth] flow %s: listener error: %v", s.id, err)
		}
	}()

	s.mu.Lock()
	s.state = StateAwaitingConsent
	s.mu.Unlock()

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	authorizeURL := s.conf.AuthCodeURL(s.stateToken)
	log.Printf("[OAuth] flow %s: %s consent pending, callback on port %d", s.id, provider, port)

	return &Flow{
		ID:           s.id,
		Provider:     provider,
		AuthorizeURL: authorizeURL,
		RedirectURI:  redirectURI,
		Port:         port,
		Events:       s.events,
		s:            s,
	}, nil
}

// ForceStop cancels any in-flight flow: it stops the grace timer, shuts the
// listener, and marks the session cancelled. Idempotent; safe to call when
// no flow is active.
func (c *Controller) ForceStop() {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.terminate(StateCancelled, "authorization cancelled")
}

// ReportConsentFailure lets the consent-presentation collaborator report a
// page-load failure or user rejection for the active flow.
func (c *Controller) ReportConsentFailure(reason string) {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.terminate(StateFailed, reason)
}

func (s *session) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	if s.state != StateAwaitingConsent {
		// Duplicate or late request inside the grace period. Answer
		// politely and leave the session alone.
		s.mu.Unlock()
		writeHTML(w, donePage)
		return
	}
	if q.Get("state") != s.stateToken {
		s.mu.Unlock()
		http.Error(w, "invalid state token", http.StatusBadRequest)
		return
	}

	if errCode := q.Get("error"); errCode != "" {
		reason := errCode
		if desc := q.Get("error_description"); desc != "" {
			reason = errCode + ": " + desc
		}
		s.state = StateFailed
		s.stopGraceTimerLocked()
		s.mu.Unlock()
		log.Printf("[OAuth] flow %s: provider reported %s", s.id, reason)
		s.emit(Event{Kind: EventFailed, Reason: "authorization refused: " + reason})
		writeHTML(w, failurePage)
		go s.close()
		return
	}

	code := q.Get("code")
	if code == "" {
		s.mu.Unlock()
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// First valid code wins. Teardown is deferred by the grace timer so the
	// consenting browser's follow-up requests do not hit a dead port.
	s.state = StateCodeReceived
	s.graceTimer = time.AfterFunc(s.grace, s.close)
	s.mu.Unlock()

	log.Printf("[OAuth] flow %s: authorization code received", s.id)
	s.emit(Event{Kind: EventCodeReceived})
	writeHTML(w, successPage)
	go s.exchange(code)
}

// terminate moves the session to a terminal state (unless it already is
// terminal), emits the matching event, and tears resources down without the
// grace delay.
func (s *session) terminate(to State, reason string) {
	s.mu.Lock()
	already := s.state.Terminal()
	if !already {
		s.state = to
	}
	s.stopGraceTimerLocked()
	s.mu.Unlock()

	if !already {
		kind := EventCancelled
		if to == StateFailed {
			kind = EventFailed
		}
		log.Printf("[OAuth] flow %s: %s (%s)", s.id, to, reason)
		s.emit(Event{Kind: kind, Reason: reason})
	}
	s.close()
}

func (s *session) stopGraceTimerLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.server.Close()
	})
}

// emit never blocks; the channel is buffered for the handful of events one
// attempt can produce, and a slow consumer only loses duplicates.
func (s *session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("[OAuth] flow %s: dropping event %d, channel full", s.id, ev.Kind)
	}
}

func newStateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

const (
	successPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Authorization complete</title></head>
<body><h1>Authorization complete</h1>
<p>You can close this window and return to the application.</p>
<script>window.close();</script></body></html>`

	failurePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Authorization failed</title></head>
<body><h1>Authorization failed</h1>
<p>The request was refused or invalid. You can close this window.</p>
<script>setTimeout(function(){window.close();}, 3000);</script></body></html>`

	donePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Already processed</title></head>
<body><p>This authorization was already processed. You can close this window.</p></body></html>`
)

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, body)
}
