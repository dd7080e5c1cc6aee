package totp

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/beevik/ntp"
)

// Time sources probed in order at construction. NTP first; one HTTP time
// API as a fallback for networks that filter UDP 123.
var ntpServers = []string{
	"pool.ntp.org",
	"time.windows.com",
	"time.google.com",
	"time.cloudflare.com",
}

const (
	httpTimeURL  = "https://worldtimeapi.org/api/ip"
	probeTimeout = 2 * time.Second
)

// queryNTP is swapped out by tests.
var queryNTP = func(server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: probeTimeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

func (e *Engine) syncClock() {
	for _, server := range ntpServers {
		offset, err := queryNTP(server)
		if err != nil {
			continue
		}
		e.offset.Store(int64(offset.Round(time.Second) / time.Second))
		log.Printf("[TOTP] clock synced via %s, offset %ds", server, e.offset.Load())
		return
	}

	if offset, err := fetchHTTPOffset(e.now); err == nil {
		e.offset.Store(offset)
		log.Printf("[TOTP] clock synced via HTTP time API, offset %ds", offset)
		return
	}

	// Every source failed. Local time is good enough; verification windows
	// absorb small drift.
	log.Printf("[TOTP] clock sync failed, using local time")
}

// fetchHTTPOffset is swapped out by tests.
var fetchHTTPOffset = func(now func() time.Time) (int64, error) {
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get(httpTimeURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("time API returned %d", resp.StatusCode)
	}
	var body struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.UnixTime == 0 {
		return 0, fmt.Errorf("time API response missing unixtime")
	}
	return body.UnixTime - now().Unix(), nil
}
