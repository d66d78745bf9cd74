package domain

import "time"

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// CallingConfig is replaced wholesale on each fetch.
type CallingConfig struct {
	ICEServers []ICEServer `json:"ice_servers"`
	TTL        int         `json:"ttl"`
	ExpiresAt  time.Time   `json:"-"`
}

// Expired reports whether the config must not be used at now.
func (c *CallingConfig) Expired(now time.Time) bool {
	return c == nil || !now.Before(c.ExpiresAt)
}
