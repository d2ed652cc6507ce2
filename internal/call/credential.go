package call

import (
	"errors"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/resilience"
)

// Credential is the caller's bearer token, shared with the providers of one
// call and swappable mid-call
type Credential struct {
	token atomic.Pointer[string]
}

// NewCredential creates a credential holding token
func NewCredential(token string) *Credential {
	c := &Credential{}
	c.Set(token)
	return c
}

// Get returns the current token
func (c *Credential) Get() string {
	if c == nil {
		return ""
	}
	if t := c.token.Load(); t != nil {
		return *t
	}
	return ""
}

// Set replaces the token
func (c *Credential) Set(token string) {
	c.token.Store(&token)
}

// ParseTiers splits a comma separated tier list
func ParseTiers(s string) []string {
	var tiers []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// Entitled reports whether tier may place calls. An empty allow list admits
// every tier.
func Entitled(allowed []string, tier string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, strings.ToLower(strings.TrimSpace(tier)))
}

func isAuthError(err error) bool {
	return errors.Is(err, resilience.ErrAuthentication)
}

func isDeviceError(err error) bool {
	return errors.Is(err, audio.ErrDeviceUnavailable) ||
		errors.Is(err, audio.ErrDeviceMuted) ||
		errors.Is(err, audio.ErrDeviceClosed)
}
