package ua

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arzzra/go-uacore/pkg/config"
)

// RegistrationState is an account's REGISTER lifecycle position (§3
// "Account").
type RegistrationState int

const (
	RegNone RegistrationState = iota
	RegRegistering
	RegReregistering
	RegRegistered
	RegUnregistering
)

// account is a registered identity: credentials, proxy/transport selection,
// registration state, and a rate limiter guarding REGISTER retries (§5
// "DNS lookups ... subsequent lookups are rate-limited" extended here to
// REGISTER itself, since both share the same retry-storm risk).
type account struct {
	mu sync.RWMutex

	id int

	username string
	password string
	domain   string
	proxy    string
	transport config.Transport

	regState RegistrationState

	registerLimiter *rate.Limiter
}

func newAccount(id int) *account {
	return &account{
		id:              id,
		regState:        RegNone,
		registerLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// setUserInfo updates the credentials/routing fields backing
// `set_user_info` (§4.7).
func (a *account) setUserInfo(username, password, domain, proxy string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username = username
	a.password = password
	a.domain = domain
	a.proxy = proxy
}

// startRegistration transitions the account toward Registered, honoring the
// REGISTER rate limiter; callers that get false should report
// account_start failure rather than hammering the registrar.
func (a *account) startRegistration() bool {
	if !a.registerLimiter.Allow() {
		return false
	}
	a.mu.Lock()
	if a.regState == RegNone {
		a.regState = RegRegistering
	} else {
		a.regState = RegReregistering
	}
	a.mu.Unlock()
	return true
}

func (a *account) markRegistered() {
	a.mu.Lock()
	a.regState = RegRegistered
	a.mu.Unlock()
}

func (a *account) state() RegistrationState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.regState
}
