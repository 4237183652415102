package payment

import (
	"context"
	"sync"
)

// ResultCode is the code an external payment app reports when control
// returns to the patient app.
type ResultCode string

const (
	ResultOK        ResultCode = "OK"
	ResultCancelled ResultCode = "CANCELLED"
)

// ProviderResult is the raw callback of the payment capability.
type ProviderResult struct {
	ResultCode ResultCode        `json:"resultCode" validate:"required"`
	Data       map[string]string `json:"data,omitempty"`
}

// Credentials identify the merchant to the payment provider.
type Credentials struct {
	MerchantID string
	SaltKey    string
	SaltIndex  string
}

// LaunchIntent is a provider request ready to be started.
type LaunchIntent struct {
	Endpoint      string
	PayloadBase64 string
	Checksum      string
	TransactionID string
}

// Handoff tells the app where to send the patient to complete payment.
type Handoff struct {
	TransactionID string `json:"transactionId"`
	RedirectURL   string `json:"redirectUrl,omitempty"`
}

// Capability is the external payment provider integration.
type Capability interface {
	// Initialize bootstraps the provider. It is called once.
	Initialize(ctx context.Context, env string, creds Credentials) error
	// BuildIntent returns nil when no launchable request can be built.
	BuildIntent(payloadBase64, checksum, endpoint string) (*LaunchIntent, error)
	// Start hands control to the provider. onResult fires when the provider
	// reports back, possibly more than once.
	Start(ctx context.Context, intent *LaunchIntent, onResult func(ProviderResult)) (Handoff, error)
}

// Callbacks routes provider results to the launch waiting for them, keyed by
// merchant transaction id. A registered callback fires at most once.
type Callbacks struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]callbackEntry
}

type callbackEntry struct {
	id uint64
	fn func(ProviderResult)
}

// NewCallbacks returns an empty registry.
func NewCallbacks() *Callbacks {
	return &Callbacks{pending: make(map[string]callbackEntry)}
}

// Register installs fn for txnID, replacing any earlier registration. The
// returned func removes it.
func (c *Callbacks) Register(txnID string, fn func(ProviderResult)) (unregister func()) {
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.pending[txnID] = callbackEntry{id: id, fn: fn}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if cur, ok := c.pending[txnID]; ok && cur.id == id {
			delete(c.pending, txnID)
		}
		c.mu.Unlock()
	}
}

// Deliver hands res to the callback for txnID and clears it. It reports
// false when nothing was waiting.
func (c *Callbacks) Deliver(txnID string, res ProviderResult) bool {
	c.mu.Lock()
	entry, ok := c.pending[txnID]
	delete(c.pending, txnID)
	c.mu.Unlock()
	if !ok || entry.fn == nil {
		return false
	}
	entry.fn(res)
	return true
}

// Waiting reports whether a callback is registered for txnID.
func (c *Callbacks) Waiting(txnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[txnID]
	return ok
}
