package types

import "time"

// Ledger is one account ledger balance. Upstream reports balances in cents;
// they are converted to euros at the client boundary and displayed as-is.
type Ledger struct {
	Number          string  `json:"number"`
	LedgerType      string  `json:"ledgerType"`
	BalanceEuros    float64 `json:"balanceEuros"`
	AcceptsPayments bool    `json:"acceptsPayments"`
}

// ChargerSnapshot is the upstream view of one SmartFlex charge point at a
// single instant.
type ChargerSnapshot struct {
	DeviceID string `json:"deviceID"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`

	// UpstreamState is the raw SmartFlex state string.
	UpstreamState string `json:"upstreamState"`
	Suspended     bool   `json:"suspended,omitempty"`

	Dispatches  []RawDispatch    `json:"dispatches,omitempty"`
	Preferences *Preferences     `json:"preferences,omitempty"`
	LastSession *UpstreamSession `json:"lastSession,omitempty"`
}

// Clone returns a shallow copy. Anything deriving a new view from a
// published snapshot must clone before writing to the charger fields.
func (c *ChargerSnapshot) Clone() *ChargerSnapshot {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// AccountSnapshot is everything the engine derives from in one refresh. It
// is treated as an immutable value: each refresh produces a fresh snapshot
// and the derived schedules are rebuilt wholesale from it.
type AccountSnapshot struct {
	TakenAt       time.Time        `json:"takenAt"`
	AccountNumber string           `json:"accountNumber"`
	TariffKind    TariffKind       `json:"tariffKind"`
	Rates         TariffRates      `json:"rates"`
	Ledgers       []Ledger         `json:"ledgers,omitempty"`
	Charger       *ChargerSnapshot `json:"charger,omitempty"`
}
