package db

import "time"

// Order represents a submitted order stored in the DB.
// Rows are immutable once written.
type Order struct {
	ID              string
	UserID          string
	BotID           string
	Symbol          string
	Side            string
	Type            string
	RequestedQty    float64
	Price           float64
	FilledQty       float64
	Cost            float64
	Fee             float64
	FeeCurrency     string
	ExchangeOrderID string
	PlacedBy        string // "user" or "bot"
	Venue           string
	Status          string
	CreatedAt       time.Time
}

// Wallet is a per (user, currency, venue) balance row.
type Wallet struct {
	UserID    string
	Currency  string
	Venue     string
	Amount    float64
	UpdatedAt time.Time
}

// BlockedBalance tracks an in-flight position accumulated by one bot.
type BlockedBalance struct {
	ID             string
	UserID         string
	Symbol         string
	BotID          string
	Venue          string
	AmountUsdt     float64
	AmountCrypto   float64
	StartDirection string
	Finished       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QRow is one discretized market state with its action-value estimates.
type QRow struct {
	UserID string
	State  string
	Buy    float64
	Sell   float64
	Hold   float64
}

// BotConfig is a persisted bot definition.
type BotConfig struct {
	ID              string
	UserID          string
	Name            string
	Symbol          string
	Timeframe       string
	TradeAmount     float64
	Venue           string
	MaxActiveTrades int
	StopLossPct     float64
	TakeProfitPct   float64
	Strategy        string
	AutoStart       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// VenueCredential holds a user's encrypted API keys for one venue.
type VenueCredential struct {
	ID                 string
	UserID             string
	Venue              string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// User is a registered account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingPosting is a fund effect awaiting retry by the reconciler.
type PendingPosting struct {
	ID        int64
	UserID    string
	Currency  string
	Venue     string
	Delta     float64
	Reason    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}
