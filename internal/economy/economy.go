// Package economy enforces the token budget. Every paid dispatch path
// must pass Check before calling out and Deduct afterwards. The spend
// log is append-only and persisted on every deduction.
package economy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"llmos/internal/logging"
)

// ErrLowBattery is returned when a check or deduction would overdraw
// the balance. Callers surface it without retrying.
var ErrLowBattery = errors.New("LOW_BATTERY")

// SpendEntry is one append-only spend log record.
type SpendEntry struct {
	Timestamp time.Time `json:"ts"`
	AmountUSD float64   `json:"amount_usd"`
	Reason    string    `json:"reason"`
}

// spendLog is the on-disk shape. Entries accumulate across boot
// sessions; the balance is per-session.
type spendLog struct {
	Version string       `json:"version"`
	Entries []SpendEntry `json:"entries"`
}

// Economy tracks the session balance and the persistent spend log.
type Economy struct {
	mu       sync.Mutex
	initial  float64
	balance  float64
	session  []SpendEntry
	log      spendLog
	filePath string
}

// New creates an economy with the given initial balance. An existing
// spend log at <workspace>/spend_log.json is loaded and appended to;
// a corrupt one is replaced.
func New(workspace string, budgetUSD float64) (*Economy, error) {
	if budgetUSD < 0 {
		return nil, fmt.Errorf("initial budget must not be negative: %f", budgetUSD)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	e := &Economy{
		initial:  budgetUSD,
		balance:  budgetUSD,
		filePath: filepath.Join(workspace, "spend_log.json"),
		log:      spendLog{Version: "1.0"},
	}

	data, err := os.ReadFile(e.filePath)
	if err == nil {
		if uerr := json.Unmarshal(data, &e.log); uerr != nil {
			logging.Get(logging.CategoryEconomy).Warn("corrupt spend log replaced: %v", uerr)
			e.log = spendLog{Version: "1.0"}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read spend log: %w", err)
	}

	logging.Economy("economy ready: balance=$%.2f log_entries=%d", e.balance, len(e.log.Entries))
	return e, nil
}

// Check verifies the balance covers the given amount. Fails with
// ErrLowBattery and no mutation otherwise.
func (e *Economy) Check(amountUSD float64) error {
	if amountUSD < 0 {
		return fmt.Errorf("amount must not be negative: %f", amountUSD)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balance < amountUSD {
		logging.Economy("check refused: balance=$%.4f required=$%.4f", e.balance, amountUSD)
		return fmt.Errorf("%w: balance $%.4f below required $%.4f", ErrLowBattery, e.balance, amountUSD)
	}
	return nil
}

// Deduct subtracts the amount and appends a spend log entry. Fails with
// ErrLowBattery when the post-deduction balance would be negative. A
// zero amount records nothing.
func (e *Economy) Deduct(amountUSD float64, reason string) error {
	if amountUSD < 0 {
		return fmt.Errorf("amount must not be negative: %f", amountUSD)
	}
	if amountUSD == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balance-amountUSD < 0 {
		logging.Economy("deduct refused: balance=$%.4f amount=$%.4f reason=%s", e.balance, amountUSD, reason)
		return fmt.Errorf("%w: deducting $%.4f would overdraw balance $%.4f", ErrLowBattery, amountUSD, e.balance)
	}

	entry := SpendEntry{
		Timestamp: time.Now().UTC(),
		AmountUSD: amountUSD,
		Reason:    reason,
	}
	e.balance -= amountUSD
	e.session = append(e.session, entry)
	e.log.Entries = append(e.log.Entries, entry)

	logging.Economy("deduct $%.4f (%s): balance=$%.4f", amountUSD, reason, e.balance)

	if err := e.saveLocked(); err != nil {
		logging.Get(logging.CategoryEconomy).Error("spend log save failed: %v", err)
		return fmt.Errorf("failed to persist spend log: %w", err)
	}
	return nil
}

// saveLocked writes the spend log atomically. Callers hold e.mu.
func (e *Economy) saveLocked() error {
	data, err := json.MarshalIndent(e.log, "", "  ")
	if err != nil {
		return err
	}

	tmp := e.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, e.filePath)
}

// Balance returns the current session balance in USD.
func (e *Economy) Balance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

// Initial returns the session's starting balance in USD.
func (e *Economy) Initial() float64 {
	return e.initial
}

// Spent returns the total deducted this session.
func (e *Economy) Spent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initial - e.balance
}

// Entries returns a snapshot of this session's spend log entries.
func (e *Economy) Entries() []SpendEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SpendEntry, len(e.session))
	copy(out, e.session)
	return out
}
