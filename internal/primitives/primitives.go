// Package primitives holds the small set of chain-level types shared by the
// marketplace engine, the price oracle and the block runtime.
package primitives

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountID identifies an account on the ledger.
type AccountID = common.Address

// BlockNumber is the monotonic block counter advanced by the surrounding ledger.
type BlockNumber uint64

// String implements fmt.Stringer.
func (n BlockNumber) String() string { return strconv.FormatUint(uint64(n), 10) }

// ParseAccount parses a 0x-prefixed hex address.
func ParseAccount(raw string) (AccountID, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return AccountID{}, fmt.Errorf("invalid account %q", raw)
	}
	return common.HexToAddress(raw), nil
}

// NewAmount returns a fresh 256-bit amount.
func NewAmount(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// ParseAmount accepts decimal or 0x-prefixed hex strings.
func ParseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return uint256.FromHex(raw)
	}
	return uint256.FromDecimal(raw)
}

// Event is a single entry of the append-only event log.
type Event interface {
	EventName() string
}

// EventRecord positions an event inside a block.
type EventRecord struct {
	Block BlockNumber `json:"block"`
	Index int         `json:"index"`
	Name  string      `json:"name"`
	Event Event       `json:"payload"`
}

// MarshalJSON keeps the concrete payload next to its name.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	type alias struct {
		Block   BlockNumber `json:"block"`
		Index   int         `json:"index"`
		Name    string      `json:"name"`
		Payload Event       `json:"payload"`
	}
	name := r.Name
	if name == "" && r.Event != nil {
		name = r.Event.EventName()
	}
	return json.Marshal(alias{Block: r.Block, Index: r.Index, Name: name, Payload: r.Event})
}

// EventSink receives events as they are emitted.
type EventSink interface {
	Emit(Event)
}

// EventLog is an EventSink buffering the events of the current block.
type EventLog struct {
	block   BlockNumber
	records []EventRecord
}

// Emit appends an event to the log.
func (l *EventLog) Emit(ev Event) {
	l.records = append(l.records, EventRecord{
		Block: l.block,
		Index: len(l.records),
		Name:  ev.EventName(),
		Event: ev,
	})
}

// SetBlock switches the log to a new block.
func (l *EventLog) SetBlock(n BlockNumber) {
	l.block = n
}

// Len returns the number of buffered records.
func (l *EventLog) Len() int { return len(l.records) }

// Since returns the records emitted after the given mark.
func (l *EventLog) Since(mark int) []EventRecord {
	if mark >= len(l.records) {
		return nil
	}
	out := make([]EventRecord, len(l.records)-mark)
	copy(out, l.records[mark:])
	return out
}

// Drain returns and clears every buffered record.
func (l *EventLog) Drain() []EventRecord {
	out := l.records
	l.records = nil
	return out
}
