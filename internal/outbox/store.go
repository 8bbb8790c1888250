// Package outbox keeps durable settlement instructions for the on-chain
// bridge until the bridge acknowledges them.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/event"
)

// State is where a settlement instruction is in its delivery lifecycle.
// Acknowledged instructions are deleted, so ACKED is never stored.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Instruction tells the chain bridge to move credits from seller to buyer.
type Instruction struct {
	TradeID      string          `json:"trade_id"`
	CreditTypeID string          `json:"credit_type_id"`
	SellerID     string          `json:"seller_id"`
	BuyerID      string          `json:"buyer_id"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// Record is a stored instruction with its delivery state.
type Record struct {
	State       State
	Retries     uint32
	LastAttempt time.Time
	Instruction Instruction
}

// Binary layout: [state:1][retries:4][lastAttempt:8][instruction JSON].
const headerLen = 1 + 4 + 8

func encodeRecord(r Record) ([]byte, error) {
	payload, err := json.Marshal(r.Instruction)
	if err != nil {
		return nil, err
	}
	var last int64
	if !r.LastAttempt.IsZero() {
		last = r.LastAttempt.UnixNano()
	}
	buf := make([]byte, headerLen, headerLen+len(payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(last))
	return append(buf, payload...), nil
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < headerLen {
		return Record{}, errors.New("outbox: short record")
	}
	r := Record{
		State:   State(b[0]),
		Retries: binary.BigEndian.Uint32(b[1:5]),
	}
	if last := int64(binary.BigEndian.Uint64(b[5:13])); last != 0 {
		r.LastAttempt = time.Unix(0, last).UTC()
	}
	if err := json.Unmarshal(b[headerLen:], &r.Instruction); err != nil {
		return Record{}, fmt.Errorf("outbox: decode instruction: %w", err)
	}
	return r, nil
}

const keyPrefix = "settlement/"

func keyFor(tradeID string) []byte {
	return []byte(keyPrefix + tradeID)
}

// Store is the pebble-backed outbox. It is safe for concurrent use.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the outbox in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores new instructions in one synced batch. Instructions already
// present are left untouched.
func (s *Store) Put(instructions ...Instruction) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, in := range instructions {
		_, closer, err := s.db.Get(keyFor(in.TradeID))
		if err == nil {
			closer.Close()
			continue
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		val, err := encodeRecord(Record{State: StateNew, Instruction: in})
		if err != nil {
			return err
		}
		if err := batch.Set(keyFor(in.TradeID), val, nil); err != nil {
			return err
		}
	}
	if batch.Empty() {
		return nil
	}
	return batch.Commit(pebble.Sync)
}

// Get returns the record for a trade, or domain.ErrSettlementNotFound.
func (s *Store) Get(tradeID string) (Record, error) {
	val, closer, err := s.db.Get(keyFor(tradeID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, domain.ErrSettlementNotFound
	}
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(val)
}

func (s *Store) update(tradeID string, fn func(*Record)) (Record, error) {
	rec, err := s.Get(tradeID)
	if err != nil {
		return Record{}, err
	}
	fn(&rec)
	val, err := encodeRecord(rec)
	if err != nil {
		return Record{}, err
	}
	return rec, s.db.Set(keyFor(tradeID), val, pebble.Sync)
}

// MarkSent records a successful hand-off to the bridge.
func (s *Store) MarkSent(tradeID string, at time.Time) error {
	_, err := s.update(tradeID, func(r *Record) {
		r.State = StateSent
		r.LastAttempt = at
	})
	return err
}

// MarkAttemptFailed counts a failed hand-off. Once retries reach
// maxRetries the record moves to FAILED and is no longer relayed. It
// returns the updated record.
func (s *Store) MarkAttemptFailed(tradeID string, at time.Time, maxRetries int) (Record, error) {
	return s.update(tradeID, func(r *Record) {
		r.Retries++
		r.LastAttempt = at
		if maxRetries > 0 && int(r.Retries) >= maxRetries {
			r.State = StateFailed
		}
	})
}

// Requeue moves a FAILED record back to NEW with its retry count reset.
func (s *Store) Requeue(tradeID string) error {
	_, err := s.update(tradeID, func(r *Record) {
		r.State = StateNew
		r.Retries = 0
	})
	return err
}

// Ack deletes the record for a trade the bridge has settled on-chain.
func (s *Store) Ack(tradeID string) error {
	if _, err := s.Get(tradeID); err != nil {
		return err
	}
	return s.db.Delete(keyFor(tradeID), pebble.Sync)
}

// ScanByState calls fn for every record in state, in trade id order.
func (s *Store) ScanByState(state State, fn func(rec Record) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("settlement0"), // '0' sorts right after '/'
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return fmt.Errorf("record %s: %w", iter.Key(), err)
		}
		if rec.State != state {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Count returns how many records are in state.
func (s *Store) Count(state State) (int, error) {
	n := 0
	err := s.ScanByState(state, func(Record) error {
		n++
		return nil
	})
	return n, err
}

// Publish implements event.Publisher: every trade.executed event becomes
// a NEW instruction. Other events are ignored.
func (s *Store) Publish(_ context.Context, events []event.Event) error {
	var ins []Instruction
	for _, e := range events {
		if e.Type != event.TypeTradeExecuted || e.Trade == nil {
			continue
		}
		ins = append(ins, Instruction{
			TradeID:      e.Trade.TradeID,
			CreditTypeID: e.Trade.CreditTypeID,
			SellerID:     e.Trade.SellerID,
			BuyerID:      e.Trade.BuyerID,
			Quantity:     e.Trade.Quantity,
			Price:        e.Trade.Price,
			ExecutedAt:   e.Trade.ExecutedAt,
		})
	}
	if len(ins) == 0 {
		return nil
	}
	if err := s.Put(ins...); err != nil {
		return fmt.Errorf("outbox put: %w", err)
	}
	return nil
}
