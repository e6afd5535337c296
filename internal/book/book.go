// Package book implements the in-memory order book for a single symbol.
//
// A Book holds two btree-backed sides of price levels. Bids iterate in
// descending price, asks in ascending price; within a level, resting orders
// keep FIFO order by ascending sequence number (price-time-sequence
// priority). The Book stores only the minimal tuple needed for matching:
// order id, trader id, price, remaining quantity, sequence.
//
// Matching is split in two phases so persistent and in-memory state never
// diverge: PlanMatch walks the book read-only and produces a fill plan; the
// engine persists the plan inside a transaction and only on commit success
// calls Commit to apply the same mutations to the book. A maker owned by
// the taker's trader is skipped during planning and left untouched, which
// preserves its priority for later takers.
package book

import (
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"profile-exchange/pkg/types"
)

const btreeDegree = 32

// RestingOrder is one open order on the book.
type RestingOrder struct {
	OrderID      uuid.UUID
	TraderID     uuid.UUID
	Side         types.Side
	PriceInCents int64
	Remaining    int64
	Sequence     int64
}

// level is all resting orders at one price, FIFO by ascending sequence.
type level struct {
	price  int64
	orders []*RestingOrder
}

// Less implements btree.Item; levels sort ascending by price.
func (l *level) Less(other btree.Item) bool {
	return l.price < other.(*level).price
}

func (l *level) totalQty() int64 {
	var qty int64
	for _, ro := range l.orders {
		qty += ro.Remaining
	}
	return qty
}

// side is one half of the book. desc=true for bids (best = highest price).
type side struct {
	tree *btree.BTree
	desc bool
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) get(price int64) *level {
	item := s.tree.Get(&level{price: price})
	if item == nil {
		return nil
	}
	return item.(*level)
}

func (s *side) getOrCreate(price int64) *level {
	if lv := s.get(price); lv != nil {
		return lv
	}
	lv := &level{price: price}
	s.tree.ReplaceOrInsert(lv)
	return lv
}

func (s *side) remove(price int64) {
	s.tree.Delete(&level{price: price})
}

func (s *side) best() *level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*level)
}

// iterate visits levels best-first. fn returns false to stop.
func (s *side) iterate(fn func(*level) bool) {
	wrapped := func(item btree.Item) bool { return fn(item.(*level)) }
	if s.desc {
		s.tree.Descend(wrapped)
	} else {
		s.tree.Ascend(wrapped)
	}
}

// Book is the order book for one symbol. It is exclusively owned by that
// symbol's engine goroutine and is not safe for concurrent use.
type Book struct {
	symbol    string
	bids      *side
	asks      *side
	index     map[uuid.UUID]*RestingOrder
	lastPrice int64
}

// New creates an empty book for a symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   newSide(true),
		asks:   newSide(false),
		index:  make(map[uuid.UUID]*RestingOrder),
	}
}

// Symbol returns the symbol this book belongs to.
func (b *Book) Symbol() string { return b.symbol }

func (b *Book) sideFor(s types.Side) *side {
	if s == types.BUY {
		return b.bids
	}
	return b.asks
}

// Add inserts a resting order at the tail of its price level. Orders must
// arrive in ascending sequence within a level, which both live submits and
// recovery replay guarantee.
func (b *Book) Add(ro RestingOrder) {
	entry := ro
	lv := b.sideFor(ro.Side).getOrCreate(ro.PriceInCents)
	lv.orders = append(lv.orders, &entry)
	b.index[ro.OrderID] = &entry
}

// Remove deletes an order from the book. Returns false if absent.
func (b *Book) Remove(orderID uuid.UUID) bool {
	entry, ok := b.index[orderID]
	if !ok {
		return false
	}
	delete(b.index, orderID)

	sd := b.sideFor(entry.Side)
	lv := sd.get(entry.PriceInCents)
	if lv == nil {
		return false
	}
	for i, ro := range lv.orders {
		if ro.OrderID == orderID {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			break
		}
	}
	if len(lv.orders) == 0 {
		sd.remove(lv.price)
	}
	return true
}

// Contains reports whether an order is resting on the book.
func (b *Book) Contains(orderID uuid.UUID) bool {
	_, ok := b.index[orderID]
	return ok
}

// PeekBest returns the highest-priority resting order on a side.
func (b *Book) PeekBest(s types.Side) (RestingOrder, bool) {
	lv := b.sideFor(s).best()
	if lv == nil || len(lv.orders) == 0 {
		return RestingOrder{}, false
	}
	return *lv.orders[0], true
}

// BestBid returns the best bid price, or false if the bid side is empty.
func (b *Book) BestBid() (int64, bool) {
	lv := b.bids.best()
	if lv == nil {
		return 0, false
	}
	return lv.price, true
}

// BestAsk returns the best ask price, or false if the ask side is empty.
func (b *Book) BestAsk() (int64, bool) {
	lv := b.asks.best()
	if lv == nil {
		return 0, false
	}
	return lv.price, true
}

// SetLastPrice records the most recent trade price.
func (b *Book) SetLastPrice(priceInCents int64) { b.lastPrice = priceInCents }

// LastPrice returns the most recent trade price (0 if no trade yet).
func (b *Book) LastPrice() int64 { return b.lastPrice }

// State returns the top-of-book view embedded in outbox payloads.
func (b *Book) State() types.BookState {
	var st types.BookState
	if lv := b.bids.best(); lv != nil {
		st.BestBidInCents = lv.price
		st.BidSize = lv.totalQty()
	}
	if lv := b.asks.best(); lv != nil {
		st.BestAskInCents = lv.price
		st.AskSize = lv.totalQty()
	}
	return st
}

// Snapshot returns a full depth-by-level view of the book.
func (b *Book) Snapshot() types.BookSnapshot {
	snap := types.BookSnapshot{
		Symbol:           b.symbol,
		Bids:             make(map[int64]int64),
		Asks:             make(map[int64]int64),
		LastPriceInCents: b.lastPrice,
		Timestamp:        time.Now().UTC(),
	}
	b.bids.iterate(func(lv *level) bool {
		snap.Bids[lv.price] = lv.totalQty()
		return true
	})
	b.asks.iterate(func(lv *level) bool {
		snap.Asks[lv.price] = lv.totalQty()
		return true
	})
	st := b.State()
	snap.BestBidInCents = st.BestBidInCents
	snap.BestAskInCents = st.BestAskInCents
	snap.BidSize = st.BidSize
	snap.AskSize = st.AskSize
	return snap
}

// ----------------------------------------------------------------------------
// Matching
// ----------------------------------------------------------------------------

// Taker describes the incoming order being matched.
type Taker struct {
	OrderID           uuid.UUID
	TraderID          uuid.UUID
	Side              types.Side
	Type              types.OrderType
	Quantity          int64
	LimitPriceInCents int64 // 0 = no limit constraint
}

// Fill is one planned execution against a resting maker.
type Fill struct {
	MakerOrderID        uuid.UUID
	MakerTraderID       uuid.UUID
	PriceInCents        int64 // maker's price
	Quantity            int64
	MakerRemainingAfter int64
}

// Plan is the outcome of simulating a taker against the current book.
// The book itself is not mutated until Commit.
type Plan struct {
	Fills     []Fill
	Remaining int64
}

// FilledQuantity is the total quantity across all planned fills.
func (p Plan) FilledQuantity() int64 {
	var qty int64
	for _, f := range p.Fills {
		qty += f.Quantity
	}
	return qty
}

// priceEligible reports whether the taker may cross at a maker price.
func priceEligible(t Taker, makerPrice int64) bool {
	if t.LimitPriceInCents == 0 {
		return true
	}
	if t.Side == types.BUY {
		return makerPrice <= t.LimitPriceInCents
	}
	return makerPrice >= t.LimitPriceInCents
}

// PlanMatch simulates matching the taker against the book without mutating
// it. Makers are consumed best price first, FIFO within a level; makers
// owned by the taker's trader are skipped (self-trade prevention at order
// granularity) and keep their place in the queue.
func (b *Book) PlanMatch(t Taker) Plan {
	plan := Plan{Remaining: t.Quantity}
	opposite := b.sideFor(t.Side.Opposite())

	opposite.iterate(func(lv *level) bool {
		if plan.Remaining == 0 || !priceEligible(t, lv.price) {
			return false
		}
		for _, maker := range lv.orders {
			if plan.Remaining == 0 {
				break
			}
			if maker.TraderID == t.TraderID {
				continue
			}
			qty := min(maker.Remaining, plan.Remaining)
			plan.Fills = append(plan.Fills, Fill{
				MakerOrderID:        maker.OrderID,
				MakerTraderID:       maker.TraderID,
				PriceInCents:        lv.price,
				Quantity:            qty,
				MakerRemainingAfter: maker.Remaining - qty,
			})
			plan.Remaining -= qty
		}
		return true
	})
	return plan
}

// Commit applies a previously planned match to the book: consumed makers
// are decremented (and removed at zero remaining), the last trade price is
// updated, and the resting remainder of the taker, if any, is added.
// Commit must be called only after the plan's transaction has committed.
func (b *Book) Commit(plan Plan, rest *RestingOrder) {
	for _, f := range plan.Fills {
		maker, ok := b.index[f.MakerOrderID]
		if !ok {
			continue
		}
		maker.Remaining = f.MakerRemainingAfter
		if maker.Remaining == 0 {
			b.Remove(maker.OrderID)
		}
		b.lastPrice = f.PriceInCents
	}
	if rest != nil && rest.Remaining > 0 {
		b.Add(*rest)
	}
}

// projectedBest computes the best price level of one side after subtracting
// consumed quantities and, if rest belongs to this side, adding it.
func (s *side) projectedBest(consumed map[uuid.UUID]int64, rest *RestingOrder, restHere bool) (price, size int64, ok bool) {
	s.iterate(func(lv *level) bool {
		var qty int64
		for _, ro := range lv.orders {
			if rem := ro.Remaining - consumed[ro.OrderID]; rem > 0 {
				qty += rem
			}
		}
		if qty == 0 {
			return true
		}
		price, size, ok = lv.price, qty, true
		return false
	})
	if restHere && rest != nil && rest.Remaining > 0 {
		switch {
		case !ok:
			return rest.PriceInCents, rest.Remaining, true
		case rest.PriceInCents == price:
			size += rest.Remaining
		case s.desc && rest.PriceInCents > price, !s.desc && rest.PriceInCents < price:
			return rest.PriceInCents, rest.Remaining, true
		}
	}
	return price, size, ok
}

// ProjectedState returns the top-of-book state the book will have after
// Commit(plan, rest), without mutating the book. Used to embed post-trade
// book state in outbox events while their transaction is still open.
func (b *Book) ProjectedState(plan Plan, rest *RestingOrder) types.BookState {
	consumed := make(map[uuid.UUID]int64, len(plan.Fills))
	for _, f := range plan.Fills {
		consumed[f.MakerOrderID] += f.Quantity
	}
	restBid := rest != nil && rest.Side == types.BUY
	var st types.BookState
	if price, size, ok := b.bids.projectedBest(consumed, rest, restBid); ok {
		st.BestBidInCents, st.BidSize = price, size
	}
	if price, size, ok := b.asks.projectedBest(consumed, rest, rest != nil && !restBid); ok {
		st.BestAskInCents, st.AskSize = price, size
	}
	return st
}

// StateWithout returns the top-of-book state the book will have once the
// given order is removed, without mutating the book. Used by the cancel
// path for its BOOK_CHANGED event.
func (b *Book) StateWithout(orderID uuid.UUID) types.BookState {
	consumed := map[uuid.UUID]int64{}
	if ro, ok := b.index[orderID]; ok {
		consumed[orderID] = ro.Remaining
	}
	var st types.BookState
	if price, size, ok := b.bids.projectedBest(consumed, nil, false); ok {
		st.BestBidInCents, st.BidSize = price, size
	}
	if price, size, ok := b.asks.projectedBest(consumed, nil, false); ok {
		st.BestAskInCents, st.AskSize = price, size
	}
	return st
}

// OpenOrderCount returns the number of resting orders (both sides).
func (b *Book) OpenOrderCount() int { return len(b.index) }
