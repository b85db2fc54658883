package orderbook

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// sideBook is an arena of orders for one side of one instrument. Orders
// live in slots addressed by index; freed slots are recycled through the
// free list. queue holds the slot indices in priority order from head on.
type sideBook struct {
	side  Side
	slots []Order
	free  []int
	queue []int
	head  int
}

func (sb *sideBook) insert(o Order) {
	var idx int
	if n := len(sb.free); n > 0 {
		idx = sb.free[n-1]
		sb.free = sb.free[:n-1]
		sb.slots[idx] = o
	} else {
		idx = len(sb.slots)
		sb.slots = append(sb.slots, o)
	}
	sb.queue = append(sb.queue, idx)
}

func (sb *sideBook) len() int {
	return len(sb.queue) - sb.head
}

// peek returns the best resident order. Only valid when len() > 0.
func (sb *sideBook) peek() *Order {
	return &sb.slots[sb.queue[sb.head]]
}

// pop removes the best resident order and recycles its slot
func (sb *sideBook) pop() {
	idx := sb.queue[sb.head]
	sb.slots[idx] = Order{}
	sb.free = append(sb.free, idx)
	sb.head++
}

// compact drops the consumed prefix of the queue
func (sb *sideBook) compact() {
	if sb.head == 0 {
		return
	}
	sb.queue = append(sb.queue[:0], sb.queue[sb.head:]...)
	sb.head = 0
}

// sortByPriority orders the queue best price first. Equal prices keep
// arrival order: the sort is stable and falls back to Seq.
func (sb *sideBook) sortByPriority() {
	sb.compact()
	sort.SliceStable(sb.queue, func(i, j int) bool {
		a, b := &sb.slots[sb.queue[i]], &sb.slots[sb.queue[j]]
		if a.Price != b.Price {
			if sb.side == Buy {
				return a.Price > b.Price
			}
			return a.Price < b.Price
		}
		return a.Seq < b.Seq
	})
}

func (sb *sideBook) snapshot() []Order {
	out := make([]Order, 0, sb.len())
	for _, idx := range sb.queue[sb.head:] {
		out = append(out, sb.slots[idx])
	}
	return out
}

func (sb *sideBook) reset() {
	sb.slots = sb.slots[:0]
	sb.free = sb.free[:0]
	sb.queue = sb.queue[:0]
	sb.head = 0
}

// instrumentBook holds both sides for a single instrument. Its mutex gives
// a clearing pass exclusive access to this instrument only.
type instrumentBook struct {
	mu    sync.Mutex
	buys  sideBook
	sells sideBook
}

func newInstrumentBook() *instrumentBook {
	return &instrumentBook{
		buys:  sideBook{side: Buy},
		sells: sideBook{side: Sell},
	}
}

func (ib *instrumentBook) sideFor(s Side) *sideBook {
	if s == Buy {
		return &ib.buys
	}
	return &ib.sells
}

// Book is the order book for a registered set of instruments
type Book struct {
	mu          sync.RWMutex
	books       map[string]*instrumentBook
	instruments []string // Registration order

	seq atomic.Uint64
}

// New creates a book with the given instruments registered
func New(instruments ...string) *Book {
	b := &Book{
		books: make(map[string]*instrumentBook),
	}
	for _, inst := range instruments {
		// Duplicates in the constructor list are ignored
		_ = b.Register(inst)
	}
	return b
}

// Register adds an instrument to the book
func (b *Book) Register(instrument string) error {
	if instrument == "" {
		return fmt.Errorf("%w: empty instrument id", ErrInvalidOrder)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.books[instrument]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstrument, instrument)
	}
	b.books[instrument] = newInstrumentBook()
	b.instruments = append(b.instruments, instrument)
	return nil
}

// Instruments returns the registered instruments in registration order
func (b *Book) Instruments() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.instruments))
	copy(out, b.instruments)
	return out
}

func (b *Book) lookup(instrument string) (*instrumentBook, error) {
	b.mu.RLock()
	ib, ok := b.books[instrument]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return ib, nil
}

// Submit stores an order on its side of the instrument's book. Orders with
// an unrecognized side are dropped without error. The book keeps its own
// copy; the caller's order receives the assigned ID and Seq.
func (b *Book) Submit(order *Order) error {
	if !order.Side.Valid() {
		return nil
	}
	if err := order.Validate(); err != nil {
		return err
	}
	ib, err := b.lookup(order.Instrument)
	if err != nil {
		return err
	}

	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()
	order.Seq = b.seq.Add(1)
	ib.sideFor(order.Side).insert(*order)
	return nil
}

// Clear crosses resident orders for one instrument. Every match is settled
// through exec and published to prices before the next match is attempted.
// Orders left uncrossed stay resident.
func (b *Book) Clear(instrument string, prices PriceSetter, exec Executor) ([]Transaction, error) {
	ib, err := b.lookup(instrument)
	if err != nil {
		return nil, err
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.buys.len() == 0 || ib.sells.len() == 0 {
		return nil, nil
	}

	ib.buys.sortByPriority()
	ib.sells.sortByPriority()
	defer ib.buys.compact()
	defer ib.sells.compact()

	var trades []Transaction
	for ib.buys.len() > 0 && ib.sells.len() > 0 {
		buy := ib.buys.peek()
		sell := ib.sells.peek()

		if buy.Price < sell.Price {
			break // No crossing
		}

		tx := Transaction{
			ID:          uuid.New().String(),
			Instrument:  instrument,
			BuyerID:     buy.AgentID,
			SellerID:    sell.AgentID,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Quantity:    min(buy.Quantity, sell.Quantity),
			Price:       ExecutionPrice(buy.Price, sell.Price),
		}

		if err := exec.Execute(tx); err != nil {
			return trades, fmt.Errorf("settle %s on %s: %w", tx.ID, instrument, err)
		}
		trades = append(trades, tx)

		if err := prices.SetPrice(instrument, tx.Price); err != nil {
			return trades, fmt.Errorf("publish price for %s: %w", instrument, err)
		}

		buy.Quantity -= tx.Quantity
		sell.Quantity -= tx.Quantity
		if buy.Quantity == 0 {
			ib.buys.pop()
		}
		if sell.Quantity == 0 {
			ib.sells.pop()
		}
	}

	return trades, nil
}

// Resident returns copies of the orders currently resting for an
// instrument, best first when the book has been cleared at least once.
func (b *Book) Resident(instrument string) (buys, sells []Order, err error) {
	ib, err := b.lookup(instrument)
	if err != nil {
		return nil, nil, err
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.buys.snapshot(), ib.sells.snapshot(), nil
}

// Len returns the number of resident buy and sell orders for an instrument
func (b *Book) Len(instrument string) (buys, sells int) {
	ib, err := b.lookup(instrument)
	if err != nil {
		return 0, 0
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.buys.len(), ib.sells.len()
}

// Discard drops every resident order for an instrument
func (b *Book) Discard(instrument string) error {
	ib, err := b.lookup(instrument)
	if err != nil {
		return err
	}
	ib.mu.Lock()
	ib.buys.reset()
	ib.sells.reset()
	ib.mu.Unlock()
	return nil
}

// DiscardAll drops resident orders for every instrument
func (b *Book) DiscardAll() {
	for _, inst := range b.Instruments() {
		_ = b.Discard(inst)
	}
}
