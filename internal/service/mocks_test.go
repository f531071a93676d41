package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/d1gallar/forest/internal/cache"
	d "github.com/d1gallar/forest/internal/domain"
	"github.com/d1gallar/forest/internal/payment"
	r "github.com/d1gallar/forest/internal/repository"
	"github.com/d1gallar/forest/internal/sessions"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// mockCartRepository stores carts in memory and enforces the version check
// the way the MongoDB repository does.
type mockCartRepository struct {
	m         sync.Mutex
	carts     map[string]*d.Cart
	conflicts int // SaveCart fails with ErrVersionConflict this many times
	saves     int
	err       error
}

func newMockCartRepository(carts ...*d.Cart) *mockCartRepository {
	repo := &mockCartRepository{carts: map[string]*d.Cart{}}
	for _, c := range carts {
		c.Version = 1
		repo.carts[c.UserID] = c
	}
	return repo
}

func copyCart(c *d.Cart) *d.Cart {
	cp := *c
	cp.Items = append([]d.LineItem{}, c.Items...)
	return &cp
}

func (m *mockCartRepository) GetCart(_ context.Context, userID string) (*d.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.carts[userID]
	if !ok {
		return nil, r.ErrCartNotFound
	}
	return copyCart(c), nil
}

func (m *mockCartRepository) CreateCart(_ context.Context, cart *d.Cart) error {
	m.m.Lock()
	defer m.m.Unlock()
	if _, ok := m.carts[cart.UserID]; ok {
		return r.ErrCartExists
	}
	cart.Version = 1
	m.carts[cart.UserID] = copyCart(cart)
	return nil
}

func (m *mockCartRepository) SaveCart(_ context.Context, cart *d.Cart) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.conflicts > 0 {
		m.conflicts--
		return r.ErrVersionConflict
	}
	stored, ok := m.carts[cart.UserID]
	if !ok {
		return r.ErrCartNotFound
	}
	if stored.Version != cart.Version {
		return r.ErrVersionConflict
	}
	cart.Version++
	m.carts[cart.UserID] = copyCart(cart)
	m.saves++
	return nil
}

func (m *mockCartRepository) ClearCartIfUnmodifiedSince(_ context.Context, userID string, since time.Time) (bool, error) {
	m.m.Lock()
	defer m.m.Unlock()
	c, ok := m.carts[userID]
	if !ok || c.LastModified.After(since) {
		return false, nil
	}
	c.Clear(testNow)
	c.Version++
	return true, nil
}

func (m *mockCartRepository) stored(userID string) *d.Cart {
	m.m.Lock()
	defer m.m.Unlock()
	return copyCart(m.carts[userID])
}

// mockCache keeps the generation rule of the Redis cache. A non-nil gate
// holds every Set until it is closed.
type mockCache struct {
	m          sync.Mutex
	carts      map[string]*d.Cart
	gens       map[string]int64
	deletes    int
	staleFills int
	gate       chan struct{}
	err        error
}

func newMockCache() *mockCache {
	return &mockCache{carts: map[string]*d.Cart{}, gens: map[string]int64{}}
}

func (m *mockCache) Get(_ context.Context, userID string) (*d.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.carts[userID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return c, nil
}

func (m *mockCache) Generation(_ context.Context, userID string) (int64, error) {
	m.m.Lock()
	defer m.m.Unlock()
	return m.gens[userID], m.err
}

func (m *mockCache) Set(_ context.Context, userID string, gen int64, cart *d.Cart) error {
	m.m.Lock()
	gate := m.gate
	m.m.Unlock()
	if gate != nil {
		<-gate
	}

	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.gens[userID] != gen {
		m.staleFills++
		return cache.ErrStaleFill
	}
	m.carts[userID] = cart
	return nil
}

func (m *mockCache) Delete(_ context.Context, userID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.carts, userID)
	m.gens[userID]++
	m.deletes++
	return nil
}

func (m *mockCache) stale() int {
	m.m.Lock()
	defer m.m.Unlock()
	return m.staleFills
}

func (m *mockCache) has(userID string) bool {
	m.m.Lock()
	defer m.m.Unlock()
	_, ok := m.carts[userID]
	return ok
}

type mockCatalog struct {
	products map[string]*d.Product
}

func (m *mockCatalog) GetProduct(_ context.Context, id string) (*d.Product, error) {
	if id == "bad-id" {
		return nil, r.ErrInvalidObjectID
	}
	p, ok := m.products[id]
	if !ok {
		return nil, r.ErrProductNotFound
	}
	return p, nil
}

func (m *mockCatalog) GetProducts(_ context.Context, ids []string) (map[string]*d.Product, error) {
	out := map[string]*d.Product{}
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type mockAddressBook struct {
	addr *d.Address
}

func (m *mockAddressBook) GetDefaultAddress(context.Context, string) (*d.Address, error) {
	if m.addr == nil {
		return nil, r.ErrAddressNotFound
	}
	a := *m.addr
	return &a, nil
}

// mockSessionRepository implements sessions.RepoInterface in memory.
type mockSessionRepository struct {
	m        sync.Mutex
	byID     map[string]*d.CheckoutSession
	outbox   []*sessions.OutboxEvent
	settles   int
	settleErr error
	updates   int
	createFn  func(*d.CheckoutSession) error
}

func newMockSessionRepository() *mockSessionRepository {
	return &mockSessionRepository{byID: map[string]*d.CheckoutSession{}}
}

func copySession(s *d.CheckoutSession) *d.CheckoutSession {
	cp := *s
	return &cp
}

func (m *mockSessionRepository) Close() error { return nil }

func (m *mockSessionRepository) RunMigrations(*sessions.Credentials) error { return nil }

func (m *mockSessionRepository) CreateCheckoutSession(_ context.Context, s *d.CheckoutSession) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.createFn != nil {
		if err := m.createFn(s); err != nil {
			return err
		}
	}
	for _, existing := range m.byID {
		if s.IdempotencyKey != "" && existing.IdempotencyKey == s.IdempotencyKey {
			return sessions.ErrDuplicateIdempotencyKey
		}
		if existing.PaymentID == s.PaymentID {
			return sessions.ErrDuplicateSession
		}
	}
	s.Version = 1
	m.byID[s.ID] = copySession(s)
	return nil
}

func (m *mockSessionRepository) find(match func(*d.CheckoutSession) bool) *d.CheckoutSession {
	for _, s := range m.byID {
		if match(s) {
			return copySession(s)
		}
	}
	return nil
}

func (m *mockSessionRepository) GetCheckoutSessionByIdempotencyKey(_ context.Context, key string) (*d.CheckoutSession, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if s := m.find(func(s *d.CheckoutSession) bool { return s.IdempotencyKey == key }); s != nil {
		return s, nil
	}
	return nil, sessions.ErrIdempotencyKeyNotFound
}

func (m *mockSessionRepository) GetCheckoutSession(_ context.Context, userID, paymentID string) (*d.CheckoutSession, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if s := m.find(func(s *d.CheckoutSession) bool { return s.UserID == userID && s.PaymentID == paymentID }); s != nil {
		return s, nil
	}
	return nil, sessions.ErrSessionNotFound
}

func (m *mockSessionRepository) GetCheckoutSessionByPaymentID(_ context.Context, paymentID string) (*d.CheckoutSession, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if s := m.find(func(s *d.CheckoutSession) bool { return s.PaymentID == paymentID }); s != nil {
		return s, nil
	}
	return nil, sessions.ErrSessionNotFound
}

func (m *mockSessionRepository) UpdateCheckoutSession(_ context.Context, s *d.CheckoutSession) error {
	m.m.Lock()
	defer m.m.Unlock()
	stored, ok := m.byID[s.ID]
	if !ok || stored.Version != s.Version {
		return sessions.ErrSessionVersionConflict
	}
	s.Version++
	m.byID[s.ID] = copySession(s)
	m.updates++
	return nil
}

func (m *mockSessionRepository) SettleCheckoutSession(_ context.Context, paymentID, orderID string, payload []byte) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.settleErr != nil {
		return m.settleErr
	}
	for _, s := range m.byID {
		if s.PaymentID != paymentID {
			continue
		}
		if s.Status == d.CheckoutStatusSettled {
			return sessions.ErrAlreadySettled
		}
		s.Status = d.CheckoutStatusSettled
		s.OrderID = orderID
		s.Version++
		m.settles++
		m.outbox = append(m.outbox, &sessions.OutboxEvent{
			ID: len(m.outbox) + 1, AggregateId: s.ID, EventType: sessions.EventOrderSettled, Payload: payload,
		})
		return nil
	}
	return sessions.ErrSessionNotFound
}

func (m *mockSessionRepository) AppendOutboxEvent(_ context.Context, aggregateID, eventType string, payload []byte) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.outbox = append(m.outbox, &sessions.OutboxEvent{
		ID: len(m.outbox) + 1, AggregateId: aggregateID, EventType: eventType, Payload: payload,
	})
	return nil
}

func (m *mockSessionRepository) GetUnprocessedEvents(context.Context, int) ([]*sessions.OutboxEvent, error) {
	m.m.Lock()
	defer m.m.Unlock()
	return m.outbox, nil
}

func (m *mockSessionRepository) MarkEventAsProcessed(context.Context, int) error { return nil }

func (m *mockSessionRepository) GetStuckSessions(context.Context, time.Time) ([]*d.CheckoutSession, error) {
	return nil, nil
}

func (m *mockSessionRepository) only() *d.CheckoutSession {
	m.m.Lock()
	defer m.m.Unlock()
	for _, s := range m.byID {
		return copySession(s)
	}
	return nil
}

// mockGateway is an in-memory payment provider.
type mockGateway struct {
	m            sync.Mutex
	intents      map[string]*payment.Intent
	seq          int
	creates      int
	confirmKeys  []string
	confirmErrs  []error
	updates      []payment.UpdateIntentParams
	refunds      []payment.RefundParams
	refundErr    error
	cancelled    []string
	retrieveErr  error
	createParams []payment.CreateIntentParams
}

func newMockGateway() *mockGateway {
	return &mockGateway{intents: map[string]*payment.Intent{}}
}

func (m *mockGateway) CreateIntent(_ context.Context, p payment.CreateIntentParams) (*payment.Intent, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.creates++
	m.seq++
	m.createParams = append(m.createParams, p)
	in := &payment.Intent{
		ID:           fmt.Sprintf("pi_%d", m.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", m.seq),
		Amount:       p.Amount,
		Currency:     p.Currency,
		Status:       payment.IntentRequiresPaymentMethod,
		Metadata:     map[string]string{},
	}
	for k, v := range p.Metadata {
		in.Metadata[k] = v
	}
	m.intents[in.ID] = in
	return in, nil
}

func (m *mockGateway) intent(id string) (*payment.Intent, error) {
	in, ok := m.intents[id]
	if !ok {
		return nil, d.NewNotFoundError("payment_not_found", "no such payment intent")
	}
	return in, nil
}

func (m *mockGateway) UpdateIntent(_ context.Context, id string, p payment.UpdateIntentParams) (*payment.Intent, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.updates = append(m.updates, p)
	in, err := m.intent(id)
	if err != nil {
		return nil, err
	}
	if p.Amount > 0 {
		in.Amount = p.Amount
	}
	// the provider merges keys and unsets empty ones
	for k, v := range p.Metadata {
		if v == "" {
			delete(in.Metadata, k)
			continue
		}
		in.Metadata[k] = v
	}
	cp := *in
	return &cp, nil
}

func (m *mockGateway) ConfirmIntent(_ context.Context, id string, p payment.ConfirmIntentParams) (*payment.Intent, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.confirmKeys = append(m.confirmKeys, p.IdempotencyKey)
	if len(m.confirmErrs) > 0 {
		err := m.confirmErrs[0]
		m.confirmErrs = m.confirmErrs[1:]
		return nil, err
	}
	in, err := m.intent(id)
	if err != nil {
		return nil, err
	}
	in.Status = payment.IntentSucceeded
	in.ChargeID = "ch_" + id
	in.PaymentMethodID = p.PaymentMethodID
	cp := *in
	return &cp, nil
}

func (m *mockGateway) CancelIntent(_ context.Context, id string) (*payment.Intent, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.cancelled = append(m.cancelled, id)
	in, err := m.intent(id)
	if err != nil {
		return nil, err
	}
	in.Status = payment.IntentCanceled
	cp := *in
	return &cp, nil
}

func (m *mockGateway) RetrieveIntent(_ context.Context, id string) (*payment.Intent, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.retrieveErr != nil {
		return nil, m.retrieveErr
	}
	in, err := m.intent(id)
	if err != nil {
		return nil, err
	}
	cp := *in
	return &cp, nil
}

func (m *mockGateway) RetrievePaymentMethod(_ context.Context, id string) (*payment.PaymentMethod, error) {
	return &payment.PaymentMethod{ID: id, Type: "card", Brand: "visa", Last4: "4242"}, nil
}

func (m *mockGateway) Refund(_ context.Context, p payment.RefundParams) (string, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.refunds = append(m.refunds, p)
	if m.refundErr != nil {
		return "", m.refundErr
	}
	return "re_" + p.ChargeID, nil
}

// mockOrderRepository enforces the (user_id, payment_id) uniqueness the
// MongoDB index provides.
type mockOrderRepository struct {
	m       sync.Mutex
	orders  map[string]*d.Order
	creates int
	err     error
}

func newMockOrderRepository(orders ...*d.Order) *mockOrderRepository {
	repo := &mockOrderRepository{orders: map[string]*d.Order{}}
	for _, o := range orders {
		repo.orders[o.ID] = o
	}
	return repo
}

func (m *mockOrderRepository) CreateOrder(_ context.Context, order *d.Order) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, o := range m.orders {
		if o.UserID == order.UserID && o.PaymentID == order.PaymentID {
			return fmt.Errorf("%w: %s", r.ErrDuplicateOrder, order.PaymentID)
		}
	}
	cp := *order
	m.orders[order.ID] = &cp
	m.creates++
	return nil
}

func (m *mockOrderRepository) GetOrder(_ context.Context, id string) (*d.Order, error) {
	m.m.Lock()
	defer m.m.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, r.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepository) GetOrderByPaymentID(_ context.Context, paymentID string) (*d.Order, error) {
	m.m.Lock()
	defer m.m.Unlock()
	for _, o := range m.orders {
		if o.PaymentID == paymentID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, r.ErrOrderNotFound
}

func (m *mockOrderRepository) ListOrders(_ context.Context, userID string) ([]*d.Order, error) {
	m.m.Lock()
	defer m.m.Unlock()
	var out []*d.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockOrderRepository) UpdateOrder(_ context.Context, order *d.Order, expectStatus d.OrderStatus, expectPayment d.PaymentStatus) error {
	m.m.Lock()
	defer m.m.Unlock()
	stored, ok := m.orders[order.ID]
	if !ok {
		return r.ErrOrderNotFound
	}
	if stored.Status != expectStatus || stored.PaymentStatus != expectPayment {
		return r.ErrOrderChanged
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *mockOrderRepository) count() int {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.orders)
}

func (m *mockOrderRepository) first() *d.Order {
	m.m.Lock()
	defer m.m.Unlock()
	for _, o := range m.orders {
		cp := *o
		return &cp
	}
	return nil
}

type mockRefundRepository struct {
	m       sync.Mutex
	refunds map[string]*d.Refund
}

func newMockRefundRepository() *mockRefundRepository {
	return &mockRefundRepository{refunds: map[string]*d.Refund{}}
}

func (m *mockRefundRepository) CreateRefund(_ context.Context, refund *d.Refund) error {
	m.m.Lock()
	defer m.m.Unlock()
	for _, existing := range m.refunds {
		if existing.OrderID == refund.OrderID {
			return r.ErrDuplicateRefund
		}
	}
	cp := *refund
	m.refunds[refund.ID] = &cp
	return nil
}

func (m *mockRefundRepository) GetRefund(_ context.Context, id string) (*d.Refund, error) {
	m.m.Lock()
	defer m.m.Unlock()
	rf, ok := m.refunds[id]
	if !ok {
		return nil, r.ErrRefundNotFound
	}
	cp := *rf
	return &cp, nil
}

func (m *mockRefundRepository) GetRefundByOrderID(_ context.Context, orderID string) (*d.Refund, error) {
	m.m.Lock()
	defer m.m.Unlock()
	for _, rf := range m.refunds {
		if rf.OrderID == orderID {
			cp := *rf
			return &cp, nil
		}
	}
	return nil, r.ErrRefundNotFound
}

// mockCartClearer counts Clear calls for the reconciler tests.
type mockCartClearer struct {
	m     sync.Mutex
	calls map[string]int
	err   error
}

func (m *mockCartClearer) Clear(_ context.Context, userID string) (*d.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[userID]++
	if m.err != nil {
		return nil, m.err
	}
	return d.NewCart(userID, testNow), nil
}
