package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
)

// memStore is an in-memory Store, Users and Groups. Unique keys behave like
// the Postgres constraints: one customer per user, one subscription per
// external id.
type memStore struct {
	mu         sync.Mutex
	users      map[int64]*models.User
	customers  map[int64]*models.Customer
	subs       []*models.Subscription
	groups     map[string]*models.Group
	members    map[int64]map[int64]bool
	nextID     int64
	created    time.Time
	failStatus map[string]error
}

func newMemStore(created time.Time) *memStore {
	return &memStore{
		users:      map[int64]*models.User{},
		customers:  map[int64]*models.Customer{},
		groups:     map[string]*models.Group{},
		members:    map[int64]map[int64]bool{},
		created:    created,
		failStatus: map[string]error{},
	}
}

func (m *memStore) addUser(id int64, username, email string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &models.User{ID: id, Username: username}
	if email != "" {
		u.Email = &email
	}
	m.users[id] = u
	return u
}

func (m *memStore) addGroup(id int64, name string) *models.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := &models.Group{ID: id, Name: name}
	m.groups[name] = g
	return g
}

func (m *memStore) isMember(group string, userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return false
	}
	return m.members[g.ID][userID]
}

func (m *memStore) subscription(externalID string) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ExternalID == externalID {
			cp := *s
			return &cp
		}
	}
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *memStore) customerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.customers)
}

// seed inserts a subscription directly, bypassing the reconciler.
func (m *memStore) seed(userID int64, sub models.Subscription) *models.Subscription {
	c, _ := m.FindOrCreateCustomer(context.Background(), userID, "cus_seed", nil)
	sub.CustomerID = c.ID
	if sub.Status == "" {
		sub.Status = models.StatusActive
	}
	if err := m.CreateSubscription(context.Background(), &sub); err != nil {
		panic(err)
	}
	return &sub
}

func (m *memStore) FindOrCreateCustomer(_ context.Context, userID int64, customerRef string, productID *string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.customers {
		if c.UserID == userID {
			if customerRef != "" {
				c.CustomerID = customerRef
			}
			if productID != nil {
				c.ProductID = productID
			}
			cp := *c
			return &cp, nil
		}
	}
	m.nextID++
	c := &models.Customer{ID: m.nextID, UserID: userID, CustomerID: customerRef, ProductID: productID}
	m.customers[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *memStore) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ExternalID == sub.ExternalID {
			return fmt.Errorf("subscription %s: %w", sub.ExternalID, store.ErrDuplicate)
		}
	}
	m.nextID++
	sub.ID = m.nextID
	sub.CreatedAt = m.created.Add(time.Duration(m.nextID) * time.Second)
	sub.UpdatedAt = sub.CreatedAt
	cp := *sub
	m.subs = append(m.subs, &cp)
	return nil
}

func (m *memStore) GetSubscriptionByExternalID(_ context.Context, externalID string) (*models.Subscription, error) {
	if s := m.subscription(externalID); s != nil {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) SubscriptionExists(_ context.Context, externalID string) (bool, error) {
	return m.subscription(externalID) != nil, nil
}

func (m *memStore) UpdateSubscriptionStatus(_ context.Context, id int64, status models.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			if err := m.failStatus[s.ExternalID]; err != nil {
				return err
			}
			s.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) UpdateSubscriptionPlan(_ context.Context, id int64, planID string, productID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			s.PlanID = planID
			if productID != nil {
				s.ProductID = productID
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) userOfCustomer(customerID int64) (*models.User, bool) {
	c, ok := m.customers[customerID]
	if !ok {
		return nil, false
	}
	u, ok := m.users[c.UserID]
	return u, ok
}

func (m *memStore) ListActiveSubscriptionsForUser(_ context.Context, userID, excludeID int64, now time.Time) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, s := range m.subs {
		c := m.customers[s.CustomerID]
		if c == nil || c.UserID != userID || s.ID == excludeID {
			continue
		}
		if s.IsEntitled(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ListExpiredActiveSubscriptions(_ context.Context, now time.Time) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, s := range m.subs {
		if s.IsStale(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ListEntitledSubscriptions(_ context.Context, now time.Time) ([]models.SubscriptionWithUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SubscriptionWithUser
	for _, s := range m.subs {
		if !s.IsEntitled(now) {
			continue
		}
		if u, ok := m.userOfCustomer(s.CustomerID); ok {
			out = append(out, models.SubscriptionWithUser{Subscription: *s, User: *u})
		}
	}
	return out, nil
}

func (m *memStore) ListSubscriptionsForUser(_ context.Context, userID int64) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for i := len(m.subs) - 1; i >= 0; i-- {
		s := m.subs[i]
		if c := m.customers[s.CustomerID]; c != nil && c.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ListSubscriptions(_ context.Context, filter models.SubscriptionFilter) ([]models.SubscriptionWithUser, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.SubscriptionWithUser
	for _, s := range m.subs {
		u, ok := m.userOfCustomer(s.CustomerID)
		if !ok {
			continue
		}
		if filter.Username != "" && !strings.EqualFold(u.Username, filter.Username) {
			continue
		}
		all = append(all, models.SubscriptionWithUser{Subscription: *s, User: *u})
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Subscription.CreatedAt.After(all[j].Subscription.CreatedAt)
	})
	total := len(all)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return all[filter.Offset:end], total, nil
}

func (m *memStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) FindUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) FindUserByUsernameOrEmail(ctx context.Context, login string) (*models.User, error) {
	if !strings.Contains(login, "@") {
		return m.FindUserByUsername(ctx, login)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email != nil && strings.EqualFold(*u.Email, login) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetUserByCustomerID(_ context.Context, customerID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.userOfCustomer(customerID); ok {
		cp := *u
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) FindGroupByName(_ context.Context, name string) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[name]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) AddMember(_ context.Context, groupID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[groupID] == nil {
		m.members[groupID] = map[int64]bool{}
	}
	if m.members[groupID][userID] {
		return false, nil
	}
	m.members[groupID][userID] = true
	return true, nil
}

func (m *memStore) RemoveMember(_ context.Context, groupID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.members[groupID][userID] {
		return false, nil
	}
	delete(m.members[groupID], userID)
	return true, nil
}

// fakeGateway is a PaymentProvider and SubscriptionAPI backed by maps.
type fakeGateway struct {
	mu        sync.Mutex
	name      models.Provider
	plans     map[string]*provider.Plan
	planErr   map[string]error
	lineItems map[string]string
	subs      map[string]*provider.Subscription
	subErr    map[string]error
	checkouts []provider.CheckoutRequest
	canceled  []string
}

func newFakeGateway(name models.Provider) *fakeGateway {
	return &fakeGateway{
		name:      name,
		plans:     map[string]*provider.Plan{},
		planErr:   map[string]error{},
		lineItems: map[string]string{},
		subs:      map[string]*provider.Subscription{},
		subErr:    map[string]error{},
	}
}

func (f *fakeGateway) Name() models.Provider { return f.name }

func (f *fakeGateway) RetrievePlan(_ context.Context, planID string) (*provider.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.planErr[planID]; err != nil {
		return nil, err
	}
	if p, ok := f.plans[planID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("retrieve price %s: %w", planID, provider.ErrPlanNotFound)
}

func (f *fakeGateway) VerifyWebhook([]byte, string) (*provider.Event, error) {
	return nil, provider.ErrSignatureInvalid
}

func (f *fakeGateway) CreateCheckout(_ context.Context, req provider.CheckoutRequest) (*provider.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.name == models.ProviderRazorpay && req.Plan.IsRecurring() {
		return nil, provider.ErrRecurringUnsupported
	}
	f.checkouts = append(f.checkouts, req)
	return &provider.Checkout{SessionID: "cs_new", URL: "https://checkout.example/cs_new"}, nil
}

func (f *fakeGateway) RetrieveSubscription(_ context.Context, id string) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.subErr[id]; err != nil {
		return nil, err
	}
	if s, ok := f.subs[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, provider.ErrNotFound
}

func (f *fakeGateway) CancelAtPeriodEnd(_ context.Context, id string) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	s.CancelAtPeriodEnd = true
	f.canceled = append(f.canceled, id)
	cp := *s
	return &cp, nil
}

func (f *fakeGateway) FirstLineItemPlan(ctx context.Context, sessionID string) (*provider.Plan, error) {
	f.mu.Lock()
	planID, ok := f.lineItems[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("list line items for %s: %w", sessionID, provider.ErrUnavailable)
	}
	return f.RetrievePlan(ctx, planID)
}

type fakeVerifier struct {
	valid map[string]string
}

func (f *fakeVerifier) VerifyPayment(orderID, paymentID, signature string) error {
	if f.valid[orderID+"|"+paymentID] == signature {
		return nil
	}
	return provider.ErrSignatureInvalid
}

type harness struct {
	now      time.Time
	store    *memStore
	stripe   *fakeGateway
	razorpay *fakeGateway
	verifier *fakeVerifier
	groups   *GroupResolver
	rec      *Reconciler
	alice    *models.User
	bob      *models.User
}

func plan(id, group, duration, priceType string) *provider.Plan {
	md := map[string]string{}
	if group != "" {
		md[provider.MetadataGroupName] = group
	}
	if duration != "" {
		md[provider.MetadataDuration] = duration
	}
	return &provider.Plan{
		ID:          id,
		ProductID:   "prod_" + id,
		ProductName: "Product " + id,
		Nickname:    "Nick " + id,
		UnitAmount:  500,
		Currency:    "usd",
		Type:        priceType,
		Metadata:    md,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		now:      now,
		store:    newMemStore(now.Add(-24 * time.Hour)),
		stripe:   newFakeGateway(models.ProviderStripe),
		razorpay: newFakeGateway(models.ProviderRazorpay),
		verifier: &fakeVerifier{valid: map[string]string{}},
	}
	h.alice = h.store.addUser(1, "alice", "alice@example.com")
	h.bob = h.store.addUser(2, "bob", "bob@example.com")
	h.store.addGroup(10, "gold")
	h.store.addGroup(11, "silver")

	for _, p := range []*provider.Plan{
		plan("price_gold_30", "gold", "30", provider.PriceTypeOneTime),
		plan("price_gold_monthly", "gold", "", provider.PriceTypeRecurring),
		plan("price_silver_monthly", "silver", "", provider.PriceTypeRecurring),
		plan("price_plain", "", "", provider.PriceTypeOneTime),
		plan("price_ghost_group", "ghost", "", provider.PriceTypeOneTime),
	} {
		h.stripe.plans[p.ID] = p
		h.razorpay.plans[p.ID] = p
	}

	registry := NewRegistry(models.ProviderStripe, h.stripe, h.razorpay)
	clock := WithClock(func() time.Time { return h.now })
	h.groups = NewGroupResolver(h.store, h.store, registry, nil, zerolog.Nop(), clock)

	rec, err := NewReconciler(Deps{
		Store:         h.store,
		Users:         h.store,
		Groups:        h.groups,
		Providers:     registry,
		Subscriptions: h.stripe,
		Payments:      h.verifier,
		Logger:        zerolog.Nop(),
		BaseURL:       "https://forum.example/",
	}, clock, WithIDGenerator(func() string { return "0123456789abcdef" }))
	if err != nil {
		t.Fatalf("NewReconciler returned error: %v", err)
	}
	h.rec = rec
	return h
}

func (h *harness) sweeper(cfg SweeperConfig) *Sweeper {
	registry := NewRegistry(models.ProviderStripe, h.stripe, h.razorpay)
	return NewSweeper(h.store, h.store, h.groups, registry, cfg, nil, zerolog.Nop(), WithClock(func() time.Time { return h.now }))
}

func paidSession(id, subID, email, planID string, h *harness) *provider.CheckoutSession {
	h.stripe.lineItems[id] = planID
	return &provider.CheckoutSession{
		ID:             id,
		SubscriptionID: subID,
		CustomerID:     "cus_stripe_1",
		CustomerEmail:  email,
		PaymentStatus:  "paid",
		Status:         "complete",
	}
}
