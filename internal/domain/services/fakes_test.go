package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devilmonastery/gatekeeper/internal/auth/oauth"
	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
	"github.com/devilmonastery/gatekeeper/internal/domain/repositories"
	"github.com/devilmonastery/gatekeeper/internal/notify"
)

// memoryIdentityRepo is an in-memory IdentityRepository with the same
// uniqueness rules as the Postgres schema. WithinTx snapshots state and
// restores it when fn fails. Like Postgres, a failed statement aborts the
// open transaction, so the commit fails even if fn swallowed the error.
type memoryIdentityRepo struct {
	mu          sync.Mutex
	seq         int
	inTx        bool
	aborted     bool // an operation failed inside the open transaction
	persons     map[string]entities.Person
	emails      map[string]entities.Email
	methods     map[string]entities.LoginMethod
	orgs        map[string]entities.Organization
	memberships []entities.Membership

	// failOn makes the named operation return the error
	failOn map[string]error
}

func newMemoryIdentityRepo() *memoryIdentityRepo {
	return &memoryIdentityRepo{
		persons: make(map[string]entities.Person),
		emails:  make(map[string]entities.Email),
		methods: make(map[string]entities.LoginMethod),
		orgs:    make(map[string]entities.Organization),
		failOn:  make(map[string]error),
	}
}

func (r *memoryIdentityRepo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *memoryIdentityRepo) fail(op string) error {
	if err, ok := r.failOn[op]; ok {
		if r.inTx {
			r.aborted = true
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type repoSnapshot struct {
	seq         int
	persons     map[string]entities.Person
	emails      map[string]entities.Email
	methods     map[string]entities.LoginMethod
	orgs        map[string]entities.Organization
	memberships []entities.Membership
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *memoryIdentityRepo) WithinTx(ctx context.Context, fn func(repo repositories.IdentityRepository) error) error {
	r.mu.Lock()
	if r.inTx {
		r.mu.Unlock()
		return fn(r)
	}
	if err := r.fail("begin"); err != nil {
		r.mu.Unlock()
		return err
	}
	snap := repoSnapshot{
		seq:         r.seq,
		persons:     copyMap(r.persons),
		emails:      copyMap(r.emails),
		methods:     copyMap(r.methods),
		orgs:        copyMap(r.orgs),
		memberships: append([]entities.Membership(nil), r.memberships...),
	}
	r.inTx = true
	r.mu.Unlock()

	err := fn(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inTx = false
	if err == nil && r.aborted {
		err = errors.New("commit: current transaction is aborted")
	}
	r.aborted = false
	if err != nil {
		r.seq = snap.seq
		r.persons = snap.persons
		r.emails = snap.emails
		r.methods = snap.methods
		r.orgs = snap.orgs
		r.memberships = snap.memberships
		return err
	}
	return nil
}

func (r *memoryIdentityRepo) FindEmail(ctx context.Context, address string) (*entities.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("find_email"); err != nil {
		return nil, err
	}
	for _, e := range r.emails {
		if e.Address == address {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (r *memoryIdentityRepo) GetEmailByID(ctx context.Context, id string) (*entities.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("get_email"); err != nil {
		return nil, err
	}
	e, ok := r.emails[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repositories.ErrEmailNotFound, id)
	}
	return &e, nil
}

func (r *memoryIdentityRepo) GetPerson(ctx context.Context, id string) (*entities.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("get_person"); err != nil {
		return nil, err
	}
	p, ok := r.persons[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repositories.ErrPersonNotFound, id)
	}
	return &p, nil
}

func (r *memoryIdentityRepo) FindLoginMethod(ctx context.Context, emailID string, kind entities.LoginMethodKind) (*entities.LoginMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("find_login_method"); err != nil {
		return nil, err
	}
	for _, m := range r.methods {
		if m.EmailID == emailID && m.Kind == kind {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (r *memoryIdentityRepo) ListLoginMethods(ctx context.Context, emailID string) ([]*entities.LoginMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("list_login_methods"); err != nil {
		return nil, err
	}
	var out []*entities.LoginMethod
	for _, m := range r.methods {
		if m.EmailID == emailID {
			m := m
			out = append(out, &m)
		}
	}
	return out, nil
}

func (r *memoryIdentityRepo) CreatePerson(ctx context.Context, person *entities.Person) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("create_person"); err != nil {
		return err
	}
	person.ID = r.nextID("person")
	person.CreatedAt = time.Now()
	person.UpdatedAt = person.CreatedAt
	r.persons[person.ID] = *person
	return nil
}

func (r *memoryIdentityRepo) CreateEmail(ctx context.Context, email *entities.Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("create_email"); err != nil {
		return err
	}
	for _, e := range r.emails {
		if e.Address == email.Address {
			return fmt.Errorf("%w: emails_address_key", repositories.ErrConflict)
		}
	}
	email.ID = r.nextID("email")
	r.emails[email.ID] = *email
	return nil
}

func (r *memoryIdentityRepo) UpdatePerson(ctx context.Context, person *entities.Person) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("update_person"); err != nil {
		return err
	}
	if _, ok := r.persons[person.ID]; !ok {
		return fmt.Errorf("%w: %s", repositories.ErrPersonNotFound, person.ID)
	}
	person.UpdatedAt = time.Now()
	r.persons[person.ID] = *person
	return nil
}

func (r *memoryIdentityRepo) UpdateEmail(ctx context.Context, email *entities.Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("update_email"); err != nil {
		return err
	}
	if _, ok := r.emails[email.ID]; !ok {
		return fmt.Errorf("%w: %s", repositories.ErrEmailNotFound, email.ID)
	}
	r.emails[email.ID] = *email
	return nil
}

func (r *memoryIdentityRepo) CreateLoginMethod(ctx context.Context, method *entities.LoginMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("create_login_method"); err != nil {
		return err
	}
	for _, m := range r.methods {
		if m.EmailID == method.EmailID && m.Kind == method.Kind {
			return fmt.Errorf("%w: login_methods_email_kind_key", repositories.ErrConflict)
		}
	}
	method.ID = r.nextID("method")
	r.methods[method.ID] = *method
	return nil
}

func (r *memoryIdentityRepo) UpdateLoginMethod(ctx context.Context, method *entities.LoginMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("update_login_method"); err != nil {
		return err
	}
	if _, ok := r.methods[method.ID]; !ok {
		return fmt.Errorf("%w: %s", repositories.ErrLoginMethodNotFound, method.ID)
	}
	r.methods[method.ID] = *method
	return nil
}

func (r *memoryIdentityRepo) CreateOrganization(ctx context.Context, org *entities.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("create_organization"); err != nil {
		return err
	}
	org.ID = r.nextID("org")
	r.orgs[org.ID] = *org
	return nil
}

func (r *memoryIdentityRepo) AddMembership(ctx context.Context, membership *entities.Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("add_membership"); err != nil {
		return err
	}
	r.memberships = append(r.memberships, *membership)
	return nil
}

func (r *memoryIdentityRepo) ListMemberships(ctx context.Context, personID string) ([]*entities.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Membership
	for _, m := range r.memberships {
		if m.PersonID == personID {
			m := m
			out = append(out, &m)
		}
	}
	return out, nil
}

// emailByAddress returns the stored email or nil, for assertions
func (r *memoryIdentityRepo) emailByAddress(address string) *entities.Email {
	e, _ := r.FindEmail(context.Background(), address)
	return e
}

func (r *memoryIdentityRepo) methodsFor(emailID string) map[entities.LoginMethodKind]*entities.LoginMethod {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[entities.LoginMethodKind]*entities.LoginMethod)
	for _, m := range r.methods {
		if m.EmailID == emailID {
			m := m
			out[m.Kind] = &m
		}
	}
	return out
}

func (r *memoryIdentityRepo) counts() (persons, emails, orgs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persons), len(r.emails), len(r.orgs)
}

// memoryAuditRepo records audit entries
type memoryAuditRepo struct {
	mu      sync.Mutex
	entries []*entities.AuditLog
	err     error
}

func (r *memoryAuditRepo) Create(ctx context.Context, log *entities.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, log)
	return nil
}

func (r *memoryAuditRepo) ListByPerson(ctx context.Context, personID string, limit int) ([]*entities.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.AuditLog
	for _, e := range r.entries {
		if e.PersonID != nil && *e.PersonID == personID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryAuditRepo) CountFailedLogins(ctx context.Context, address string, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.IsLogin() && !e.Success && e.Metadata["email"] == address && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *memoryAuditRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (r *memoryAuditRepo) actions() []entities.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.AuditAction, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

// recordingDispatcher captures enqueued messages
type recordingDispatcher struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, msg)
	return nil
}

func (d *recordingDispatcher) last() (notify.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.messages) == 0 {
		return notify.Message{}, false
	}
	return d.messages[len(d.messages)-1], true
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// fakeProvider returns a fixed profile
type fakeProvider struct {
	name        string
	kind        entities.LoginMethodKind
	profile     oauth.Profile
	exchangeErr error
	profileErr  error
	exchanges   int
}

func (p *fakeProvider) Name() string                   { return p.name }
func (p *fakeProvider) Kind() entities.LoginMethodKind { return p.kind }

func (p *fakeProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (string, error) {
	p.exchanges++
	if p.exchangeErr != nil {
		return "", p.exchangeErr
	}
	return "access-" + code, nil
}

func (p *fakeProvider) FetchProfile(ctx context.Context, accessToken string) (*oauth.Profile, error) {
	if p.profileErr != nil {
		return nil, p.profileErr
	}
	profile := p.profile
	return &profile, nil
}

// testClock is a settable time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
