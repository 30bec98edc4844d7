// Package pool holds the active and archived partitions of API keys,
// selects keys for use and retires the ones that stop working.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"apipool-go/internal/apikey"
	"apipool-go/internal/events"
	"apipool-go/internal/ledger"
	"apipool-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrPoolExhausted is returned when no active key is left to select.
	ErrPoolExhausted = errors.New("no active api key available")
	// ErrNotFound is returned when a key is absent from the active partition.
	ErrNotFound = errors.New("api key not active")
	// ErrArchived is returned when admitting a key that was already retired.
	ErrArchived = errors.New("api key archived")
)

// Reason explains why a key was retired.
type Reason string

const (
	ReasonLivenessFailed Reason = "liveness_failed"
	ReasonReachLimit     Reason = "reach_limit"
	ReasonManual         Reason = "manual"
)

// Retirement is the archive record of one key.
type Retirement struct {
	ID     string    `json:"id"`
	Reason Reason    `json:"reason"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Options tune a pool.
type Options struct {
	// Pick returns a uniform index in [0, n). Defaults to math/rand/v2.
	Pick func(n int) int
	// CheckConcurrency bounds parallel liveness probes in CheckUsable.
	// Values below 2 probe sequentially.
	CheckConcurrency int
	// Now stamps retirements. Defaults to time.Now.
	Now func() time.Time
}

type archivedEntry struct {
	member     *Member
	retirement Retirement
}

// Pool is safe for concurrent use. One mutex guards both partitions and is
// never held across Connect, Usable or ledger I/O.
type Pool struct {
	ledger *ledger.Ledger
	pick   func(n int) int
	now    func() time.Time
	checkN int

	mu          sync.Mutex
	activeIDs   []string
	active      map[string]*Member
	archivedIDs []string
	archived    map[string]archivedEntry
	publisher   events.Publisher
}

// New creates an empty pool recording into l.
func New(l *ledger.Ledger, opts Options) *Pool {
	p := &Pool{
		ledger:   l,
		pick:     opts.Pick,
		now:      opts.Now,
		checkN:   opts.CheckConcurrency,
		active:   make(map[string]*Member),
		archived: make(map[string]archivedEntry),
	}
	if p.pick == nil {
		p.pick = rand.Intn
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// SetEventPublisher attaches a publisher for admission and retirement events.
func (p *Pool) SetEventPublisher(pub events.Publisher) {
	p.mu.Lock()
	p.publisher = pub
	p.mu.Unlock()
}

// Ledger returns the ledger the pool records into.
func (p *Pool) Ledger() *ledger.Ledger { return p.ledger }

// Admit registers key into the active partition. An existing active entry
// is kept unless upsert is set. The key is registered with the ledger in
// every case; a registration error leaves the partitions untouched.
// Connection failures are logged and the key is admitted not connected.
func (p *Pool) Admit(ctx context.Context, key apikey.Key, upsert bool) error {
	id, err := keyID(key)
	if err != nil {
		return err
	}
	if p.isArchived(id) {
		return fmt.Errorf("%w: %s", ErrArchived, id)
	}
	if err := p.ledger.RegisterKeys(ctx, id); err != nil {
		return fmt.Errorf("admit %s: %w", id, err)
	}
	return p.admitRegistered(ctx, key, id, upsert)
}

// AdmitAll registers keys with the ledger in one batch, then admits each
// one without upsert. Archived keys are reported and skipped.
func (p *Pool) AdmitAll(ctx context.Context, keys []apikey.Key) error {
	ids := make([]string, 0, len(keys))
	admit := make([]apikey.Key, 0, len(keys))
	var errs []error
	for _, key := range keys {
		id, err := keyID(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if p.isArchived(id) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrArchived, id))
			continue
		}
		ids = append(ids, id)
		admit = append(admit, key)
	}
	if len(ids) > 0 {
		if err := p.ledger.RegisterKeys(ctx, ids...); err != nil {
			return fmt.Errorf("admit keys: %w", err)
		}
	}
	for i, key := range admit {
		if err := p.admitRegistered(ctx, key, ids[i], false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func keyID(key apikey.Key) (string, error) {
	if key == nil {
		return "", fmt.Errorf("admit: nil key")
	}
	id := key.PrimaryKey()
	if id == "" {
		return "", fmt.Errorf("admit: empty primary key")
	}
	return id, nil
}

func (p *Pool) admitRegistered(ctx context.Context, key apikey.Key, id string, upsert bool) error {
	p.mu.Lock()
	_, exists := p.active[id]
	p.mu.Unlock()
	if exists && !upsert {
		return nil
	}

	member := newMember(key)
	if _, err := member.Connect(ctx); err != nil {
		log.WithError(err).WithField("key", id).Warn("api key admitted without connection")
	}

	p.mu.Lock()
	if _, gone := p.archived[id]; gone {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrArchived, id)
	}
	replaced := false
	if _, ok := p.active[id]; ok {
		if !upsert {
			p.mu.Unlock()
			return nil
		}
		replaced = true
	} else {
		p.activeIDs = append(p.activeIDs, id)
	}
	p.active[id] = member
	active, archived := len(p.activeIDs), len(p.archivedIDs)
	pub := p.publisher
	p.mu.Unlock()

	monitoring.SetPoolSize(active, archived)
	log.WithFields(log.Fields{
		"key":       id,
		"connected": member.Connected(),
		"replaced":  replaced,
	}).Debug("api key admitted")
	if pub != nil {
		pub.Publish(context.Background(), events.TopicKeyAdmitted, events.KeyAdmitted{
			Key:       id,
			Connected: member.Connected(),
			Replaced:  replaced,
		}, nil)
	}
	return nil
}

// Fetch returns the active member for id.
func (p *Pool) Fetch(id string) (*Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// SelectRandom picks one active member uniformly at random.
func (p *Pool) SelectRandom() (*Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.activeIDs) == 0 {
		return nil, ErrPoolExhausted
	}
	return p.active[p.activeIDs[p.pick(len(p.activeIDs))]], nil
}

// Retire moves id from active to archived. Retiring a key that is not
// active, including one already archived, returns ErrNotFound.
func (p *Pool) Retire(id string, reason Reason, cause error) (*Member, error) {
	rec := Retirement{ID: id, Reason: reason, At: p.now().UTC()}
	if cause != nil {
		rec.Error = cause.Error()
	}

	p.mu.Lock()
	member, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(p.active, id)
	p.activeIDs = removeID(p.activeIDs, id)
	p.archived[id] = archivedEntry{member: member, retirement: rec}
	p.archivedIDs = append(p.archivedIDs, id)
	active, archived := len(p.activeIDs), len(p.archivedIDs)
	pub := p.publisher
	p.mu.Unlock()

	monitoring.RecordRetirement(string(reason))
	monitoring.SetPoolSize(active, archived)
	fields := log.Fields{"key": id, "reason": reason}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	log.WithFields(fields).Info("api key retired")
	if pub != nil {
		pub.Publish(context.Background(), events.TopicKeyRetired, events.KeyRetired{
			Key:    id,
			Reason: string(reason),
			At:     rec.At,
			Error:  rec.Error,
		}, nil)
	}
	return member, nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (p *Pool) isArchived(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.archived[id]
	return ok
}

func (p *Pool) isActive(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[id]
	return ok
}

// Active lists active key ids in admission order.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.activeIDs...)
}

// Archived lists retirement records in retirement order.
func (p *Pool) Archived() []Retirement {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Retirement, 0, len(p.archivedIDs))
	for _, id := range p.archivedIDs {
		out = append(out, p.archived[id].retirement)
	}
	return out
}

// Len returns the partition sizes.
func (p *Pool) Len() (active, archived int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeIDs), len(p.archivedIDs)
}

func (p *Pool) snapshot() []*Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Member, 0, len(p.activeIDs))
	for _, id := range p.activeIDs {
		out = append(out, p.active[id])
	}
	return out
}
