// Package multisnipe coordinates groups of snipes placed on alternative
// auctions: once one of them is won, the others are called off.
//
// Members point at their group by id only; the Registry owns the groups and
// is the only place membership changes.
package multisnipe

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"snipewatch/internal/domain"
)

// Member is an auction that can take part in a group.
type Member interface {
	Identifier() string
	GroupID() int64
	SetGroupID(id int64)
	IsSniped() bool
	// Shipping is the member's shipping cost, zero when unknown.
	Shipping() domain.Money
	ArmSnipe(bid domain.Money)
	DisarmSnipe()
}

type Group struct {
	id               int64
	color            string
	defaultBid       domain.Money
	subtractShipping bool

	mu      sync.Mutex
	members map[string]Member
}

func newGroup(id int64, color string, defaultBid domain.Money, subtractShipping bool) *Group {
	return &Group{
		id:               id,
		color:            color,
		defaultBid:       defaultBid,
		subtractShipping: subtractShipping,
		members:          map[string]Member{},
	}
}

func (g *Group) ID() int64                { return g.id }
func (g *Group) Color() string            { return g.color }
func (g *Group) DefaultBid() domain.Money { return g.defaultBid }
func (g *Group) SubtractShipping() bool   { return g.subtractShipping }

// SnipeValue is the bid a member with the given shipping cost arms with.
// When the group subtracts shipping, a cost in the group's currency comes
// off the default bid; a result that is not positive keeps the default.
func (g *Group) SnipeValue(shipping domain.Money) domain.Money {
	if !g.subtractShipping || shipping.IsZero() || shipping.Currency != g.defaultBid.Currency {
		return g.defaultBid
	}
	net := g.defaultBid.Amount.Sub(shipping.Amount)
	if !net.IsPositive() {
		return g.defaultBid
	}
	return domain.NewMoney(g.defaultBid.Currency, net)
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

func (g *Group) Has(identifier string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[identifier]
	return ok
}

// Members returns the member identifiers in sorted order.
func (g *Group) Members() []string {
	g.mu.Lock()
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

// Registry maps group ids to groups. It is created once by the process and
// handed to whatever loads or edits auctions.
type Registry struct {
	mu     sync.Mutex
	groups map[int64]*Group
	lastID int64
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{groups: map[int64]*Group{}, now: time.Now}
}

// Create allocates a group with a fresh id.
func (r *Registry) Create(color string, defaultBid domain.Money, subtractShipping bool) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.now().UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	for r.groups[id] != nil {
		id++
	}
	r.lastID = id
	g := newGroup(id, color, defaultBid, subtractShipping)
	r.groups[id] = g
	return g
}

// Lookup returns the group with id, or nil.
func (r *Registry) Lookup(id int64) *Group {
	if id == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[id]
}

// LookupOrCreate resolves id to the shared group, creating it from the
// given attributes the first time the id is seen. Later calls ignore the
// attributes.
func (r *Registry) LookupOrCreate(id int64, color string, defaultBid domain.Money, subtractShipping bool) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[id]; ok {
		return g
	}
	g := newGroup(id, color, defaultBid, subtractShipping)
	r.groups[id] = g
	if id > r.lastID {
		r.lastID = id
	}
	return g
}

// Groups returns every live group ordered by id.
func (r *Registry) Groups() []*Group {
	r.mu.Lock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Join moves m into g, leaving any other group first. An unarmed member is
// armed with the group's default bid.
func (r *Registry) Join(g *Group, m Member) {
	if g == nil {
		return
	}
	if cur := m.GroupID(); cur != 0 && cur != g.id {
		r.Leave(m)
	}

	g.mu.Lock()
	g.members[m.Identifier()] = m
	g.mu.Unlock()

	r.mu.Lock()
	if _, ok := r.groups[g.id]; !ok {
		r.groups[g.id] = g
	}
	r.mu.Unlock()

	m.SetGroupID(g.id)
	if !m.IsSniped() {
		m.ArmSnipe(g.SnipeValue(m.Shipping()))
	}
}

// Leave removes m from its group. An emptied group is forgotten.
func (r *Registry) Leave(m Member) {
	id := m.GroupID()
	if id == 0 {
		return
	}
	m.SetGroupID(0)
	g := r.Lookup(id)
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.members[m.Identifier()] == m {
		delete(g.members, m.Identifier())
	}
	g.mu.Unlock()
	r.dropIfEmpty(g)
}

// ReportOutcome records that m's auction finished. A win disarms and
// removes every other member; a loss only removes m.
func (r *Registry) ReportOutcome(m Member, won bool) {
	g := r.Lookup(m.GroupID())
	if g == nil {
		return
	}
	if !won {
		r.Leave(m)
		return
	}

	winner := m.Identifier()
	g.mu.Lock()
	for id, other := range g.members {
		if id == winner {
			continue
		}
		other.DisarmSnipe()
		other.SetGroupID(0)
		delete(g.members, id)
	}
	g.mu.Unlock()

	log.Info().Int64("group", g.id).Str("winner", winner).Msg("multisnipe won, remaining snipes cancelled")
	r.dropIfEmpty(g)
}

func (r *Registry) dropIfEmpty(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.Len() == 0 && r.groups[g.id] == g {
		delete(r.groups, g.id)
	}
}
