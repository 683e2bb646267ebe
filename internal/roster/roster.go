// Package roster tracks the live player directory: who is present,
// their rank, and their mute state. Presence is not durable; the
// catalog never sees it. Changes fan out as playerDelta frames.
package roster

import (
	"sort"
	"sync"

	"stagecraft.dev/internal/protocol"
)

type Player struct {
	ID    string
	Name  string
	Rank  int
	Muted bool

	// kick asks the player's transport to close the connection.
	kick func()
}

// Publisher receives roster deltas; the fan-out satisfies it.
type Publisher interface {
	PublishPlayer(d protocol.PlayerDelta)
}

type Roster struct {
	mu      sync.Mutex
	players map[string]*Player
	spawnID string

	pub Publisher
}

func New(pub Publisher) *Roster {
	return &Roster{players: map[string]*Player{}, pub: pub}
}

func (r *Roster) publish(d protocol.PlayerDelta) {
	if r.pub != nil {
		r.pub.PublishPlayer(d)
	}
}

// Join registers a player. kick, when non-nil, is invoked on Kick to
// tear the player's connection down.
func (r *Roster) Join(id, name string, rank int, kick func()) {
	r.mu.Lock()
	r.players[id] = &Player{ID: id, Name: name, Rank: rank, kick: kick}
	r.mu.Unlock()
	r.publish(protocol.PlayerDelta{Op: "added", PlayerID: id, Name: name, Rank: rank})
}

func (r *Roster) Leave(id string) {
	r.mu.Lock()
	_, ok := r.players[id]
	delete(r.players, id)
	r.mu.Unlock()
	if ok {
		r.publish(protocol.PlayerDelta{Op: "removed", PlayerID: id})
	}
}

func (r *Roster) Get(id string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Players returns the directory sorted by id.
func (r *Roster) Players() []Player {
	r.mu.Lock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Roster) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// SetRank implements the modify_rank command.
func (r *Roster) SetRank(playerID string, rank int) error {
	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return protocol.Codedf(protocol.ErrNotFound, "player %s", playerID)
	}
	p.Rank = rank
	name := p.Name
	r.mu.Unlock()
	r.publish(protocol.PlayerDelta{Op: "rank", PlayerID: playerID, Name: name, Rank: rank})
	return nil
}

// Kick closes the player's connection and drops them from the roster.
func (r *Roster) Kick(playerID string) error {
	r.mu.Lock()
	p, ok := r.players[playerID]
	r.mu.Unlock()
	if !ok {
		return protocol.Codedf(protocol.ErrNotFound, "player %s", playerID)
	}
	if p.kick != nil {
		p.kick()
	}
	r.Leave(playerID)
	return nil
}

func (r *Roster) Mute(playerID string, muted bool) error {
	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return protocol.Codedf(protocol.ErrNotFound, "player %s", playerID)
	}
	p.Muted = muted
	r.mu.Unlock()
	r.publish(protocol.PlayerDelta{Op: "muted", PlayerID: playerID, Flag: muted})
	return nil
}

// SetSpawn records which player's position acts as the spawn point.
// op "set" assigns it, "clear" resets to the world default.
func (r *Roster) SetSpawn(op, networkID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch op {
	case "set":
		r.spawnID = networkID
	case "clear":
		r.spawnID = ""
	default:
		return protocol.Codedf(protocol.ErrBadRequest, "spawn op %q", op)
	}
	return nil
}

func (r *Roster) Spawn() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawnID
}
