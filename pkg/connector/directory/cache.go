// Copyright 2024-2026 Aiku AI

// Package directory keeps the per-session view of Slack users, channels and
// bots that mention resolution reads from.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Profile holds the avatar URLs of a user.
type Profile struct {
	Image72  string
	Image512 string
}

// User is a Slack account. Name is not unique.
type User struct {
	ID       string
	Name     string
	RealName string
	IsBot    bool
	Profile  Profile

	// Unknown is set on the sentinel returned when a user could not be
	// resolved locally or remotely.
	Unknown bool
}

// Channel is any Slack conversation: public and private channels,
// multi-party IMs and direct messages.
type Channel struct {
	ID         string
	Name       string
	Purpose    string
	IsDirect   bool
	IsGroupDM  bool
	PeerUserID string
	// Member is set when the logged-in user belongs to the conversation.
	Member bool
}

// BotIcons holds the avatar URLs of a bot.
type BotIcons struct {
	Image72 string
}

// Bot is a Slack bot integration, addressed by its B-prefixed id.
type Bot struct {
	ID    string
	Name  string
	Icons BotIcons
}

// Snapshot is the bootstrap state delivered right after authentication.
//
// Slack has no call listing bots, so Bots only holds the bots that own a bot
// user. Integrations without one are resolved on demand through
// Fetcher.FetchBot.
type Snapshot struct {
	Self     User
	TeamID   string
	TeamName string
	Users    []User
	Channels []Channel
	Bots     []Bot
}

// Fetcher resolves records the cache does not hold. Implementations talk to
// the remote API; any error is treated as a miss.
type Fetcher interface {
	FetchUser(ctx context.Context, id string) (*User, error)
	FetchChannel(ctx context.Context, id string) (*Channel, error)
	FetchBot(ctx context.Context, id string) (*Bot, error)
}

const (
	defaultLookupsPerMinute = 50
	lookupBurst             = 10
)

// Cache is the directory of one Slack session. A single goroutine (the RTM
// consumer) writes it, while bridge handlers read it concurrently.
type Cache struct {
	mu        sync.RWMutex
	users     map[string]User
	userNames map[string]string
	channels  map[string]Channel
	bots      map[string]Bot
	self      User
	teamID    string
	teamName  string

	fetcher Fetcher
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New creates an empty cache. fetcher may be nil, in which case lookups never
// leave the process. lookupsPerMinute caps remote fallbacks; zero or less
// selects the default.
func New(fetcher Fetcher, lookupsPerMinute int, log zerolog.Logger) *Cache {
	if lookupsPerMinute <= 0 {
		lookupsPerMinute = defaultLookupsPerMinute
	}
	return &Cache{
		users:     make(map[string]User),
		userNames: make(map[string]string),
		channels:  make(map[string]Channel),
		bots:      make(map[string]Bot),
		fetcher:   fetcher,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(lookupsPerMinute)), lookupBurst),
		log:       log,
	}
}

// Reset replaces every collection with the contents of snap.
func (c *Cache) Reset(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = make(map[string]User, len(snap.Users))
	c.userNames = make(map[string]string, len(snap.Users))
	c.channels = make(map[string]Channel, len(snap.Channels))
	c.bots = make(map[string]Bot, len(snap.Bots))
	c.self = snap.Self
	c.teamID = snap.TeamID
	c.teamName = snap.TeamName
	for _, u := range snap.Users {
		c.putUserLocked(u)
	}
	if snap.Self.ID != "" {
		if _, ok := c.users[snap.Self.ID]; !ok {
			c.putUserLocked(snap.Self)
		}
	}
	for _, ch := range snap.Channels {
		c.putChannelLocked(ch)
	}
	for _, b := range snap.Bots {
		c.bots[b.ID] = b
	}
	c.log.Debug().
		Int("users", len(c.users)).
		Int("channels", len(c.channels)).
		Int("bots", len(c.bots)).
		Msg("Directory reset from snapshot")
}

// Self returns the authenticated user of the session.
func (c *Cache) Self() User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Team returns the team id and name from the last snapshot.
func (c *Cache) Team() (id, name string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.teamID, c.teamName
}

func (c *Cache) putUserLocked(u User) {
	if prev, ok := c.users[u.ID]; ok && prev.Name != u.Name && c.userNames[prev.Name] == u.ID {
		delete(c.userNames, prev.Name)
	}
	u.Unknown = false
	c.users[u.ID] = u
	if u.Name != "" {
		c.userNames[u.Name] = u.ID
	}
}

func (c *Cache) putChannelLocked(ch Channel) {
	if ch.PeerUserID != "" {
		ch.IsDirect = true
	}
	c.channels[ch.ID] = ch
}

// UpsertUser inserts u or replaces the record with the same id.
func (c *Cache) UpsertUser(u User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putUserLocked(u)
}

// UpsertBot inserts b or replaces the record with the same id.
func (c *Cache) UpsertBot(b Bot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bots[b.ID] = b
}

// UpsertChannel inserts ch or replaces the record with the same id. It
// reports the previous name when a cached record existed under another name.
func (c *Cache) UpsertChannel(ch Channel) (previousName string, renamed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, existed := c.channels[ch.ID]
	c.putChannelLocked(ch)
	if existed && prev.Name != ch.Name {
		return prev.Name, true
	}
	return "", false
}

// RenameChannel applies a name-only update. A channel not yet cached is
// inserted with just its id and name and counts as renamed.
func (c *Cache) RenameChannel(id, name string) (previousName string, renamed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, existed := c.channels[id]
	if existed && ch.Name == name {
		return "", false
	}
	previousName = ch.Name
	ch.ID = id
	ch.Name = name
	c.putChannelLocked(ch)
	return previousName, true
}

// User returns the cached user without remote fallback.
func (c *Cache) User(id string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// Channel returns the cached channel without remote fallback.
func (c *Cache) Channel(id string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// Bot returns the cached bot without remote fallback.
func (c *Cache) Bot(id string) (Bot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bots[id]
	return b, ok
}

// UnknownUser is the sentinel for an id that could not be resolved.
func UnknownUser(id string) User {
	return User{ID: id, Name: id, Unknown: true}
}

// LookupUser resolves a user by id, then by name, then remotely. It never
// fails: an unresolvable id yields UnknownUser.
func (c *Cache) LookupUser(ctx context.Context, idOrName string) User {
	c.mu.RLock()
	u, ok := c.users[idOrName]
	if !ok {
		if id, byName := c.userNames[idOrName]; byName {
			u, ok = c.users[id]
		}
	}
	c.mu.RUnlock()
	if ok {
		return u
	}
	if !c.allowRemote("user", idOrName) {
		return UnknownUser(idOrName)
	}
	fetched, err := c.fetcher.FetchUser(ctx, idOrName)
	if err != nil || fetched == nil {
		c.log.Debug().Err(err).Str("user_id", idOrName).Msg("Remote user lookup failed")
		return UnknownUser(idOrName)
	}
	c.UpsertUser(*fetched)
	fetched.Unknown = false
	return *fetched
}

// LookupChannel resolves a channel by id, falling back to the remote API.
func (c *Cache) LookupChannel(ctx context.Context, id string) (Channel, bool) {
	if ch, ok := c.Channel(id); ok {
		return ch, true
	}
	if !c.allowRemote("channel", id) {
		return Channel{}, false
	}
	fetched, err := c.fetcher.FetchChannel(ctx, id)
	if err != nil || fetched == nil {
		c.log.Debug().Err(err).Str("channel_id", id).Msg("Remote channel lookup failed")
		return Channel{}, false
	}
	c.mu.Lock()
	c.putChannelLocked(*fetched)
	ch := c.channels[fetched.ID]
	c.mu.Unlock()
	return ch, true
}

// LookupBot resolves a bot by id, falling back to the remote API.
func (c *Cache) LookupBot(ctx context.Context, id string) (Bot, bool) {
	if b, ok := c.Bot(id); ok {
		return b, true
	}
	if !c.allowRemote("bot", id) {
		return Bot{}, false
	}
	fetched, err := c.fetcher.FetchBot(ctx, id)
	if err != nil || fetched == nil {
		c.log.Debug().Err(err).Str("bot_id", id).Msg("Remote bot lookup failed")
		return Bot{}, false
	}
	c.UpsertBot(*fetched)
	return *fetched, true
}

func (c *Cache) allowRemote(kind, id string) bool {
	if c.fetcher == nil || id == "" {
		return false
	}
	if !c.limiter.Allow() {
		c.log.Warn().Str("kind", kind).Str("id", id).Msg("Remote directory lookup throttled")
		return false
	}
	return true
}

// Users returns a copy of every cached user.
func (c *Cache) Users() []User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	return out
}

// Channels returns a copy of every cached channel.
func (c *Cache) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}
