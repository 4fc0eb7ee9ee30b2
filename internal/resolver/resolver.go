// Package resolver turns user-supplied channel identifiers into
// canonical references. Six syntaxes are accepted: @username, bare
// username, t.me/username, -100 numeric IDs, t.me/c/ private URLs and
// invite links.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/tgmirror/internal/telegram"
)

// RefKind tags the syntax family a reference resolved from.
type RefKind int

const (
	KindChatID RefKind = iota
	KindUsername
	KindInvite
)

// Ref is a parsed channel reference. Exactly one of ID, Username or
// Invite is set, matching Kind.
type Ref struct {
	Kind     RefKind
	ID       int64  // canonical numeric chat ID (-100… for channels)
	Username string // without the @ prefix
	Invite   string // normalized invite URL, https scheme
}

// Key returns the canonical cache/history key: the numeric ID once the
// platform assigned one, otherwise the normalized string form.
func (r Ref) Key() string {
	switch r.Kind {
	case KindChatID:
		return strconv.FormatInt(r.ID, 10)
	case KindUsername:
		return r.Username
	default:
		return r.Invite
	}
}

// Format renders the reference back into input form. parse(Format(r))
// yields a reference with the same Key.
func (r Ref) Format() string {
	switch r.Kind {
	case KindChatID:
		return strconv.FormatInt(r.ID, 10)
	case KindUsername:
		return "@" + r.Username
	default:
		return r.Invite
	}
}

// ParseError marks an input that matches none of the accepted syntaxes.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse channel %q: %s", e.Input, e.Reason)
}

var usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,}$`)

// Parse applies the syntax rules in order and returns the reference
// plus a message ID when one was embedded in a URL form (zero
// otherwise).
func Parse(input string) (Ref, int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Ref{}, 0, &ParseError{Input: input, Reason: "empty"}
	}

	// An @ glued onto a URL is a typo, not a mention.
	if strings.HasPrefix(s, "@http://") || strings.HasPrefix(s, "@https://") {
		s = s[1:]
	}

	if strings.HasPrefix(s, "+") && len(s) > 1 {
		return Ref{Kind: KindInvite, Invite: "https://t.me/" + s}, 0, nil
	}

	if strings.HasPrefix(s, "@") {
		name := s[1:]
		if !usernameRe.MatchString(name) {
			return Ref{}, 0, &ParseError{Input: input, Reason: "invalid username"}
		}
		return Ref{Kind: KindUsername, Username: name}, 0, nil
	}

	if strings.Contains(s, "://") || strings.HasPrefix(s, "t.me/") {
		return parseURL(input, s)
	}

	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Ref{Kind: KindChatID, ID: canonicalID(id)}, 0, nil
	}

	if usernameRe.MatchString(s) {
		return Ref{Kind: KindUsername, Username: s}, 0, nil
	}

	return Ref{}, 0, &ParseError{Input: input, Reason: "matches no accepted syntax"}
}

func parseURL(input, s string) (Ref, int, error) {
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Ref{}, 0, &ParseError{Input: input, Reason: "malformed URL"}
	}
	if u.Host != "t.me" {
		return Ref{}, 0, &ParseError{Input: input, Reason: "host is not t.me"}
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return Ref{}, 0, &ParseError{Input: input, Reason: "URL has no path"}
	}

	switch {
	case segs[0] == "c":
		// t.me/c/<id>[/<msg>]: private channel permalink.
		if len(segs) < 2 {
			return Ref{}, 0, &ParseError{Input: input, Reason: "t.me/c/ URL without channel ID"}
		}
		bare, err := strconv.ParseInt(segs[1], 10, 64)
		if err != nil || bare <= 0 {
			return Ref{}, 0, &ParseError{Input: input, Reason: "t.me/c/ channel ID is not numeric"}
		}
		msgID := 0
		if len(segs) >= 3 {
			msgID, err = strconv.Atoi(segs[2])
			if err != nil {
				return Ref{}, 0, &ParseError{Input: input, Reason: "message ID is not numeric"}
			}
		}
		return Ref{Kind: KindChatID, ID: telegram.CanonicalChannelID(bare)}, msgID, nil

	case strings.HasPrefix(segs[0], "+"):
		return Ref{Kind: KindInvite, Invite: "https://t.me/" + segs[0]}, 0, nil

	case segs[0] == "joinchat":
		if len(segs) < 2 {
			return Ref{}, 0, &ParseError{Input: input, Reason: "joinchat URL without hash"}
		}
		return Ref{Kind: KindInvite, Invite: "https://t.me/joinchat/" + segs[1]}, 0, nil

	default:
		if !usernameRe.MatchString(segs[0]) {
			return Ref{}, 0, &ParseError{Input: input, Reason: "invalid username in URL"}
		}
		msgID := 0
		if len(segs) >= 2 {
			var err error
			msgID, err = strconv.Atoi(segs[1])
			if err != nil {
				return Ref{}, 0, &ParseError{Input: input, Reason: "message ID is not numeric"}
			}
		}
		return Ref{Kind: KindUsername, Username: segs[0]}, msgID, nil
	}
}

// canonicalID normalizes a bare numeric input. Negative values are
// already canonical; a bare positive value is a stripped channel ID.
func canonicalID(id int64) int64 {
	if id < 0 {
		return id
	}
	return telegram.CanonicalChannelID(id)
}

// InviteSlug extracts the code/hash part of an invite URL for the
// platform's invite-check call.
func InviteSlug(invite string) string {
	s := strings.TrimPrefix(invite, "https://t.me/")
	s = strings.TrimPrefix(s, "joinchat/")
	return strings.TrimPrefix(s, "+")
}

// Parsed pairs an input with its parse result.
type Parsed struct {
	Input string
	Ref   Ref
	MsgID int
}

// FilterValid parses each input, dropping failures with a log line.
// The returned errors preserve what was dropped for run statistics.
func FilterValid(log *slog.Logger, inputs []string) ([]Parsed, []error) {
	valid := make([]Parsed, 0, len(inputs))
	var errs []error
	for _, in := range inputs {
		ref, msgID, err := Parse(in)
		if err != nil {
			log.Warn("dropping unparseable channel", "input", in, "error", err)
			errs = append(errs, err)
			continue
		}
		valid = append(valid, Parsed{Input: in, Ref: ref, MsgID: msgID})
	}
	return valid, errs
}

// Resolved is a reference the platform confirmed, with its chat
// metadata and authoritative numeric ID.
type Resolved struct {
	Ref  Ref
	Chat *telegram.Chat
}

// Key returns the canonical key, preferring the numeric ID now that
// the platform assigned one.
func (r *Resolved) Key() string {
	if r.Chat != nil {
		return strconv.FormatInt(r.Chat.ID, 10)
	}
	return r.Ref.Key()
}

type cacheEntry struct {
	resolved  *Resolved
	fetchedAt time.Time
}

// DefaultTTL is how long a resolution stays authoritative.
const DefaultTTL = 30 * time.Minute

// Resolver resolves parsed references through the platform, caching
// results with a TTL. Safe for concurrent use; duplicate concurrent
// misses both resolve and the second write wins with equivalent data.
type Resolver struct {
	client telegram.Client
	log    *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New creates a resolver with the default TTL.
func New(client telegram.Client, log *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		log:    log,
		ttl:    DefaultTTL,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// WithTTL overrides the cache TTL.
func (r *Resolver) WithTTL(ttl time.Duration) *Resolver {
	r.ttl = ttl
	return r
}

// WithClock overrides the time source. Test hook.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve parses and resolves one input to its chat. Within the TTL
// window equal inputs yield the identical resolution.
func (r *Resolver) Resolve(ctx context.Context, input string) (*Resolved, int, error) {
	ref, msgID, err := Parse(input)
	if err != nil {
		return nil, 0, err
	}
	res, err := r.ResolveRef(ctx, ref)
	if err != nil {
		return nil, 0, err
	}
	return res, msgID, nil
}

// ResolveRef resolves an already-parsed reference.
func (r *Resolver) ResolveRef(ctx context.Context, ref Ref) (*Resolved, error) {
	key := ref.Key()
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		return entry.resolved, nil
	}

	var (
		chat *telegram.Chat
		err  error
	)
	switch ref.Kind {
	case KindChatID:
		chat, err = r.client.GetChat(ctx, ref.ID)
	case KindUsername:
		chat, err = r.client.ResolveUsername(ctx, ref.Username)
	case KindInvite:
		chat, err = r.client.ResolveInvite(ctx, InviteSlug(ref.Invite))
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref.Format(), err)
	}

	res := &Resolved{Ref: ref, Chat: chat}
	r.mu.Lock()
	r.cache[key] = cacheEntry{resolved: res, fetchedAt: r.now()}
	// Index the numeric key too so ID lookups hit the same entry.
	r.cache[res.Key()] = cacheEntry{resolved: res, fetchedAt: r.now()}
	r.mu.Unlock()
	r.log.Debug("resolved channel", "input", ref.Format(), "chat_id", chat.ID, "title", chat.Title)
	return res, nil
}
