package neomason

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// keywordPattern returns the normalized regular expression source for
// a keyword: the literal, lowercased keyword between word boundaries.
// Keywords differing only by case share a pattern.
func keywordPattern(keyword string) string {
	return `\b` + regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(keyword))) + `\b`
}

// RE2's \b only knows ASCII word characters, so the boundaries are
// spelled out with unicode word classes.
const (
	wordStart = `(?:^|[^\p{L}\p{M}\p{N}\p{Pc}])`
	wordEnd   = `(?:$|[^\p{L}\p{M}\p{N}\p{Pc}])`
)

// compilePattern compiles a stored pattern, replacing its \b
// boundaries with unicode-aware ones
func compilePattern(pattern string) (*regexp.Regexp, error) {
	literal := strings.TrimSuffix(strings.TrimPrefix(pattern, `\b`), `\b`)
	return regexp.Compile("(?i)" + wordStart + literal + wordEnd)
}

type compiledMatcher struct {
	entry KeywordResponse
	re    *regexp.Regexp
}

// guildResponses holds one guild's matchers, in insertion order
type guildResponses struct {
	mu       sync.RWMutex
	matchers []compiledMatcher
}

func (g *guildResponses) indexOf(pattern string) int {
	return slices.IndexFunc(
		g.matchers, func(m compiledMatcher) bool {
			return m.entry.Pattern == pattern
		},
	)
}

// GuildState is the in-memory, write-through cache of every guild's
// keyword responses.
//
// Adds and removes for a guild are serialized by that guild's lock,
// so the cache and the Store can't disagree about which entries exist.
// Matching only takes a read lock, and guilds don't contend with each
// other.
type GuildState struct {
	store  Store
	mu     sync.RWMutex
	guilds map[string]*guildResponses
}

func NewGuildState(store Store) *GuildState {
	return &GuildState{
		store:  store,
		guilds: map[string]*guildResponses{},
	}
}

// Load replaces the cache with every response in the store. It's
// called once at startup, before any messages are handled.
func (s *GuildState) Load(ctx context.Context) error {
	responses, err := s.store.LoadAllResponses(ctx)
	if err != nil {
		return err
	}

	guilds := make(map[string]*guildResponses)
	for _, r := range responses {
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return storageErr(
				"load responses",
				fmt.Errorf("response %d (%q): %w", r.ID, r.Keyword, err),
			)
		}
		g, ok := guilds[r.GuildID]
		if !ok {
			g = &guildResponses{}
			guilds[r.GuildID] = g
		}
		g.matchers = append(g.matchers, compiledMatcher{entry: r, re: re})
	}

	s.mu.Lock()
	s.guilds = guilds
	s.mu.Unlock()

	loggerFrom(ctx, nil).InfoContext(
		ctx,
		"loaded keyword responses",
		"responses", len(responses),
		"guilds", len(guilds),
	)
	return nil
}

// guild returns the guild's responses. If create is false and the
// guild has none, nil is returned.
func (s *GuildState) guild(guildID string, create bool) *guildResponses {
	s.mu.RLock()
	g, ok := s.guilds[guildID]
	s.mu.RUnlock()
	if ok || !create {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok = s.guilds[guildID]; ok {
		return g
	}
	g = &guildResponses{}
	s.guilds[guildID] = g
	return g
}

// Match returns the reply for every keyword appearing in text as a
// whole word (case-insensitive), in the order the keywords were added.
func (s *GuildState) Match(guildID, text string) []string {
	g := s.guild(guildID, false)
	if g == nil {
		return nil
	}
	lowered := strings.ToLower(text)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var replies []string
	for _, m := range g.matchers {
		if m.re.MatchString(lowered) {
			replies = append(replies, m.entry.Response)
		}
	}
	return replies
}

// Add persists a new response, then caches it. Returns ErrDuplicateKey
// if the guild already has a response for the keyword.
func (s *GuildState) Add(
	ctx context.Context,
	guildID, keyword, response string,
) (KeywordResponse, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return KeywordResponse{}, ErrNoKeyword
	}
	// discord won't send a blank message
	if strings.TrimSpace(response) == "" {
		return KeywordResponse{}, ErrEmptyResponse
	}

	entry := KeywordResponse{
		GuildID:  guildID,
		Keyword:  keyword,
		Pattern:  keywordPattern(keyword),
		Response: response,
	}
	re, err := compilePattern(entry.Pattern)
	if err != nil {
		return KeywordResponse{}, fmt.Errorf("invalid keyword %q: %w", keyword, err)
	}

	g := s.guild(guildID, true)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.indexOf(entry.Pattern) >= 0 {
		return KeywordResponse{}, ErrDuplicateKey
	}
	if err = s.store.InsertResponse(ctx, &entry); err != nil {
		return KeywordResponse{}, err
	}
	g.matchers = append(g.matchers, compiledMatcher{entry: entry, re: re})
	return entry, nil
}

// Remove deletes the guild's response for keyword, from the store and
// then the cache. Returns false if there was nothing to remove.
func (s *GuildState) Remove(
	ctx context.Context,
	guildID, keyword string,
) (bool, error) {
	pattern := keywordPattern(keyword)
	// every stored response is cached, so a guild that isn't has none
	g := s.guild(guildID, false)
	if g == nil {
		return false, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := s.store.DeleteResponse(ctx, guildID, pattern)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if i := g.indexOf(pattern); i >= 0 {
		g.matchers = slices.Delete(g.matchers, i, i+1)
	}
	return true, nil
}

// List returns a copy of the guild's responses, in insertion order
func (s *GuildState) List(guildID string) []KeywordResponse {
	g := s.guild(guildID, false)
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	entries := make([]KeywordResponse, 0, len(g.matchers))
	for _, m := range g.matchers {
		entries = append(entries, m.entry)
	}
	return entries
}

// Guilds returns the IDs of guilds with at least one response
func (s *GuildState) Guilds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.guilds))
	for id, g := range s.guilds {
		g.mu.RLock()
		n := len(g.matchers)
		g.mu.RUnlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of cached responses for the guild
func (s *GuildState) Len(guildID string) int {
	g := s.guild(guildID, false)
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.matchers)
}
