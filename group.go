package main

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Group is a channel the user created. Its topic doubles as a routing rule.
type Group struct {
	Name      string        `yaml:"name"`
	Members   []string      `yaml:"members"`
	IsJoined  bool          `yaml:"joined"`
	IsSpecial bool          `yaml:"special,omitempty"`
	Topic     string        `yaml:"topic,omitempty"`
	Modes     []ChannelMode `yaml:"modes,omitempty"`
}

// NewGroup creates an empty group.
func NewGroup(name string) (*Group, error) {
	if !isValidGroupName(name) {
		return nil, fmt.Errorf("invalid group name: %s", name)
	}
	return &Group{Name: name}, nil
}

func memberLess(a, b string) bool {
	return canonicalizeNick(a) < canonicalizeNick(b)
}

// search returns the index nick is at or would be inserted at.
func (g *Group) search(nick string) int {
	cn := canonicalizeNick(nick)
	return sort.Search(len(g.Members), func(i int) bool {
		return canonicalizeNick(g.Members[i]) >= cn
	})
}

// Exists tells whether nick is a member. Case does not matter.
func (g *Group) Exists(nick string) bool {
	i := g.search(nick)
	return i < len(g.Members) &&
		canonicalizeNick(g.Members[i]) == canonicalizeNick(nick)
}

// Add inserts nick keeping members sorted. It returns false if nick is
// already a member.
func (g *Group) Add(nick string) bool {
	if g.Exists(nick) {
		return false
	}
	i := g.search(nick)
	g.Members = append(g.Members, "")
	copy(g.Members[i+1:], g.Members[i:])
	g.Members[i] = nick
	return true
}

// Remove deletes nick. It returns false if nick was not a member.
func (g *Group) Remove(nick string) bool {
	if !g.Exists(nick) {
		return false
	}
	i := g.search(nick)
	g.Members = append(g.Members[:i], g.Members[i+1:]...)
	return true
}

// normalize sorts members and drops the owner's nick. Used after loading.
func (g *Group) normalize(ownNick string) {
	sort.SliceStable(g.Members, func(i, j int) bool {
		return memberLess(g.Members[i], g.Members[j])
	})
	if ownNick != "" {
		g.Remove(ownNick)
	}
}

func (g *Group) hasMode(mode string) bool {
	for _, m := range g.Modes {
		if m.Mode == mode && !m.IsRemove {
			return true
		}
	}
	return false
}

// ApplyMode adds or removes a mode. It returns true if the group changed.
//
// Setting a mode twice leaves one entry. Removing a mode that is not set does
// nothing.
func (g *Group) ApplyMode(mode ChannelMode) bool {
	for i, m := range g.Modes {
		if !m.sameTarget(mode) {
			continue
		}
		if !mode.IsRemove {
			return false
		}
		g.Modes = append(g.Modes[:i], g.Modes[i+1:]...)
		return true
	}

	if mode.IsRemove {
		return false
	}

	g.Modes = append(g.Modes, ChannelMode{Mode: mode.Mode,
		Parameter: mode.Parameter})
	return true
}

// ModeString is the combined form used in RPL_CHANNELMODEIS.
func (g *Group) ModeString() string {
	flags := "+"
	var params []string
	for _, m := range g.Modes {
		flags += m.Mode
		if m.Parameter != "" {
			params = append(params, m.Parameter)
		}
	}
	return strings.Join(append([]string{flags}, params...), " ")
}

// IgnoreEchoBack is set with mode +p. The group does not get the user's own
// posts.
func (g *Group) IgnoreEchoBack() bool { return g.hasMode("p") }

// IsOrMatch means the topic rule is ORed with membership.
func (g *Group) IsOrMatch() bool { return strings.HasPrefix(g.Topic, "|") }

// IsRoutable is false for special groups and invite only (+i) groups.
func (g *Group) IsRoutable() bool { return !g.IsSpecial && !g.hasMode("i") }

// topicPattern is the topic with the OR marker removed.
func (g *Group) topicPattern() string {
	if g.IsOrMatch() {
		return g.Topic[1:]
	}
	return g.Topic
}

// Groups holds groups keyed case insensitively by name.
//
// It does no locking itself. Session guards it.
type Groups struct {
	m map[string]*Group
}

func newGroups() *Groups {
	return &Groups{m: map[string]*Group{}}
}

// Get finds a group by name.
func (gs *Groups) Get(name string) (*Group, bool) {
	g, ok := gs.m[canonicalizeChannel(name)]
	return g, ok
}

// GetOrCreate finds a group, creating it if needed.
func (gs *Groups) GetOrCreate(name string) (*Group, error) {
	if g, ok := gs.Get(name); ok {
		return g, nil
	}
	g, err := NewGroup(name)
	if err != nil {
		return nil, err
	}
	gs.m[canonicalizeChannel(name)] = g
	return g, nil
}

// Put stores g, replacing any group of the same name.
func (gs *Groups) Put(g *Group) {
	gs.m[canonicalizeChannel(g.Name)] = g
}

// Delete removes a group.
func (gs *Groups) Delete(name string) {
	delete(gs.m, canonicalizeChannel(name))
}

// Len is the number of groups.
func (gs *Groups) Len() int { return len(gs.m) }

// All returns the groups sorted by name.
func (gs *Groups) All() []*Group {
	out := make([]*Group, 0, len(gs.m))
	for _, g := range gs.m {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return canonicalizeChannel(out[i].Name) < canonicalizeChannel(out[j].Name)
	})
	return out
}

// RoutedGroup is one target picked for a status.
type RoutedGroup struct {
	Group                        *Group
	IRCMessageType               string
	Text                         string
	IsMessageFromSelf            bool
	IsExistsInChannelOrNoMembers bool
}

// routeStatus picks the joined groups that should see a status.
//
// selfID is the account id of the session owner. A self post to a group is
// sent as NOTICE when selfNotice is set.
func routeStatus(
	groups []*Group,
	author *User,
	selfID int64,
	text string,
	messageType string,
	selfNotice bool,
) []RoutedGroup {
	var routed []RoutedGroup

	for _, g := range groups {
		if !g.IsJoined || !g.IsRoutable() {
			continue
		}

		isMatched := true
		if g.Topic != "" {
			re, err := regexp.Compile(g.topicPattern())
			if err != nil {
				log.Warnf("Group %s: Invalid topic pattern: %s", g.Name, err)
				isMatched = false
			} else {
				isMatched = re.MatchString(text)
			}
		}

		existsOrEmpty := g.Exists(author.ScreenName) || len(g.Members) == 0
		fromSelf := selfID != 0 && author.ID == selfID && !g.IgnoreEchoBack()

		selected := fromSelf
		if !selected {
			if g.IsOrMatch() {
				selected = existsOrEmpty || isMatched
			} else {
				selected = existsOrEmpty && isMatched
			}
		}
		if !selected {
			continue
		}

		mt := messageType
		if fromSelf && selfNotice {
			mt = "NOTICE"
		}

		routed = append(routed, RoutedGroup{
			Group:                        g,
			IRCMessageType:               mt,
			Text:                         text,
			IsMessageFromSelf:            fromSelf,
			IsExistsInChannelOrNoMembers: existsOrEmpty,
		})
	}

	return routed
}
