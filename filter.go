package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/horgh/irc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FilterArgs is the state a status carries through the filter chain.
type FilterArgs struct {
	Sender         messageSender
	ServerName     string
	WebURL         string
	Content        string
	User           *User
	Status         *Status
	IRCMessageType string
	Drop           bool
}

type messageSender interface {
	Send(m irc.Message)
}

// Filter is one rule of the chain.
type Filter interface {
	Type() string
	IsEnabled() bool
	SetEnabled(bool)
	// Execute applies the rule. executed tells whether the rule matched.
	Execute(args *FilterArgs) (executed bool, err error)
	String() string
	// Clone returns a copy that shares nothing mutable with the original.
	Clone() Filter
}

// FilterExecutionError is a rule that failed to run. The content is left as
// it was.
type FilterExecutionError struct {
	Filter string
	Err    error
}

func (e *FilterExecutionError) Error() string {
	return fmt.Sprintf("filter %s: %s", e.Filter, e.Err)
}

// FilterBase holds what every rule has.
type FilterBase struct {
	Enabled          bool   `yaml:"enabled"`
	MatchPattern     string `yaml:"match,omitempty"`
	UserMatchPattern string `yaml:"user_match,omitempty"`
}

func (b *FilterBase) IsEnabled() bool   { return b.Enabled }
func (b *FilterBase) SetEnabled(e bool) { b.Enabled = e }

// matches checks the content and, if set, the user pattern. Matching is case
// insensitive.
func (b *FilterBase) matches(args *FilterArgs) (bool, error) {
	if b.MatchPattern == "" {
		return false, nil
	}

	ok, err := matchFold(b.MatchPattern, args.Content)
	if err != nil || !ok {
		return false, err
	}

	if b.UserMatchPattern == "" {
		return true, nil
	}

	screenName := ""
	if args.User != nil {
		screenName = args.User.ScreenName
	}
	return matchFold(b.UserMatchPattern, screenName)
}

func (b *FilterBase) describe() string {
	s := fmt.Sprintf("match=%q", b.MatchPattern)
	if b.UserMatchPattern != "" {
		s += fmt.Sprintf(" user_match=%q", b.UserMatchPattern)
	}
	if !b.Enabled {
		s += " (disabled)"
	}
	return s
}

func compileFold(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
	}
	return re, nil
}

func matchFold(pattern, s string) (bool, error) {
	re, err := compileFold(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// DropFilter discards matching statuses.
type DropFilter struct {
	FilterBase `yaml:",inline"`
}

func (f *DropFilter) Type() string   { return "drop" }
func (f *DropFilter) String() string { return "drop " + f.describe() }
func (f *DropFilter) Clone() Filter  { c := *f; return &c }

func (f *DropFilter) Execute(args *FilterArgs) (bool, error) {
	ok, err := f.matches(args)
	if err != nil || !ok {
		return false, err
	}
	args.Drop = true
	return true, nil
}

// RewriteContentFilter edits matching content and sets the message type.
type RewriteContentFilter struct {
	FilterBase      `yaml:",inline"`
	ReplacePattern  string `yaml:"replace,omitempty"`
	MessageType     string `yaml:"message_type,omitempty"`
	IsRemoveContent bool   `yaml:"remove_content,omitempty"`
}

func (f *RewriteContentFilter) Type() string  { return "rewrite" }
func (f *RewriteContentFilter) Clone() Filter { c := *f; return &c }

func (f *RewriteContentFilter) String() string {
	return fmt.Sprintf("rewrite %s replace=%q type=%s", f.describe(),
		f.ReplacePattern, f.messageType())
}

func (f *RewriteContentFilter) messageType() string {
	if f.MessageType == "" {
		return "PRIVMSG"
	}
	return strings.ToUpper(f.MessageType)
}

func (f *RewriteContentFilter) Execute(args *FilterArgs) (bool, error) {
	ok, err := f.matches(args)
	if err != nil || !ok {
		return false, err
	}

	if f.IsRemoveContent || f.ReplacePattern != "" {
		re, err := compileFold(f.MatchPattern)
		if err != nil {
			return false, err
		}
		args.Content = re.ReplaceAllString(args.Content, f.ReplacePattern)
	}

	args.IRCMessageType = f.messageType()
	return true, nil
}

// RedirectFilter copies matching statuses to another channel.
type RedirectFilter struct {
	FilterBase  `yaml:",inline"`
	ChannelName string `yaml:"channel"`
	MessageType string `yaml:"message_type,omitempty"`
	// Duplicate keeps normal delivery as well.
	Duplicate bool `yaml:"duplicate"`
}

func newRedirectFilter() *RedirectFilter {
	return &RedirectFilter{Duplicate: true}
}

func (f *RedirectFilter) Type() string  { return "redirect" }
func (f *RedirectFilter) Clone() Filter { c := *f; return &c }

func (f *RedirectFilter) String() string {
	return fmt.Sprintf("redirect %s channel=%s duplicate=%t", f.describe(),
		f.ChannelName, f.Duplicate)
}

func (f *RedirectFilter) Execute(args *FilterArgs) (bool, error) {
	if f.ChannelName == "" {
		return false, nil
	}

	ok, err := f.matches(args)
	if err != nil || !ok {
		return false, err
	}

	mt := args.IRCMessageType
	if f.MessageType != "" {
		mt = strings.ToUpper(f.MessageType)
	}

	nick := ""
	if args.User != nil {
		nick = args.User.ScreenName
	}
	prefix := Sender{Nick: nick, User: "twitter", Host: args.ServerName}.String()

	if args.Sender != nil {
		for _, line := range splitLines(args.Content) {
			args.Sender.Send(newTextMessage(mt, prefix, f.ChannelName, line))
		}
	}

	if !f.Duplicate {
		args.Drop = true
	}
	return true, nil
}

// Filters is the ordered rule chain.
type Filters struct {
	Items []Filter
}

// Execute runs enabled rules in order. It returns false if the status should
// be discarded.
func (fs *Filters) Execute(args *FilterArgs) bool {
	for i, f := range fs.Items {
		if !f.IsEnabled() {
			continue
		}

		executed, err := f.Execute(args)
		if err != nil {
			log.Warnf("%s", &FilterExecutionError{
				Filter: fmt.Sprintf("%d (%s)", i, f.Type()),
				Err:    err,
			})
			continue
		}

		if executed {
			log.Debugf("Filter %d executed: %s", i, f)
		}

		if args.Drop {
			return false
		}
	}

	return true
}

// newFilter makes an empty rule of the named type.
func newFilter(typ string) (Filter, error) {
	switch strings.ToLower(typ) {
	case "drop":
		return &DropFilter{FilterBase{Enabled: true}}, nil
	case "rewrite", "rewritecontent":
		return &RewriteContentFilter{FilterBase: FilterBase{Enabled: true}}, nil
	case "redirect":
		f := newRedirectFilter()
		f.Enabled = true
		return f, nil
	case "process":
		return newProcessFilter(), nil
	default:
		return nil, fmt.Errorf("unknown filter type: %s", typ)
	}
}

type filterType struct {
	Type string `yaml:"type"`
}

// MarshalYAML writes each rule as a mapping with a type key.
func (fs Filters) MarshalYAML() (interface{}, error) {
	nodes := make([]*yaml.Node, 0, len(fs.Items))

	for _, f := range fs.Items {
		var n yaml.Node
		if err := n.Encode(f); err != nil {
			return nil, errors.Wrapf(err, "error encoding %s filter", f.Type())
		}

		typeKey := &yaml.Node{Kind: yaml.ScalarNode, Value: "type"}
		typeVal := &yaml.Node{Kind: yaml.ScalarNode, Value: f.Type()}
		n.Content = append([]*yaml.Node{typeKey, typeVal}, n.Content...)

		nodes = append(nodes, &n)
	}

	return &yaml.Node{Kind: yaml.SequenceNode, Content: nodes}, nil
}

// UnmarshalYAML reads rules written by MarshalYAML.
func (fs *Filters) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("filters must be a list")
	}

	var items []Filter
	for _, n := range value.Content {
		var ft filterType
		if err := n.Decode(&ft); err != nil {
			return errors.Wrap(err, "error decoding filter type")
		}

		f, err := newFilter(ft.Type)
		if err != nil {
			return err
		}

		if err := n.Decode(f); err != nil {
			return errors.Wrapf(err, "error decoding %s filter", ft.Type)
		}

		items = append(items, f)
	}

	fs.Items = items
	return nil
}
