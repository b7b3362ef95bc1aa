package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// consoleChannel is where the user types console commands.
const consoleChannel = "#Console"

// commandShape is how a console command wants its arguments.
type commandShape int

const (
	// shapeRaw passes everything after the command name as one string.
	shapeRaw commandShape = iota
	// shapeArgs passes the words after the command name.
	shapeArgs
	// shapePositional checks and converts a fixed list of parameters.
	shapePositional
)

type paramKind int

const (
	paramString paramKind = iota
	paramInt
)

// consoleCall is one invocation of a console command.
type consoleCall struct {
	Raw  string
	Args []string

	values []interface{}
}

func (c *consoleCall) String(i int) string { return c.values[i].(string) }
func (c *consoleCall) Int(i int) int64     { return c.values[i].(int64) }

type consoleCommand struct {
	name    string
	usage   string
	help    string
	shape   commandShape
	params  []paramKind
	handler func(call *consoleCall) error
}

// consoleAddIn lets the user manage their session by typing commands into
// a special channel.
type consoleAddIn struct {
	session  *Session
	subs     Subscriptions
	commands map[string]*consoleCommand
}

func (a *consoleAddIn) Name() string { return "console" }

func (a *consoleAddIn) Initialize(s *Session) error {
	a.session = s
	a.registerCommands()

	if err := a.ensureChannel(); err != nil {
		return err
	}

	a.subs = Subscriptions{s.PreMessageReceived.Subscribe(a.onMessage)}
	return nil
}

// ensureChannel makes sure the console channel exists and is never routed
// to.
func (a *consoleAddIn) ensureChannel() error {
	var err error
	a.session.WithGroups(func(gs *Groups) {
		var g *Group
		g, err = gs.GetOrCreate(consoleChannel)
		if err != nil {
			return
		}
		g.IsSpecial = true
		g.IsJoined = true
	})
	if err != nil {
		return errors.Wrap(err, "unable to create console channel")
	}
	return nil
}

func (a *consoleAddIn) Uninitialize() {
	a.subs.UnsubscribeAll()
}

// onMessage swallows anything said in the console channel and runs it.
func (a *consoleAddIn) onMessage(ev *MessageEvent) error {
	m := ev.Message
	if m.Command != "PRIVMSG" || len(m.Params) < 2 {
		return nil
	}
	if canonicalizeChannel(m.Params[0]) != canonicalizeChannel(consoleChannel) {
		return nil
	}

	ev.Cancel = true
	a.execute(m.Params[1])
	return nil
}

func (a *consoleAddIn) reply(format string, args ...interface{}) {
	prefix := Sender{
		Nick: "Console",
		User: "console",
		Host: a.session.serverName(),
	}.String()

	for _, line := range splitLines(fmt.Sprintf(format, args...)) {
		a.session.Send(newNotice(prefix, consoleChannel, line))
	}
}

func (a *consoleAddIn) register(c *consoleCommand) {
	a.commands[c.name] = c
}

// execute parses a line and runs the command it names.
func (a *consoleAddIn) execute(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	name, raw := line, ""
	if idx := strings.IndexAny(line, " \t"); idx != -1 {
		name, raw = line[:idx], strings.TrimSpace(line[idx+1:])
	}

	cmd, exists := a.commands[strings.ToLower(name)]
	if !exists {
		a.reply("Unknown command: %s. Try help.", name)
		return
	}

	call := &consoleCall{Raw: raw, Args: strings.Fields(raw)}

	if cmd.shape == shapePositional {
		if len(call.Args) != len(cmd.params) {
			a.reply("Usage: %s", cmd.usage)
			return
		}
		for i, kind := range cmd.params {
			switch kind {
			case paramInt:
				n, err := strconv.ParseInt(call.Args[i], 10, 64)
				if err != nil {
					a.reply("Usage: %s", cmd.usage)
					return
				}
				call.values = append(call.values, n)
			default:
				call.values = append(call.values, call.Args[i])
			}
		}
	}

	if err := cmd.handler(call); err != nil {
		a.reply("%s: %s", cmd.name, err)
	}
}

func (a *consoleAddIn) registerCommands() {
	a.commands = map[string]*consoleCommand{}

	a.register(&consoleCommand{
		name: "help", usage: "help", help: "List commands.",
		shape: shapeRaw, handler: a.helpCommand,
	})
	a.register(&consoleCommand{
		name: "show", usage: "show [key]", help: "Show settings.",
		shape: shapeArgs, handler: a.showCommand,
	})
	a.register(&consoleCommand{
		name: "set", usage: "set <key> <value>", help: "Change a setting.",
		shape: shapeArgs, handler: a.setCommand,
	})
	a.register(&consoleCommand{
		name: "groups", usage: "groups", help: "List groups.",
		shape: shapeRaw, handler: a.groupsCommand,
	})
	a.register(&consoleCommand{
		name: "filters", usage: "filters", help: "List filters.",
		shape: shapeRaw, handler: a.filtersCommand,
	})
	a.register(&consoleCommand{
		name:    "filter-add",
		usage:   "filter-add <type> <field=value>...",
		help:    "Add a filter. Types: drop, rewrite, redirect, process.",
		shape:   shapeArgs,
		handler: a.filterAddCommand,
	})
	a.register(&consoleCommand{
		name: "filter-remove", usage: "filter-remove <index>",
		help: "Remove a filter.", shape: shapePositional,
		params: []paramKind{paramInt}, handler: a.filterRemoveCommand,
	})
	a.register(&consoleCommand{
		name: "filter-enable", usage: "filter-enable <index>",
		help: "Enable a filter.", shape: shapePositional,
		params:  []paramKind{paramInt},
		handler: func(call *consoleCall) error { return a.setFilterEnabled(call, true) },
	})
	a.register(&consoleCommand{
		name: "filter-disable", usage: "filter-disable <index>",
		help: "Disable a filter.", shape: shapePositional,
		params:  []paramKind{paramInt},
		handler: func(call *consoleCall) error { return a.setFilterEnabled(call, false) },
	})

	svc := a.session.svc

	userActions := []struct {
		name string
		help string
		fn   func(ctx context.Context, screenName string) (*User, error)
	}{
		{"follow", "Follow a user.", svc.CreateFriendship},
		{"unfollow", "Stop following a user.", svc.DestroyFriendship},
		{"block", "Block a user.", svc.CreateBlock},
		{"unblock", "Unblock a user.", svc.DestroyBlock},
	}
	for _, ua := range userActions {
		ua := ua
		a.register(&consoleCommand{
			name: ua.name, usage: ua.name + " <screen-name>", help: ua.help,
			shape: shapePositional, params: []paramKind{paramString},
			handler: func(call *consoleCall) error {
				return a.userAction(ua.name, ua.fn, call.String(0))
			},
		})
	}

	statusActions := []struct {
		name string
		help string
		fn   func(ctx context.Context, id int64) (*Status, error)
	}{
		{"fav", "Favorite a status.", svc.CreateFavorite},
		{"unfav", "Unfavorite a status.", svc.DestroyFavorite},
		{"retweet", "Retweet a status.", svc.Retweet},
	}
	for _, sa := range statusActions {
		sa := sa
		a.register(&consoleCommand{
			name: sa.name, usage: sa.name + " <id>", help: sa.help,
			shape: shapePositional, params: []paramKind{paramInt},
			handler: func(call *consoleCall) error {
				return a.statusAction(sa.name, sa.fn, call.Int(0))
			},
		})
	}

	a.register(&consoleCommand{
		name: "cancel", usage: "cancel", help: "Cancel the pending post.",
		shape: shapeRaw, handler: a.cancelCommand,
	})
	a.register(&consoleCommand{
		name: "reload", usage: "reload", help: "Reload saved settings.",
		shape: shapeRaw, handler: a.reloadCommand,
	})
}

func (a *consoleAddIn) helpCommand(*consoleCall) error {
	names := make([]string, 0, len(a.commands))
	for name := range a.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := a.commands[name]
		a.reply("%s - %s", c.usage, c.help)
	}
	return nil
}

func (a *consoleAddIn) showCommand(call *consoleCall) error {
	cfg := a.session.Config()

	if len(call.Args) > 0 {
		v, err := cfg.Get(call.Args[0])
		if err != nil {
			return err
		}
		a.reply("%s = %s", call.Args[0], v)
		return nil
	}

	for _, name := range settingNames() {
		v, err := cfg.Get(name)
		if err != nil {
			return err
		}
		a.reply("%s = %s", name, v)
	}
	return nil
}

func (a *consoleAddIn) setCommand(call *consoleCall) error {
	if len(call.Args) < 2 {
		return fmt.Errorf("usage: set <key> <value>")
	}

	key := call.Args[0]
	value := strings.TrimSpace(strings.TrimPrefix(call.Raw, key))

	if err := a.session.UpdateConfig(func(c *UserConfig) error {
		return c.Set(key, value)
	}); err != nil {
		return err
	}

	a.reply("%s = %s", key, value)
	return nil
}

func (a *consoleAddIn) groupsCommand(*consoleCall) error {
	var lines []string
	a.session.WithGroups(func(gs *Groups) {
		for _, g := range gs.All() {
			lines = append(lines, fmt.Sprintf("%s joined=%t members=%d modes=%s topic=%s",
				g.Name, g.IsJoined, len(g.Members), g.ModeString(), g.Topic))
		}
	})

	if len(lines) == 0 {
		a.reply("No groups.")
		return nil
	}
	for _, l := range lines {
		a.reply("%s", l)
	}
	return nil
}

func (a *consoleAddIn) filtersCommand(*consoleCall) error {
	var lines []string
	a.session.WithFilters(func(fs *Filters) {
		for i, f := range fs.Items {
			lines = append(lines, fmt.Sprintf("%d: enabled=%t %s", i, f.IsEnabled(),
				f))
		}
	})

	if len(lines) == 0 {
		a.reply("No filters.")
		return nil
	}
	for _, l := range lines {
		a.reply("%s", l)
	}
	return nil
}

// filterAddCommand builds a filter from field=value pairs. The field names
// are those the filter is saved with.
func (a *consoleAddIn) filterAddCommand(call *consoleCall) error {
	if len(call.Args) < 1 {
		return fmt.Errorf("usage: filter-add <type> <field=value>...")
	}

	f, err := newFilter(call.Args[0])
	if err != nil {
		return err
	}

	node, err := fieldsNode(call.Args[1:])
	if err != nil {
		return err
	}
	if err := node.Decode(f); err != nil {
		return errors.Wrap(err, "invalid filter fields")
	}

	index := 0
	a.session.WithFilters(func(fs *Filters) {
		fs.Items = append(fs.Items, f)
		index = len(fs.Items) - 1
	})
	a.session.SaveFilters()

	a.reply("Added filter %d: %s", index, f)
	return nil
}

// fieldsNode turns field=value pairs into a YAML mapping. Values are plain
// scalars so they resolve to the field's type. A value with commas becomes
// a list for the arguments field.
func fieldsNode(pairs []string) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	for _, pair := range pairs {
		idx := strings.Index(pair, "=")
		if idx < 1 {
			return nil, fmt.Errorf("expected field=value: %s", pair)
		}
		key, value := pair[:idx], pair[idx+1:]

		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}

		var valueNode *yaml.Node
		if key == "arguments" {
			valueNode = &yaml.Node{Kind: yaml.SequenceNode}
			for _, arg := range commaSplit(value) {
				valueNode.Content = append(valueNode.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: arg, Style: yaml.DoubleQuotedStyle})
			}
		} else {
			valueNode = &yaml.Node{Kind: yaml.ScalarNode, Value: value}
		}

		node.Content = append(node.Content, keyNode, valueNode)
	}

	return node, nil
}

func (a *consoleAddIn) filterRemoveCommand(call *consoleCall) error {
	index := int(call.Int(0))

	ok := false
	a.session.WithFilters(func(fs *Filters) {
		if index < 0 || index >= len(fs.Items) {
			return
		}
		fs.Items = append(fs.Items[:index], fs.Items[index+1:]...)
		ok = true
	})
	if !ok {
		return fmt.Errorf("no filter %d", index)
	}

	a.session.SaveFilters()
	a.reply("Removed filter %d", index)
	return nil
}

func (a *consoleAddIn) setFilterEnabled(call *consoleCall, enabled bool) error {
	index := int(call.Int(0))

	ok := false
	a.session.WithFilters(func(fs *Filters) {
		if index < 0 || index >= len(fs.Items) {
			return
		}
		fs.Items[index].SetEnabled(enabled)
		ok = true
	})
	if !ok {
		return fmt.Errorf("no filter %d", index)
	}

	a.session.SaveFilters()
	a.reply("Filter %d enabled=%t", index, enabled)
	return nil
}

func (a *consoleAddIn) userAction(
	name string,
	fn func(ctx context.Context, screenName string) (*User, error),
	screenName string,
) error {
	ctx, cancel := a.session.apiContext()
	defer cancel()

	u, err := fn(ctx, screenName)
	if err != nil {
		return err
	}
	if u != nil {
		screenName = u.ScreenName
	}
	a.reply("%s: %s", name, screenName)
	return nil
}

func (a *consoleAddIn) statusAction(
	name string,
	fn func(ctx context.Context, id int64) (*Status, error),
	id int64,
) error {
	ctx, cancel := a.session.apiContext()
	defer cancel()

	st, err := fn(ctx, id)
	if err != nil {
		return err
	}

	if st == nil {
		st, _ = a.session.lookupStatus(id)
	}
	if st != nil && st.User != nil {
		a.reply("%s: %s: %s", name, st.User.ScreenName, st.Text)
		return nil
	}
	a.reply("%s: %d", name, id)
	return nil
}

func (a *consoleAddIn) cancelCommand(*consoleCall) error {
	if a.session.tryCancelDeferredUpdate() {
		a.reply("Canceled the pending post.")
		return nil
	}
	a.reply("Nothing to cancel.")
	return nil
}

func (a *consoleAddIn) reloadCommand(*consoleCall) error {
	a.session.reload()
	if err := a.ensureChannel(); err != nil {
		return err
	}
	a.reply("Reloaded.")
	return nil
}
