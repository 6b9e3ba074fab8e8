package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/loykin/massawatch/internal/node"
	"github.com/loykin/massawatch/internal/notify"
	"github.com/loykin/massawatch/internal/registry"
)

const DefaultPageSize = 5

// AddressPattern matches a staking address.
var AddressPattern = regexp.MustCompile(`^AU[1-9A-HJ-NP-Za-hj-np-z]{51}$`)

var (
	pagePattern = regexp.MustCompile(`^[1-9][0-9]*$`)
	modePattern = regexp.MustCompile(`^(?i:failure|recovery|all)$`)

	errUsage = errors.New("usage")
)

type invalidArgError struct{ arg, value string }

func (e *invalidArgError) Error() string { return fmt.Sprintf("invalid %s: %s", e.arg, e.value) }

const (
	msgPrivateOnly = "I can only respond to private messages."
	msgUnknown     = "Unknown command. Use /help to list the available commands."
	msgStarting    = "The node is still starting, try again later."
	msgNoWatches   = "You are not watching any addresses.\nUse /watch <address> to start watching a staking address."
	msgQueryFailed = "Could not fetch the status right now, try again later."
)

// Deps are the collaborators the commands use.
type Deps struct {
	Registry  *registry.Registry
	Query     notify.Querier
	// EverAlive reports whether the node reached LIVE in this session.
	EverAlive func() bool
	PageSize  int
	Username  string
	Log       *slog.Logger
}

// Bot answers chat commands from its table.
type Bot struct {
	deps  Deps
	table *Table
	log   *slog.Logger
}

// New builds the bot with the standard command table.
func New(d Deps) (*Bot, error) {
	if d.Registry == nil {
		return nil, errors.New("bot: registry is required")
	}
	if d.PageSize <= 0 {
		d.PageSize = DefaultPageSize
	}
	if d.EverAlive == nil {
		d.EverAlive = func() bool { return true }
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	b := &Bot{deps: d, log: d.Log.With("component", "bot")}
	addr := Arg{Name: "address", Pattern: AddressPattern}
	table, err := NewTable(d.Username,
		Command{Name: "start", Help: "Start the bot", Handler: b.start},
		Command{Name: "help", Help: "Show available commands", Handler: b.help},
		Command{Name: "watch", Args: []Arg{addr, {Name: "mode", Pattern: modePattern, Optional: true}},
			Help: "Track a staking address (mode: failure, recovery or all)", Handler: b.watch},
		Command{Name: "unwatch", Args: []Arg{addr}, Help: "Stop tracking a staking address", Handler: b.unwatch},
		Command{Name: "status", Args: []Arg{{Name: "page", Pattern: pagePattern, Optional: true}},
			Help: "Show the status of your addresses", Handler: b.status},
	)
	if err != nil {
		return nil, err
	}
	b.table = table
	return b, nil
}

// Table exposes the command table.
func (b *Bot) Table() *Table { return b.table }

// Dispatch answers req. ok is false when the text is not a command for
// this bot; such messages get no reply.
func (b *Bot) Dispatch(ctx context.Context, req Request) (reply Reply, ok bool) {
	name, fields, ok := b.table.parse(req.Text)
	if !ok {
		return Reply{}, false
	}
	if !req.Private {
		return Reply{Text: msgPrivateOnly}, true
	}
	cmd, found := b.table.index[name]
	if !found {
		return Reply{Text: msgUnknown}, true
	}
	args, err := cmd.bind(fields)
	var inv *invalidArgError
	switch {
	case errors.Is(err, errUsage):
		return Reply{Text: "Usage: " + cmd.Usage()}, true
	case errors.As(err, &inv):
		return Reply{Text: fmt.Sprintf("Invalid %s: %s\nUsage: %s", inv.arg, inv.value, cmd.Usage())}, true
	}
	reply, err = cmd.Handler(ctx, req, args)
	if err != nil {
		b.log.Error("command failed", "command", name, "subscriber", req.Subscriber, "error", err)
		return Reply{Text: "Something went wrong, try again later."}, true
	}
	return reply, true
}

func (b *Bot) commandList(current string) string {
	lines := []string{"Available commands:"}
	for _, c := range b.table.order {
		help := c.Help
		if c.Name == current && current == "help" {
			help = "Show this menu"
		}
		lines = append(lines, c.Usage()+" - "+help)
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) start(_ context.Context, req Request, _ map[string]string) (Reply, error) {
	greet := "Hello!"
	if n := strings.TrimSpace(req.Name); n != "" {
		greet = "Hello, " + n + "!"
	}
	return Reply{Text: greet + "\nI am your Massa node watcher bot.\n\n" + b.commandList("start")}, nil
}

func (b *Bot) help(context.Context, Request, map[string]string) (Reply, error) {
	return Reply{Text: b.commandList("help")}, nil
}

func prefsFor(mode string) registry.Prefs {
	switch strings.ToLower(mode) {
	case "recovery":
		return registry.Prefs{OnRecovery: true}
	case "all":
		return registry.Prefs{OnFailure: true, OnRecovery: true}
	default:
		return registry.DefaultPrefs()
	}
}

func (b *Bot) watch(_ context.Context, req Request, args map[string]string) (Reply, error) {
	addr := args["address"]
	err := b.deps.Registry.Subscribe(addr, req.Subscriber, prefsFor(args["mode"]))
	if errors.Is(err, registry.ErrAlreadySubscribed) {
		return Reply{Text: "You are already watching address: " + addr}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	b.log.Info("watch added", "subscriber", req.Subscriber, "address", addr)
	return Reply{Text: "Started watching address: " + addr}, nil
}

func (b *Bot) unwatch(_ context.Context, req Request, args map[string]string) (Reply, error) {
	addr := args["address"]
	err := b.deps.Registry.Unsubscribe(addr, req.Subscriber)
	if errors.Is(err, registry.ErrNotSubscribed) {
		return Reply{Text: "You are not watching address: " + addr}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	b.log.Info("watch removed", "subscriber", req.Subscriber, "address", addr)
	return Reply{Text: "Stopped watching address: " + addr}, nil
}

func (b *Bot) status(ctx context.Context, req Request, args map[string]string) (Reply, error) {
	page := 1
	if p, ok := args["page"]; ok {
		page, _ = strconv.Atoi(p)
	}
	subjects, pages := b.deps.Registry.Page(req.Subscriber, page-1, b.deps.PageSize)
	if pages == 0 {
		return Reply{Text: msgNoWatches}, nil
	}
	if len(subjects) == 0 {
		return Reply{Text: fmt.Sprintf("There are only %d pages.", pages)}, nil
	}
	if !b.deps.EverAlive() || b.deps.Query == nil {
		return Reply{Text: msgStarting}, nil
	}
	infos, err := b.deps.Query.Addresses(ctx, subjects)
	if err != nil {
		b.log.Warn("status query failed", "subscriber", req.Subscriber, "error", err)
		return Reply{Text: msgQueryFailed}, nil
	}
	byAddr := make(map[string]node.AddressInfo, len(infos))
	for _, i := range infos {
		byAddr[i.Address] = i
	}
	parts := make([]string, 0, len(subjects)+1)
	for _, s := range subjects {
		if info, ok := byAddr[s]; ok {
			parts = append(parts, notify.FormatStatus(info))
		} else {
			parts = append(parts, "<code>"+s+"</code>: no information available.")
		}
	}
	if pages > 1 {
		parts = append(parts, fmt.Sprintf("Page %d/%d", page, pages))
	}
	return Reply{Text: strings.Join(parts, "\n\n"), HTML: true}, nil
}
