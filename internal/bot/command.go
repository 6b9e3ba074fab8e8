package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Request is one inbound chat message.
type Request struct {
	Subscriber int64  `json:"subscriber"`
	Name       string `json:"name,omitempty"`
	Private    bool   `json:"private"`
	Text       string `json:"text"`
}

// Reply is the answer to a request. HTML selects HTML parse mode.
type Reply struct {
	Text string `json:"text"`
	HTML bool   `json:"html,omitempty"`
}

// Arg describes one positional argument.
type Arg struct {
	Name     string
	Pattern  *regexp.Regexp
	Optional bool
}

// Handler runs a command with validated arguments keyed by Arg.Name.
type Handler func(ctx context.Context, req Request, args map[string]string) (Reply, error)

// Command is one entry of the command table.
type Command struct {
	Name    string
	Args    []Arg
	Help    string
	Handler Handler
}

// Usage renders "/name <arg> [opt]".
func (c Command) Usage() string {
	var b strings.Builder
	b.WriteString("/" + c.Name)
	for _, a := range c.Args {
		if a.Optional {
			fmt.Fprintf(&b, " [%s]", a.Name)
		} else {
			fmt.Fprintf(&b, " <%s>", a.Name)
		}
	}
	return b.String()
}

// bind validates fields against the argument schema.
func (c Command) bind(fields []string) (map[string]string, error) {
	if len(fields) > len(c.Args) {
		return nil, errUsage
	}
	args := make(map[string]string, len(c.Args))
	for i, a := range c.Args {
		if i >= len(fields) {
			if !a.Optional {
				return nil, errUsage
			}
			continue
		}
		if a.Pattern != nil && !a.Pattern.MatchString(fields[i]) {
			return nil, &invalidArgError{arg: a.Name, value: fields[i]}
		}
		args[a.Name] = fields[i]
	}
	return args, nil
}

// Table is the ordered, validated command set.
type Table struct {
	username string
	order    []*Command
	index    map[string]*Command
}

// NewTable builds a table. Names must be unique and non-empty.
func NewTable(username string, cmds ...Command) (*Table, error) {
	t := &Table{
		username: strings.ToLower(strings.TrimPrefix(username, "@")),
		index:    make(map[string]*Command, len(cmds)),
	}
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(c.Name)
		if name == "" || c.Handler == nil {
			return nil, fmt.Errorf("command %d: name and handler are required", i)
		}
		if _, dup := t.index[name]; dup {
			return nil, fmt.Errorf("command %q registered twice", name)
		}
		t.index[name] = c
		t.order = append(t.order, c)
	}
	return t, nil
}

// Commands returns the table in registration order.
func (t *Table) Commands() []Command {
	out := make([]Command, len(t.order))
	for i, c := range t.order {
		out[i] = *c
	}
	return out
}

// parse splits "/cmd@bot a b" into the command name and its fields. ok is
// false for non-commands and commands addressed to another bot.
func (t *Table) parse(text string) (name string, fields []string, ok bool) {
	fields = strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if t.username != "" && name[at+1:] != t.username {
			return "", nil, false
		}
		name = name[:at]
	}
	return name, fields[1:], name != ""
}
