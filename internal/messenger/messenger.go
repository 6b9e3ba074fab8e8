package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/massawatch/internal/bot"
)

// ErrDisconnected is returned when the connection closes for good.
var ErrDisconnected = errors.New("messenger disconnected")

// Config selects the NATS server and the subject layout.
//
//	<prefix>.out.<subscriber>  outbound messages
//	<prefix>.admin             administrative messages
//	<prefix>.in                inbound commands (request/reply)
type Config struct {
	URL           string        `mapstructure:"url" toml:"url"`
	Prefix        string        `mapstructure:"prefix" toml:"prefix"`
	Name          string        `mapstructure:"name" toml:"name"`
	Admin         int64         `mapstructure:"admin" toml:"admin"`
	Username      string        `mapstructure:"username" toml:"username"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout" toml:"ack_timeout"`
	MaxReconnects int           `mapstructure:"max_reconnects" toml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" toml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" toml:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Prefix == "" {
		c.Prefix = "massawatch"
	}
	if c.Name == "" {
		c.Name = "massawatch"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Message is the payload published for one delivery.
type Message struct {
	Subscriber int64  `json:"subscriber"`
	Text       string `json:"text"`
	HTML       bool   `json:"html,omitempty"`
}

// Ack is the optional answer of the delivery bridge.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Conn is the messaging boundary of one session.
type Conn struct {
	nc   *nats.Conn
	cfg  Config
	log  *slog.Logger
	done chan struct{}

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect dials NATS. Done is closed once the client gives up reconnecting
// or Close is called.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Conn, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{cfg: cfg, log: log.With("component", "messenger"), done: make(chan struct{})}
	var once sync.Once
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("disconnected from NATS", "error", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			once.Do(func() { close(c.done) })
		}),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.nc = nc
	c.log.Info("connected to NATS", "url", nc.ConnectedUrl())
	return c, nil
}

// Subject returns the outbound subject for subscriber.
func (c *Conn) Subject(subscriber int64) string {
	return c.cfg.Prefix + ".out." + strconv.FormatInt(subscriber, 10)
}

func (c *Conn) AdminSubject() string   { return c.cfg.Prefix + ".admin" }
func (c *Conn) InboundSubject() string { return c.cfg.Prefix + ".in" }

// Done is closed when the connection is closed for good.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send delivers text to one subscriber as HTML.
func (c *Conn) Send(ctx context.Context, subscriber int64, text string) error {
	return c.publish(ctx, c.Subject(subscriber), Message{Subscriber: subscriber, Text: text, HTML: true})
}

// Notify sends text to the administrative channel.
func (c *Conn) Notify(ctx context.Context, text string) error {
	return c.publish(ctx, c.AdminSubject(), Message{Subscriber: c.cfg.Admin, Text: text})
}

func (c *Conn) publish(ctx context.Context, subject string, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if c.cfg.AckTimeout <= 0 {
		if err := c.nc.Publish(subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()
	resp, err := c.nc.RequestWithContext(rctx, subject, data)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", subject, err)
	}
	var ack Ack
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return fmt.Errorf("deliver %s: bad ack: %w", subject, err)
	}
	if !ack.OK {
		return fmt.Errorf("deliver %s: %s", subject, ack.Error)
	}
	return nil
}

// Dispatcher answers one inbound request; ok false means no reply.
type Dispatcher func(ctx context.Context, req bot.Request) (bot.Reply, bool)

// Serve subscribes to inbound commands. Replies go to the request's reply
// subject, or to the sender's outbound subject when there is none.
// Requests are handled one at a time.
func (c *Conn) Serve(ctx context.Context, handle Dispatcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return errors.New("messenger: already serving")
	}
	sub, err := c.nc.Subscribe(c.InboundSubject(), func(msg *nats.Msg) {
		var req bot.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.log.Warn("dropping malformed request", "error", err)
			return
		}
		reply, ok := handle(ctx, req)
		if !ok {
			return
		}
		if msg.Reply == "" {
			if err := c.publish(ctx, c.Subject(req.Subscriber), Message{Subscriber: req.Subscriber, Text: reply.Text, HTML: reply.HTML}); err != nil {
				c.log.Warn("reply failed", "subscriber", req.Subscriber, "error", err)
			}
			return
		}
		data, _ := json.Marshal(Message{Subscriber: req.Subscriber, Text: reply.Text, HTML: reply.HTML})
		if err := msg.Respond(data); err != nil {
			c.log.Warn("reply failed", "subscriber", req.Subscriber, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.InboundSubject(), err)
	}
	c.sub = sub
	return c.nc.Flush()
}

// Wait blocks until ctx is done or the connection is lost. It returns
// ctx.Err() or ErrDisconnected.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrDisconnected
	}
}

// Connected reports the live connection status.
func (c *Conn) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

// Close drains the inbound subscription and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.log.Warn("unsubscribe failed", "error", err)
		}
	}
	if c.nc != nil && !c.nc.IsClosed() {
		if err := c.nc.FlushTimeout(c.cfg.Timeout); err != nil {
			c.log.Debug("flush before close failed", "error", err)
		}
		c.nc.Close()
	}
	return nil
}
