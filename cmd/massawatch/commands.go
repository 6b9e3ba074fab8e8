package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"runtime/debug"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/massawatch"
	"github.com/loykin/massawatch/pkg/client"
)

const checkTimeout = 10 * time.Second

// command carries what every subcommand needs.
type command struct {
	flags *GlobalFlags
}

func (c command) config() (*massawatch.Config, error) {
	return massawatch.LoadConfig(c.flags.ConfigPath)
}

// Run starts the watcher and blocks until SIGINT or SIGTERM.
func (c command) Run(ctx context.Context) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	log := massawatch.NewLogger(cfg)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := massawatch.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("starting massawatch", "version", versionString(), "node", cfg.Node.Binary, "registry", cfg.Registry.DSN)
	return w.Run(ctx)
}

// Check probes the node API once and optionally queries addresses.
func (c command) Check(ctx context.Context, out io.Writer, flags CheckFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	client := massawatch.NewNodeClient(cfg.Node.RPCURL, cfg.Node.QueryTimeout)
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("node at %s is not reachable: %w", client.URL(), err)
	}
	_, _ = fmt.Fprintf(out, "node:    %s\n", st.NodeID)
	_, _ = fmt.Fprintf(out, "version: %s\n", st.Version)
	_, _ = fmt.Fprintf(out, "peers:   %d\n", st.Connected())
	if st.Connected() == 0 {
		_, _ = fmt.Fprintln(out, "status:  not live (no connected peers)")
	} else {
		_, _ = fmt.Fprintln(out, "status:  live")
	}
	if len(flags.Addresses) == 0 {
		return nil
	}

	infos, err := client.Addresses(ctx, flags.Addresses)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\nADDRESS\tBALANCE\tROLLS\tMISSED")
	for _, info := range infos {
		missed := "no"
		if massawatch.Degraded(info) {
			missed = "yes"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", info.Address, info.FinalBalance, info.FinalRollCount, missed)
	}
	return tw.Flush()
}

// Status queries a running instance through its admin API.
func (c command) Status(ctx context.Context, out io.Writer, flags StatusFlags) error {
	api := client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout})
	if flags.Subscriber != 0 {
		p, err := api.Subscriber(ctx, flags.Subscriber, flags.Page, 0)
		if err != nil {
			return err
		}
		if p.Pages == 0 {
			_, _ = fmt.Fprintf(out, "subscriber %d is not watching any address\n", flags.Subscriber)
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ADDRESS\tDEGRADED\tLAST_NOTIFIED")
		for _, w := range p.Watches {
			_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\n", w.Subject, w.Degraded, w.LastNotified.Format(time.RFC3339))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "page %d/%d\n", p.Page, p.Pages)
		return nil
	}

	st, err := api.Status(ctx)
	if err != nil {
		return err
	}
	if st.Node == nil {
		_, _ = fmt.Fprintln(out, "node:     no active session")
	} else {
		_, _ = fmt.Fprintf(out, "node:     %s (%s, pid %d, starts %d, failures %d)\n",
			st.Node.Name, st.Node.State, st.Node.PID, st.Node.Starts, st.Node.Failures)
	}
	_, _ = fmt.Fprintf(out, "pipeline: started=%t\n", st.PipelineStarted)
	_, _ = fmt.Fprintf(out, "registry: %d addresses, %d subscribers, %d watches\n",
		st.Registry.Subjects, st.Registry.Subscribers, st.Registry.Pairs)
	_, _ = fmt.Fprintf(out, "uptime:   %s\n", st.Uptime)
	return nil
}

// RegistryList prints the configured registry.
func (c command) RegistryList(ctx context.Context, out io.Writer, flags RegistryFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	st, err := massawatch.OpenStore(cfg.Registry.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	reg, err := massawatch.OpenRegistry(ctx, st)
	if err != nil {
		return err
	}

	if flags.Subscriber != 0 {
		subjects := reg.SubjectsFor(flags.Subscriber)
		if len(subjects) == 0 {
			_, _ = fmt.Fprintf(out, "subscriber %d is not watching any address\n", flags.Subscriber)
			return nil
		}
		for _, s := range subjects {
			_, _ = fmt.Fprintln(out, s)
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ADDRESS\tUSER\tON_FAILURE\tON_RECOVERY")
	for _, r := range reg.Rows() {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%t\t%t\n", r.Subject, r.Subscriber, r.OnFailure, r.OnRecovery)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	s := reg.Stats()
	_, _ = fmt.Fprintf(out, "%d addresses, %d subscribers, %d watches\n", s.Subjects, s.Subscribers, s.Pairs)
	return nil
}

// RegistryMigrate copies the configured registry into flags.To.
func (c command) RegistryMigrate(ctx context.Context, out io.Writer, flags RegistryFlags) error {
	if flags.To == "" {
		return errors.New("--to is required")
	}
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if flags.To == cfg.Registry.DSN {
		return errors.New("source and target registry are the same")
	}
	src, err := massawatch.OpenStore(cfg.Registry.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	reg, err := massawatch.OpenRegistry(ctx, src)
	if err != nil {
		return err
	}
	dst, err := massawatch.OpenStore(flags.To)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()
	if err := reg.Flush(ctx, dst); err != nil {
		return fmt.Errorf("write target registry: %w", err)
	}
	_, _ = fmt.Fprintf(out, "migrated %d watches to %s\n", reg.Stats().Pairs, flags.To)
	return nil
}

func versionString() string {
	if massawatch.Version != "dev" {
		return massawatch.Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return massawatch.Version
}
