package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/cisagov/cyhy-db/internal/config"
	"github.com/cisagov/cyhy-db/internal/db"
	"github.com/cisagov/cyhy-db/internal/web"
)

const defaultDBPath = "cyhy.db"

func usage() string {
	return "Usage: cyhy-db <serve|hosts|tickets|snapshots|control>"
}

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(out, usage())
		return 1
	}

	command := strings.ToLower(args[1])
	switch command {
	case "serve":
		return runServe(args[2:], out, errOut)
	case "hosts":
		return runHosts(args[2:], out, errOut)
	case "tickets":
		return runTickets(args[2:], out, errOut)
	case "snapshots":
		return runSnapshots(args[2:], out, errOut)
	case "control":
		return runControl(args[2:], out, errOut)
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage())
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n", command)
		fmt.Fprintln(out, usage())
		return 1
	}
}

func runServe(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(errOut)
	cfgPath := fs.String("config", "cyhy-db.yml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(errOut, "load config: %v\n", err)
		return 1
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(errOut, "parse log level: %v\n", err)
		return 1
	}
	log.SetLevel(level)

	database, err := db.Open(cfg.Database)
	if err != nil {
		fmt.Fprintf(errOut, "open db: %v\n", err)
		return 1
	}
	defer database.Close()

	server := web.NewServer(database, log)
	fmt.Fprintf(out, "listening on %s\n", cfg.Listen)
	if err := http.ListenAndServe(cfg.Listen, server.Handler()); err != nil {
		fmt.Fprintf(errOut, "serve: %v\n", err)
		return 1
	}
	return 0
}

func runHosts(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("hosts", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dbPath := fs.String("db", defaultDBPath, "path to database file")
	owner := fs.String("owner", "", "owner to list hosts for")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *owner == "" {
		fmt.Fprintln(errOut, "hosts requires --owner")
		return 1
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(errOut, "open db: %v\n", err)
		return 1
	}
	defer database.Close()

	hosts, err := database.ListHostsByOwner(*owner)
	if err != nil {
		fmt.Fprintf(errOut, "list hosts: %v\n", err)
		return 1
	}
	for _, h := range hosts {
		up := "down"
		if h.State.Up {
			up = "up"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\tchanged %s\n",
			h.IPAddress, h.Stage, h.Status, up, humanize.Time(h.LastChange))
	}
	return 0
}

func runTickets(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("tickets", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dbPath := fs.String("db", defaultDBPath, "path to database file")
	owner := fs.String("owner", "", "owner to list open tickets for")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *owner == "" {
		fmt.Fprintln(errOut, "tickets requires --owner")
		return 1
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(errOut, "open db: %v\n", err)
		return 1
	}
	defer database.Close()

	ids, err := database.ListOpenTickets(*owner)
	if err != nil {
		fmt.Fprintf(errOut, "list tickets: %v\n", err)
		return 1
	}
	for _, id := range ids {
		ticket, found, err := database.GetTicket(id)
		if err != nil {
			fmt.Fprintf(errOut, "get ticket %s: %v\n", id, err)
			return 1
		}
		if !found {
			continue
		}
		fp := ""
		if ticket.FalsePositive {
			fp = "\t[false positive]"
		}
		fmt.Fprintf(out, "%s\t%s:%d/%s\t%s\topened %s%s\n",
			ticket.ID, ticket.IPAddress, ticket.Port, ticket.Protocol,
			ticket.Source, humanize.Time(ticket.TimeOpened), fp)
	}
	return 0
}

func runSnapshots(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dbPath := fs.String("db", defaultDBPath, "path to database file")
	owner := fs.String("owner", "", "owner to list snapshots for")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *owner == "" {
		fmt.Fprintln(errOut, "snapshots requires --owner")
		return 1
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(errOut, "open db: %v\n", err)
		return 1
	}
	defer database.Close()

	snapshots, err := database.ListSnapshots(*owner)
	if err != nil {
		fmt.Fprintf(errOut, "list snapshots: %v\n", err)
		return 1
	}
	for _, s := range snapshots {
		latest := ""
		if s.Latest {
			latest = "\t[latest]"
		}
		fmt.Fprintf(out, "%s\t%s hosts\tended %s%s\n",
			s.ID, humanize.Comma(int64(s.HostCount)), humanize.Time(s.EndTime), latest)
	}
	return 0
}

func runControl(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dbPath := fs.String("db", defaultDBPath, "path to database file")
	sender := fs.String("sender", "cyhy-db", "who is requesting the action")
	reason := fs.String("reason", "", "why the action is requested")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(errOut, "control requires an action: pause|stop")
		return 1
	}

	var action db.ControlAction
	switch strings.ToUpper(fs.Arg(0)) {
	case string(db.ControlPause):
		action = db.ControlPause
	case string(db.ControlStop):
		action = db.ControlStop
	default:
		fmt.Fprintf(errOut, "unknown control action: %s\n", fs.Arg(0))
		return 1
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(errOut, "open db: %v\n", err)
		return 1
	}
	defer database.Close()

	control, err := database.CreateControl(action, db.TargetCommander, *sender, *reason)
	if err != nil {
		fmt.Fprintf(errOut, "create control: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "requested %s\t%s\n", control.Action, control.ID)
	return 0
}
