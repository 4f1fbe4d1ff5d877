// Command sdbus is a small debugging tool for bus endpoints: it can
// ping peers, introspect objects, invoke methods and monitor
// signals.
package main

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/kr/pretty"

	"github.com/sdbus-go/sdbus"
)

var globalArgs struct {
	UseUserBus bool   `flag:"user,Connect to the user bus instead of the system bus"`
	Address    string `flag:"address,Connect to an explicit bus address"`
	Timeout    int    `flag:"timeout,default=25,Call timeout in seconds"`
}

func busConn() (*sdbus.Conn, error) {
	if globalArgs.Address != "" {
		return sdbus.Dial(globalArgs.Address)
	}
	if globalArgs.UseUserBus {
		return sdbus.DefaultUser()
	}
	return sdbus.DefaultSystem()
}

func callTimeout() time.Duration {
	return time.Duration(globalArgs.Timeout) * time.Second
}

func main() {
	root := &command.C{
		Name:     "sdbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "names",
				Usage: "names [filter-regexp]",
				Help:  "List the names present on the bus.",
				Run:   runNames,
			},
			{
				Name:  "introspect",
				Usage: "introspect peer object",
				Help:  "Print the introspection data of an object.",
				Run:   command.Adapt(runIntrospect),
			},
			{
				Name:  "call",
				Usage: "call peer object interface method [args...]",
				Help: `Invoke a method and print the reply.

Arguments are passed as strings; methods with non-string signatures
must be invoked programmatically.`,
				Run: runCall,
			},
			{
				Name:  "monitor",
				Usage: "monitor [match-rule]",
				Help:  "Print signals as they arrive. The default rule matches all signals.",
				Run:   runMonitor,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	env := root.NewEnv(nil)
	command.RunOrFail(env, os.Args[1:])
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	call := sdbus.NewMethodCall(peer, "/", "org.freedesktop.DBus.Peer", "Ping")
	if _, err := conn.Call(call, callTimeout()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s: pong in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runNames(env *command.Env) error {
	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	names, err := conn.ListNames()
	if err != nil {
		return fmt.Errorf("listing names: %w", err)
	}
	if len(env.Args) > 0 {
		pf, err := regexp.Compile(env.Args[0])
		if err != nil {
			return err
		}
		names = slices.Collect(slice.Select(names, pf.MatchString))
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runIntrospect(env *command.Env, peer, object string) error {
	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	call := sdbus.NewMethodCall(peer, sdbus.ObjectPath(object), "org.freedesktop.DBus.Introspectable", "Introspect")
	reply, err := conn.Call(call, callTimeout())
	if err != nil {
		return fmt.Errorf("introspecting %s %s: %w", peer, object, err)
	}
	doc, ok := reply.Body[0].(string)
	if !ok {
		return fmt.Errorf("unexpected introspection reply %v", reply.Body)
	}
	fmt.Println(doc)
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return fmt.Errorf("usage: call peer object interface method [args...]")
	}
	peer, object, iface, method := env.Args[0], env.Args[1], env.Args[2], env.Args[3]
	args := make([]any, 0, len(env.Args)-4)
	for _, a := range env.Args[4:] {
		args = append(args, a)
	}

	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	call := sdbus.NewMethodCall(peer, sdbus.ObjectPath(object), iface, method, args...)
	reply, err := conn.Call(call, callTimeout())
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, method, err)
	}
	for _, v := range reply.Body {
		pretty.Println(v)
	}
	return nil
}

func runMonitor(env *command.Env) error {
	rule := "type='signal'"
	if len(env.Args) > 0 {
		rule = env.Args[0]
	}

	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	_, err = conn.AddMatch(rule, func(c *sdbus.Conn, m *sdbus.Message) (bool, error) {
		fmt.Printf("%s %s.%s from %s\n", m.Path, m.Interface, m.Member, m.Sender)
		for _, v := range m.Body {
			pretty.Println(v)
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("adding match: %w", err)
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	for {
		progress, _, err := conn.Process()
		if err != nil {
			return err
		}
		if !progress {
			if err := conn.Wait(-1); err != nil {
				return err
			}
		}
	}
}
