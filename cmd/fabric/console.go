package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/dispatch"
	"github.com/ergochat/readline"
	"github.com/spf13/cobra"
)

var ErrUsage = errors.New("usage")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("window"),
	readline.PcItem("drop"),
	readline.PcItem("init"),
	readline.PcItem("release"),
	readline.PcItem("channel"),
	readline.PcItem("unchannel"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const consoleHelp = `window <pipe> <id> [name]     create a window on a pipe
drop <pipe> <id>              destroy an uninitialized window
init <window>                 initialize a window's backend
release <window>              release a window's backend
channel <window> <id> [name]  create a channel
unchannel <window> <id>       destroy a channel
exit, quit                    leave the console
`

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// console turns command lines into requests to actors.
type console struct {
	d       *dispatch.Dispatcher
	timeout time.Duration
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad id %q", ErrUsage, s)
	}
	return id, nil
}

func parseIDs(args []string, n int) ([]uint64, string, error) {
	if len(args) < n || len(args) > n+1 {
		return nil, "", ErrUsage
	}
	ids := make([]uint64, n)
	for i := range ids {
		var err error
		if ids[i], err = parseID(args[i]); err != nil {
			return nil, "", err
		}
	}
	name := ""
	if len(args) > n {
		name = args[n]
	}
	return ids, name, nil
}

func (c *console) request(ctx context.Context, op command.Op, dest uint64, body any) (*command.Reply, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = command.Marshal(body); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	pend, err := c.d.Request(ctx, &command.Packet{Op: op, Dest: dest, Payload: payload})
	if err != nil {
		return nil, err
	}
	return pend.Wait(ctx)
}

// exec runs one command line and returns what to print. io.EOF ends the
// session.
func (c *console) exec(ctx context.Context, line string) (string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", nil
	}
	cmd, args := args[0], args[1:]

	var (
		op   command.Op
		dest uint64
		body any
		out  any
	)
	switch cmd {
	case "help":
		return consoleHelp, nil
	case "exit", "quit":
		return "", io.EOF
	case "window", "channel":
		ids, name, err := parseIDs(args, 2)
		if err != nil {
			return "", err
		}
		op, dest, body = command.OpPipeCreateWindow, ids[0], command.CreateChild{ID: ids[1], Name: name}
		if cmd == "channel" {
			op = command.OpWindowCreateChannel
		}
	case "drop", "unchannel":
		ids, name, err := parseIDs(args, 2)
		if err != nil || name != "" {
			return "", ErrUsage
		}
		op, dest, body = command.OpPipeDestroyWindow, ids[0], command.DestroyChild{ID: ids[1]}
		if cmd == "unchannel" {
			op = command.OpWindowDestroyChannel
		}
	case "init":
		ids, name, err := parseIDs(args, 1)
		if err != nil || name != "" {
			return "", ErrUsage
		}
		op, dest, out = command.OpWindowInit, ids[0], &command.InitReply{}
	case "release":
		ids, name, err := parseIDs(args, 1)
		if err != nil || name != "" {
			return "", ErrUsage
		}
		op, dest, out = command.OpWindowExit, ids[0], &command.ExitReply{}
	default:
		return "", fmt.Errorf("command unknown: %s", cmd)
	}

	reply, err := c.request(ctx, op, dest, body)
	if err != nil {
		return "", err
	}
	if err := reply.Err(); err != nil {
		return "", err
	}
	if out == nil {
		return "ok", nil
	}
	if err := reply.Decode(out); err != nil {
		return "", err
	}
	return fmt.Sprintf("ok %+v", out), nil
}

func consoleCmd() *cobra.Command {
	var (
		path    string
		connect string
		remote  uint64
		self    uint64
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive console issuing commands to actors",
		Long: `Without --connect the console runs a node in-process, hosting the
configured pipe. With --connect it joins the node at the address and sends
every request there.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			opts := nodeOptions{hostPipe: connect == ""}
			if connect != "" {
				if self == remote {
					return fmt.Errorf("%w: --id and --node are both %d", ErrUsage, self)
				}
				cfg.Node.ID = self
				cfg.Node.Listen = nil
				cfg.Node.Connect = []string{connect}
				opts.defaultNode = remote
			}
			n, err := openNode(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			defer n.Close()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "◌ ",
				HistoryFile:     ".fabric_cmd_log.txt",
				AutoComplete:    completer,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",

				HistorySearchFold:   true,
				FuncFilterInputRune: filterInput,
			})
			if err != nil {
				return err
			}
			defer rl.Close()
			rl.CaptureExitSignal()

			c := &console{d: n.disp, timeout: timeout}
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
					continue
				}
				if err != nil {
					return nil
				}
				out, err := c.exec(cmd.Context(), line)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
					continue
				}
				if out != "" {
					_, _ = fmt.Fprintln(os.Stdout, strings.TrimRight(out, "\n"))
				}
			}
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to the TOML config")
	cmd.Flags().StringVar(&connect, "connect", "", "address of a node to send requests to, e.g. tcp://127.0.0.1:7100")
	cmd.Flags().Uint64Var(&remote, "node", 1, "id of the node behind --connect")
	cmd.Flags().Uint64Var(&self, "id", 99, "node id of the console itself with --connect")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "reply timeout")
	return cmd
}
