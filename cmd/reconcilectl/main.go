// Command reconcilectl is an interactive admin console for a running
// reconciled daemon: it dials the wire protocol over TCP and exposes
// notify/conflicts/resolve/flush as readline commands.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/wire"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("connect"),
	readline.PcItem("notify"),
	readline.PcItem("conflicts"),
	readline.PcItem("resolve"),
	readline.PcItem("flush"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

// client holds the single connection reconcilectl speaks the wire protocol
// over; every command is one request/reply round trip.
type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(addr string) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *client) roundTrip(kind wire.Kind, body []byte) (bool, []byte, error) {
	if err := wire.WriteMessage(c.conn, byte(kind), body); err != nil {
		return false, nil, err
	}
	tag, respBody, err := wire.ReadMessage(c.r)
	if err != nil {
		return false, nil, err
	}
	return tag == wire.SuccessFlag, respBody, nil
}

func (c *client) close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "reconcilectl> ",
		HistoryFile:         "/tmp/reconcilectl_history.tmp",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	var conn *client
	if len(os.Args) > 1 {
		conn, err = dial(os.Args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect:", err)
		}
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		cmd := args[0]
		args = args[1:]

		switch cmd {
		case "help":
			printHelp()
		case "connect":
			if len(args) != 1 {
				fmt.Fprintln(os.Stderr, "usage: connect host:port")
				continue
			}
			_ = conn.close()
			conn, err = dial(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, "connect:", err)
				continue
			}
			fmt.Println("connected to", args[0])
		case "notify":
			runNotify(conn, args)
		case "conflicts":
			runConflicts(conn, args)
		case "resolve":
			runResolve(conn, args)
		case "flush":
			runFlush(conn, args)
		case "exit", "quit":
			_ = conn.close()
			return
		default:
			fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}
	}
	_ = conn.close()
}

func printHelp() {
	fmt.Println(`commands:
  connect host:port              dial a reconciled daemon
  notify entity source fk        report a change at a source
  conflicts                      list unresolved conflicts
  resolve diffid opid [opid...]  apply the named rejected ops
  flush                          drain the work queue synchronously
  exit, quit                     leave reconcilectl`)
}

func requireConn(c *client) bool {
	if c == nil {
		fmt.Fprintln(os.Stderr, "not connected: use \"connect host:port\" first")
		return false
	}
	return true
}

func runNotify(c *client, args []string) {
	if !requireConn(c) {
		return
	}
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: notify entity source fk")
		return
	}
	body := wire.EncodeNotify(wire.NotifyRequest{
		Entity:     model.EntityName(args[0]),
		Source:     model.SourceName(args[1]),
		ForeignKey: model.ForeignKey(args[2]),
	})
	ok, respBody, err := c.roundTrip(wire.KindNotify, body)
	reportResult(ok, respBody, err)
}

func runFlush(c *client, args []string) {
	if !requireConn(c) {
		return
	}
	ok, respBody, err := c.roundTrip(wire.KindFlushWorkQueue, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if !ok {
		reportFailure(respBody)
		return
	}
	n, err := wire.DecodeFlushResult(respBody)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Printf("flushed %d work item(s)\n", n)
}

func runConflicts(c *client, args []string) {
	if !requireConn(c) {
		return
	}
	ok, respBody, err := c.roundTrip(wire.KindListConflicts, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if !ok {
		reportFailure(respBody)
		return
	}
	entries, err := wire.DecodeListConflicts(respBody)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no conflicts")
		return
	}
	for _, e := range entries {
		fmt.Printf("diff %d: applied %q, %d rejected op(s)\n", e.DiffID, e.Applied.Label, len(e.Rejected))
		for _, r := range e.Rejected {
			fmt.Printf("  op %d: %v %s <- %s (from %s)\n", r.OpID, r.Op.Kind, r.Op.Path, r.Op.NewValue, r.Op.Label)
		}
	}
}

func runResolve(c *client, args []string) {
	if !requireConn(c) {
		return
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: resolve diffid opid [opid...]")
		return
	}
	did, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad diffid:", err)
		return
	}
	opIDs := make([]model.OpID, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad opid:", err)
			return
		}
		opIDs = append(opIDs, model.OpID(v))
	}
	body := wire.EncodeResolve(wire.ResolveRequest{DiffID: model.DiffID(did), OpIDs: opIDs})
	ok, respBody, err := c.roundTrip(wire.KindResolve, body)
	reportResult(ok, respBody, err)
}

func reportResult(ok bool, respBody []byte, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if !ok {
		reportFailure(respBody)
		return
	}
	fmt.Println("ok")
}

func reportFailure(body []byte) {
	if err := wire.DecodeErrorBody(body); err != nil {
		fmt.Fprintln(os.Stderr, "failed:", err)
		return
	}
	fmt.Fprintln(os.Stderr, "failed")
}
