// Package client implements the operator console: it turns typed commands
// into manager commands and prints the manager's replies.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devrev/weatherdb/internal/bus"
	"github.com/devrev/weatherdb/internal/ingest"
	"github.com/devrev/weatherdb/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const usage = "usage: LOAD <path> | GET <date> | SHUTDOWN <node id>"

// Parse turns one console line into a manager command. LOAD resolves the
// file's format from its name and rejects files of unknown shape.
func Parse(line string) (model.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return model.Command{}, fmt.Errorf("empty command; %s", usage)
	}

	name := strings.ToUpper(fields[0])
	args := fields[1:]
	switch name {
	case model.CommandLoad:
		if len(args) != 1 {
			return model.Command{}, fmt.Errorf("LOAD takes one path; %s", usage)
		}
		format := ingest.DetectFormat(args[0])
		if format == "" {
			return model.Command{}, fmt.Errorf("unknown file format for %s", args[0])
		}
		return model.Command{Command: name, File: args[0], Format: format}, nil

	case model.CommandGet:
		if len(args) != 1 {
			return model.Command{}, fmt.Errorf("GET takes one date; %s", usage)
		}
		return model.Command{Command: name, Date: args[0]}, nil

	case model.CommandShutdown:
		if len(args) != 1 {
			return model.Command{}, fmt.Errorf("SHUTDOWN takes one node id; %s", usage)
		}
		id, err := strconv.Atoi(args[0])
		if err != nil || id < 0 {
			return model.Command{}, fmt.Errorf("invalid node id %q", args[0])
		}
		return model.Command{Command: name, StorageID: &id}, nil

	default:
		return model.Command{}, fmt.Errorf("unknown command %q; %s", fields[0], usage)
	}
}

// FormatReply renders a manager reply for the console
func FormatReply(r model.ClientReply) string {
	if r.Error != "" {
		return "error: " + r.Error
	}

	var text string
	if err := json.Unmarshal(r.Data, &text); err == nil {
		return text
	}

	var records []model.Record
	if err := json.Unmarshal(r.Data, &records); err == nil {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s: %d record(s)", r.Date, len(records))
		for _, rec := range records {
			sb.WriteString("\n  ")
			for i, name := range rec.FieldNames() {
				if i > 0 {
					sb.WriteString(" ")
				}
				fmt.Fprintf(&sb, "%s=%s", name, rec.Fields[name])
			}
		}
		return sb.String()
	}
	return string(r.Data)
}

// defaultLinger is how long Run keeps printing replies after input ends
const defaultLinger = 3 * time.Second

// Client sends console commands to the manager and prints its replies
type Client struct {
	bus    bus.Bus
	out    io.Writer
	mu     sync.Mutex
	linger time.Duration
	logger *zap.Logger
}

// New creates a console client writing to out
func New(b bus.Bus, out io.Writer, logger *zap.Logger) *Client {
	return &Client{bus: b, out: out, linger: defaultLinger, logger: logger}
}

func (c *Client) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Send parses line and publishes it to the manager. Parse errors are
// printed and returned; nothing is sent for them.
func (c *Client) Send(ctx context.Context, line string) error {
	cmd, err := Parse(line)
	if err != nil {
		c.println("error: " + err.Error())
		return err
	}
	if err := bus.Publish(ctx, c.bus, model.ManagerQueue, cmd); err != nil {
		c.println("error: failed to send command: " + err.Error())
		return fmt.Errorf("failed to send %s: %w", cmd.Command, err)
	}
	c.logger.Debug("Command sent", zap.String("command", cmd.Command))
	return nil
}

// Listen prints replies from the client queue until ctx is done
func (c *Client) Listen(ctx context.Context) error {
	return c.bus.Consume(ctx, model.ClientQueue, func(ctx context.Context, msg bus.Message) {
		var r model.ClientReply
		if err := msg.Decode(&r); err != nil {
			c.logger.Warn("Malformed reply", zap.Error(err))
			return
		}
		c.println(FormatReply(r))
	})
}

// Run reads commands from in until EOF or ctx is done, printing replies as
// they arrive. Bad lines are reported and skipped.
func (c *Client) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Listen(gctx)
	})
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// input ended; give outstanding replies a chance to arrive
					select {
					case <-time.After(c.linger):
					case <-gctx.Done():
					}
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				_ = c.Send(gctx, line)
			}
		}
	})
	return g.Wait()
}
