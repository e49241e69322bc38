package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// Console is the interactive terminal: status, ack and exit are handled
// locally, every other line is an utterance.
type Console struct {
	o       *Orchestrator
	sensors SensorSource
	in      io.Reader
	out  io.Writer
	quit func()

	mu sync.Mutex
}

// NewConsole prints assistant turns to out. quit is called on exit|quit|q or EOF.
func NewConsole(o *Orchestrator, sensors SensorSource, in io.Reader, out io.Writer, quit func()) *Console {
	c := &Console{o: o, sensors: sensors, in: in, out: out, quit: quit}
	o.OnTurn(func(t entities.Turn) {
		if t.Role == entities.RoleAssistant {
			c.printf("Assistant: %s\n", t.Content)
		}
	})
	return c
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) Banner(model string) {
	c.printf("Smart Inspection - interactive mode (model %s)\n"+
		"  status        show sensors, LED and drone\n"+
		"  ack           acknowledge a landing fault\n"+
		"  exit|quit|q   stop\n"+
		"Anything else is sent to the assistant.\n", model)
}

// Run reads lines until ctx ends, the input closes or the user quits.
func (c *Console) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				c.quit()
				return
			}
			if !c.handle(ctx, strings.TrimSpace(line)) {
				c.quit()
				return
			}
		}
	}
}

// handle returns false when the console should stop.
func (c *Console) handle(ctx context.Context, line string) bool {
	switch strings.ToLower(line) {
	case "":
		return true
	case "exit", "quit", "q":
		c.printf("Goodbye.\n")
		return false
	case "status":
		st, err := c.o.Status(ctx)
		if err != nil {
			c.printf("status unavailable: %v\n", err)
			return true
		}
		c.printf("%s\n", FormatStatus(st, c.sensors.Poll(ctx)))
		return true
	case "ack":
		was, err := c.o.AcknowledgeFault(ctx)
		switch {
		case err != nil:
			c.printf("ack failed: %v\n", err)
		case !was:
			c.printf("No fault to acknowledge.\n")
		}
		return true
	}
	if err := c.o.Submit(ctx, line); err != nil {
		c.printf("not sent: %v\n", err)
	}
	return true
}
