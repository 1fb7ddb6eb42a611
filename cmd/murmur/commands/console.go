package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"murmur/internal/services/identity"
)

const lineDepth = 16

// console multiplexes one input stream between chat lines and trust prompts.
// While a prompt is open the next line answers it instead of being sent.
type console struct {
	outMu sync.Mutex
	out   io.Writer

	lines chan string

	mu     sync.Mutex
	prompt chan string

	// askMu keeps one question on screen at a time.
	askMu sync.Mutex
}

func newConsole(out io.Writer) *console {
	return &console{
		out:   out,
		lines: make(chan string, lineDepth),
	}
}

// run reads in until EOF and closes lines.
func (c *console) run(in io.Reader) {
	defer close(c.lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		c.mu.Lock()
		p := c.prompt
		c.prompt = nil
		c.mu.Unlock()
		if p != nil {
			p <- line
			continue
		}
		c.lines <- line
	}
}

// Lines returns the chat lines not consumed by a prompt.
func (c *console) Lines() <-chan string { return c.lines }

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// ask prints question and waits for the next input line. ok is false when ctx
// ends first.
func (c *console) ask(ctx context.Context, question string) (answer string, ok bool) {
	c.askMu.Lock()
	defer c.askMu.Unlock()

	ch := make(chan string, 1)
	c.mu.Lock()
	c.prompt = ch
	c.mu.Unlock()
	c.printf("%s ", question)

	select {
	case answer = <-ch:
		return answer, true
	case <-ctx.Done():
		c.mu.Lock()
		if c.prompt == ch {
			c.prompt = nil
		}
		c.mu.Unlock()
		c.printf("\n(no answer, key refused)\n")
		return "", false
	}
}

// accept is the identity.Acceptor for interactive sessions. Anything but an
// explicit yes refuses the key.
func (c *console) accept(ctx context.Context, ch identity.Challenge) bool {
	switch ch.Verdict {
	case identity.VerdictChanged:
		c.printf("\n!!! The key of %s has CHANGED.\n"+
			"!!! This may be an attack, or the peer started a new identity.\n"+
			"    previous:  %s\n    presented: %s\n", ch.Peer, ch.Previous, ch.Presented)
	default:
		c.printf("\nFirst contact with %s\n    fingerprint: %s\n", ch.Peer, ch.Presented)
	}
	answer, ok := c.ask(ctx, "Trust this key? [y/N]")
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
