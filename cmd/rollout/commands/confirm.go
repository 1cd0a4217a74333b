package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/openfroyo/rollout/pkg/engine"
)

// promptConfirmer asks on the terminal before a sequential play runs on a
// host. Answering "all" confirms the rest of the build.
type promptConfirmer struct {
	mu       sync.Mutex
	in       *bufio.Reader
	out      io.Writer
	tty      bool
	yesToAll bool
}

// newConfirmer returns nil when every host is confirmed up front.
func newConfirmer(yes bool) engine.Confirmer {
	if yes {
		return nil
	}
	return &promptConfirmer{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stderr,
		tty: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (c *promptConfirmer) Confirm(ctx context.Context, play, host string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.yesToAll {
		return true, nil
	}
	if !c.tty {
		return false, fmt.Errorf("play %s needs confirmation for host %s: run from a terminal or pass --yes", play, host)
	}

	answers := make(chan string, 1)
	for {
		fmt.Fprintf(c.out, "%s Run play %s on %s? [y/N/all] ",
			styleWarning.Render("?"), styleBold.Render(play), styleBold.Render(host))

		go func() {
			line, err := c.in.ReadString('\n')
			if err != nil && line == "" {
				line = "n"
			}
			answers <- line
		}()

		var answer string
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case answer = <-answers:
		}

		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		case "a", "all":
			c.yesToAll = true
			return true, nil
		case "", "n", "no":
			return false, nil
		}
		fmt.Fprintln(c.out, styleDim.Render("Please answer y, n or all."))
	}
}
