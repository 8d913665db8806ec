package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// console serializes prompts and asynchronous notices on one terminal.
type console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func newConsole() *console {
	return &console{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
		fd:  int(os.Stdin.Fd()),
	}
}

func (c *console) Printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, a...)
}

func (c *console) Println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, a...)
}

func (c *console) ReadInput(prompt string) (string, error) {
	c.Printf("%s", prompt)
	line, err := c.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ReadPassword disables echo on a terminal and falls back to a plain line
// read when stdin is piped.
func (c *console) ReadPassword(prompt string) (string, error) {
	if !term.IsTerminal(c.fd) {
		return c.ReadInput(prompt)
	}
	c.Printf("%s", prompt)
	pw, err := term.ReadPassword(c.fd)
	c.Println("")
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
