package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/louisb0/rudp"
	"github.com/louisb0/rudp/internal/cliaddr"
)

func main() {
	var addr string
	var size int
	var pattern string

	root := &cobra.Command{
		Use:           "rudp-client",
		Short:         "connect to an rudp-server and send a cycling byte pattern",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, size, pattern)
		},
	}
	root.Flags().StringVar(&addr, "addr", "127.0.0.1:1234", "server address")
	root.Flags().IntVar(&size, "size", 5120, "number of bytes to send")
	root.Flags().StringVar(&pattern, "pattern", "A-Z", "cycling byte range, e.g. A-Z or a-z")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addrStr string, size int, pattern string) error {
	addr, err := cliaddr.Parse(addrStr)
	if err != nil {
		return errors.Wrap(err, "parse --addr")
	}
	lo, hi, err := parseRange(pattern)
	if err != nil {
		return errors.Wrap(err, "parse --pattern")
	}

	h := rudp.Socket()
	defer rudp.Close(h)

	if err := rudp.Connect(h, addr); err != nil {
		return errors.Wrap(err, "connect")
	}
	fmt.Printf("connected to %s\n", addrStr)

	payload := make([]byte, size)
	span := int(hi-lo) + 1
	for i := range payload {
		payload[i] = lo + byte(i%span)
	}

	sent := 0
	for sent < len(payload) {
		n, err := rudp.Send(h, payload[sent:])
		if err != nil {
			return errors.Wrap(err, "send")
		}
		sent += n
	}
	fmt.Printf("sent %d bytes\n", sent)
	return nil
}

func parseRange(s string) (lo, hi byte, err error) {
	if len(s) != 3 || s[1] != '-' {
		return 0, 0, errors.Errorf("invalid pattern %q, want e.g. A-Z", s)
	}
	lo, hi = s[0], s[2]
	if lo > hi {
		return 0, 0, errors.Errorf("invalid pattern %q: start > end", s)
	}
	return lo, hi, nil
}
