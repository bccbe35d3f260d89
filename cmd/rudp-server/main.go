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
	var backlog int

	root := &cobra.Command{
		Use:           "rudp-server",
		Short:         "accept connections and print how many bytes each one sends",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, backlog)
		},
	}
	root.Flags().StringVar(&addr, "addr", "0.0.0.0:1234", "address to bind and listen on")
	root.Flags().IntVar(&backlog, "backlog", 1, "listen backlog")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addrStr string, backlog int) error {
	addr, err := cliaddr.Parse(addrStr)
	if err != nil {
		return errors.Wrap(err, "parse --addr")
	}

	h := rudp.Socket()
	defer rudp.Close(h)

	if err := rudp.Bind(h, addr); err != nil {
		return errors.Wrap(err, "bind")
	}
	if err := rudp.Listen(h, backlog); err != nil {
		return errors.Wrap(err, "listen")
	}

	fmt.Printf("listening on %s\n", addrStr)

	for {
		conn, peer, err := rudp.Accept(h)
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		fmt.Printf("accepted connection from %+v\n", peer)
		go echo(conn)
	}
}

func echo(h rudp.Handle) {
	defer rudp.Close(h)

	buf := make([]byte, 4096)
	total := 0
	for {
		n, err := rudp.Recv(h, buf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recv: %v\n", err)
			return
		}
		total += n
		fmt.Printf("received %d bytes (%d total)\n", n, total)
	}
}
