// Command rudp-fuzz runs a loopback connection through the fault-injection
// simulator, for manual exercise of spec scenarios S2-S4 (loss, latency,
// and both combined).
package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/louisb0/rudp"
	"github.com/louisb0/rudp/internal/cliaddr"
	"github.com/louisb0/rudp/internal/simulator"
)

func main() {
	var addr string
	var size int
	var drop float64
	var minLatencyMs, maxLatencyMs uint16

	root := &cobra.Command{
		Use:           "rudp-fuzz",
		Short:         "loop back a connection through the fault-injection simulator",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, size, drop, minLatencyMs, maxLatencyMs)
		},
	}
	root.Flags().StringVar(&addr, "addr", "127.0.0.1:18234", "loopback address to use")
	root.Flags().IntVar(&size, "size", 5120, "number of bytes to send")
	root.Flags().Float64Var(&drop, "drop", 0, "drop probability in [0,1]")
	root.Flags().Uint16Var(&minLatencyMs, "min-latency-ms", 0, "minimum simulated latency")
	root.Flags().Uint16Var(&maxLatencyMs, "max-latency-ms", 0, "maximum simulated latency")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addrStr string, size int, drop float64, minLatencyMs, maxLatencyMs uint16) error {
	addr, err := cliaddr.Parse(addrStr)
	if err != nil {
		return errors.Wrap(err, "parse --addr")
	}

	simulator.Install()
	defer simulator.Uninstall()
	simulator.Configure(simulator.Config{
		Drop:         drop,
		MinLatencyMs: minLatencyMs,
		MaxLatencyMs: maxLatencyMs,
	})

	server := rudp.Socket()
	defer rudp.Close(server)
	if err := rudp.Bind(server, addr); err != nil {
		return errors.Wrap(err, "bind server")
	}
	if err := rudp.Listen(server, 1); err != nil {
		return errors.Wrap(err, "listen")
	}

	type acceptResult struct {
		h   rudp.Handle
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		h, _, err := rudp.Accept(server)
		accepted <- acceptResult{h, err}
	}()

	client := rudp.Socket()
	defer rudp.Close(client)

	start := time.Now()
	if err := rudp.Connect(client, addr); err != nil {
		return errors.Wrap(err, "connect")
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}
	go func() {
		sent := 0
		for sent < len(payload) {
			n, err := rudp.Send(client, payload[sent:])
			if err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				return
			}
			sent += n
		}
	}()

	res := <-accepted
	if res.err != nil {
		return errors.Wrap(res.err, "accept")
	}
	defer rudp.Close(res.h)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(got) < len(payload) {
		n, err := rudp.Recv(res.h, buf)
		if err != nil {
			return errors.Wrap(err, "recv")
		}
		got = append(got, buf[:n]...)
	}

	elapsed := time.Since(start)
	match := bytes.Equal(got, payload)
	fmt.Printf("received %d bytes in %s, bit-exact match: %v\n", len(got), elapsed, match)
	if !match {
		return errors.New("payload mismatch")
	}
	return nil
}
