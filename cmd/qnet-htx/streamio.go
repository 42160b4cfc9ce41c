package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/qnetproto/qnet-htx/internal/mux"
)

// echoStdio opens one diagnostic stream over mx and pipes stdin/stdout
// through it until EOF, a stream error, or SIGINT/SIGTERM.
func echoStdio(parent context.Context, mx *mux.Mux) error {
	return echoAcceptedStream(parent, mx, mx.OpenStream())
}

// echoAcceptedStream pipes stdin/stdout through an already-open stream
// until EOF, a stream error, or SIGINT/SIGTERM.
func echoAcceptedStream(parent context.Context, mx *mux.Mux, st *mux.Stream) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sent, received atomic.Uint64
	defer func() {
		fmt.Fprintf(os.Stderr, "%s sent, %s received\n", humanize.Bytes(sent.Load()), humanize.Bytes(received.Load()))
	}()

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := st.Write(buf[:n]); werr != nil {
					readErr <- werr
					return
				}
				sent.Add(uint64(n))
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		default:
		}

		data, err := st.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, mux.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		received.Add(uint64(len(data)))
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
}
