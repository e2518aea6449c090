package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// unitsim simulates a supervised service for stack testing: it comes up,
// turns healthy after a startup delay, and can be told to fail or exit.

type flagOptions struct {
	Listen         int `long:"listen" description:"serve an HTTP /health endpoint on this port"`
	StartupDelay   int `long:"startup-delay" description:"seconds before /health starts returning 200"`
	UnhealthyAfter int `long:"unhealthy-after" description:"seconds after which /health starts failing (0 = never)"`
	RunDuration    int `long:"run-duration" description:"seconds to run before exiting (0 = until a signal)"`
	ExitCode       int `long:"exit-code" description:"exit code to use when run duration elapses"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running unitsim, opts: %+v...\n", opts)

	startedAt := time.Now()

	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if opts.RunDuration > 0 {
		duration := time.Duration(opts.RunDuration) * time.Second
		fmt.Printf("Using RUN DURATION of %v\n", duration)
		ctx, cancel = context.WithTimeout(ctx, duration)
	}
	defer cancel()

	if opts.Listen > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			uptime := time.Since(startedAt)
			if uptime < time.Duration(opts.StartupDelay)*time.Second {
				http.Error(w, "still starting", http.StatusServiceUnavailable)
				return
			}
			if opts.UnhealthyAfter > 0 && uptime > time.Duration(opts.UnhealthyAfter)*time.Second {
				http.Error(w, "simulated failure", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, "ok")
		})

		server := &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", opts.Listen),
			Handler: mux,
		}
		go func() {
			fmt.Printf("Health endpoint listening on %s\n", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Printf("HTTP server failed: %v\n", err)
				os.Exit(1)
			}
		}()
		defer server.Close()
	}

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	select {
	case receivedSignal := <-sig:
		fmt.Printf("Received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("Run duration elapsed, exiting with code %d\n", opts.ExitCode)
		os.Exit(opts.ExitCode)
	}

	fmt.Println("Done")
}
