package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codefionn/chatrelay/internal/socketclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := socketclient.DefaultConfig()
	flag.StringVar(&cfg.URL, "url", cfg.URL, "relay WebSocket endpoint")
	flag.StringVar(&cfg.Model, "model", "", "override the relay's model")
	flag.Parse()

	client, err := socketclient.NewController(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	done := make(chan struct{}, 1)

	client.SetUpdateCallback(func(chunk string) {
		fmt.Print(chunk)
	})
	client.SetDoneCallback(func(string) {
		fmt.Println()
		done <- struct{}{}
	})
	client.SetErrorCallback(func(reason string) {
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", reason)
		done <- struct{}{}
	})
	client.SetNoticeCallback(func(notice string) {
		fmt.Fprintf(os.Stderr, "(%s)\n", notice)
	})
	client.SetConnectionLostCallback(func(err error) {
		fmt.Fprintf(os.Stderr, "\nconnection lost: %v\n", err)
	})
	client.SetReconnectingCallback(func(attempt int) {
		fmt.Fprintf(os.Stderr, "reconnecting (attempt %d)...\n", attempt)
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Connected. Type a message, /clear to reset history, /quit to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			if err := client.ClearHistory(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			continue
		}

		if err := client.Send(line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		// Wait for the exchange to finish before prompting again.
		select {
		case <-done:
		case <-time.After(5 * time.Minute):
			fmt.Fprintln(os.Stderr, "timed out waiting for a response")
		}
	}
}
