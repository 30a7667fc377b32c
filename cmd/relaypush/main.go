// Command relaypush sends one notification through a relay's public
// notify endpoint.
//
//	relaypush -s <key>[,<key>...] -t <title> -m <message|-> [-u <url>] [-backend <base url>]
//
// A message of "-" is read from standard input. The exit status is 0 on
// success, 1 when the relay could not be reached and 2 when the relay
// reported an error.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultBackend = "http://localhost:8080"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type notifyResponse struct {
	Messages int    `json:"messages"`
	Error    string `json:"error"`
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relaypush", flag.ContinueOnError)
	fs.SetOutput(stderr)
	source := fs.String("s", "", "source key, or comma separated keys")
	title := fs.String("t", "", "notification title")
	message := fs.String("m", "", `notification message; "-" reads standard input`)
	link := fs.String("u", "", "optional url")
	backend := fs.String("backend", envOr("RELAY_BACKEND", defaultBackend), "relay base url")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *source == "" || *title == "" {
		fmt.Fprintln(stderr, "relaypush: -s and -t are required")
		fs.Usage()
		return 2
	}

	body := *message
	if body == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "relaypush: reading stdin: %v\n", err)
			return 1
		}
		body = strings.TrimRight(string(raw), "\n")
	}

	form := url.Values{}
	form.Set("source", *source)
	form.Set("title", *title)
	form.Set("message", body)
	if *link != "" {
		form.Set("url", *link)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.PostForm(strings.TrimRight(*backend, "/")+"/notify", form)
	if err != nil {
		fmt.Fprintf(stderr, "relaypush: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var result notifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(stderr, "relaypush: unreadable response (status %d): %v\n", resp.StatusCode, err)
		return 1
	}
	if result.Error != "" {
		fmt.Fprintf(stderr, "relaypush: %s\n", result.Error)
		return 2
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "relaypush: relay answered %s\n", resp.Status)
		return 2
	}

	fmt.Fprintf(stdout, "sent %d message(s)\n", result.Messages)
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
