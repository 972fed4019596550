// gchat CLI - command line client for gchat
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/gchat/clients/go/gchat"
)

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("GCHAT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := gchat.NewClient(baseURL)
	cmd := os.Args[1]

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register", "login":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: gchat %s <username>\n", cmd)
			os.Exit(1)
		}
		password, err := readPassword(os.Stdin)
		exitOnError(err)

		var resp *gchat.SessionResponse
		if cmd == "register" {
			resp, err = client.Register(ctx, os.Args[2], password)
		} else {
			resp, err = client.Login(ctx, os.Args[2], password)
		}
		exitOnError(err)
		fmt.Printf("Signed in as %s\n", resp.Username)

	case "logout":
		exitOnError(client.Logout(ctx))
		fmt.Println("Signed out")

	case "whoami":
		name, err := client.Whoami(ctx)
		exitOnError(err)
		fmt.Println(name)

	case "read":
		messages, err := readRecent(ctx, client, 20)
		exitOnError(err)
		for _, msg := range messages {
			printMessage(msg)
		}

	case "post":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: gchat post <message>")
			os.Exit(1)
		}
		msg, err := client.Append(ctx, strings.Join(os.Args[2:], " "), ulid.Make().String())
		exitOnError(err)
		fmt.Printf("Posted: #%d\n", msg.ID)

	case "chat":
		cancel()
		exitOnError(runChat(client))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`gchat CLI - pull-based group chat

Usage: gchat <command> [options]

Commands:
  register <username>     Create an account and sign in
  login <username>        Sign in
  logout                  Sign out
  whoami                  Show the signed-in user
  read                    Print the latest messages
  post <message>          Send one message
  chat                    Interactive chat (/pending, /retry <id>, /quit)
  health                  Check server health

Environment:
  GCHAT_URL        Server URL (default: http://localhost:8080)
  GCHAT_CONFIG     Config directory (default: ~/.gchat)
  GCHAT_PASSWORD   Password for register/login (otherwise read from stdin)
  GCHAT_LOG_LEVEL  Client log level (default: warn)`)
}

func readPassword(r io.Reader) (string, error) {
	if pw := os.Getenv("GCHAT_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRecent walks the log from the start and keeps the last n messages.
func readRecent(ctx context.Context, client *gchat.Client, n int) ([]gchat.Message, error) {
	var recent []gchat.Message
	var cursor int64
	for {
		page, err := client.ReadSince(ctx, cursor, 200)
		if err != nil {
			return nil, err
		}
		recent = append(recent, page.Messages...)
		if len(recent) > n {
			recent = recent[len(recent)-n:]
		}
		if !page.HasMore || len(page.Messages) == 0 {
			return recent, nil
		}
		cursor = page.Cursor
	}
}

func printMessage(msg gchat.Message) {
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("2006-01-02 15:04:05"), msg.Author, msg.Text)
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("GCHAT_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func runChat(client *gchat.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := gchat.DefaultOptions()
	opts.Logger = newLogger()

	session := gchat.NewSession(client, client, opts)
	if err := session.Start(ctx); err != nil {
		if errors.Is(err, gchat.ErrAuth) {
			return fmt.Errorf("%w: run 'gchat login <username>' first", err)
		}
		return err
	}
	defer session.End()

	name, _ := client.CurrentIdentity()
	fmt.Printf("Chatting as %s. Type a message and press enter; /quit to leave.\n", name)

	r := newRenderer(os.Stdout)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Updates():
				r.render(session.Timeline(), session.PollFailures())
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(session, line); quit {
				waitForSends(session)
				return nil
			}
		}
	}
}

// waitForSends gives in-flight sends a chance to resolve before the session ends.
func waitForSends(session *gchat.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := session.Wait(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Leaving with messages still sending")
	}
}

// parseCommand splits a chat line into a slash command and its argument.
// Lines that are not a known command come back as a "say" command.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "/quit", "/pending", "/retry":
		return name, strings.TrimSpace(rest)
	}
	return "say", line
}

func handleLine(session *gchat.Session, line string) bool {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "/quit":
		return true
	case "/pending":
		listUnresolved(os.Stdout, session.Unresolved())
		return false
	case "/retry":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "Usage: /retry <id> (see /pending)")
			return false
		}
		if err := session.Retry(arg); err != nil {
			reportSendError(err)
		}
		return false
	}

	if arg == "" {
		return false
	}
	if _, err := session.Submit(arg); err != nil {
		reportSendError(err)
	}
	return false
}

func reportSendError(err error) {
	var throttled *gchat.ThrottledError
	switch {
	case errors.As(err, &throttled):
		fmt.Fprintf(os.Stderr, "Slow down: wait %ds\n", throttled.Seconds())
	case errors.Is(err, gchat.ErrAuth):
		fmt.Fprintln(os.Stderr, "Session expired: run 'gchat login <username>'")
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
