// Command webcom-chat is a minimal terminal chat client, ported from
// the original C SDK's examples/wcchat.c: it subscribes to a chat
// room's root path, prints every message as it arrives, and pushes
// whatever the user types as a new message.
//
// The original uses ncurses for a split chat/input view; this port
// uses a plain stdin/stdout scanner loop instead, in keeping with
// rigd/rig's own flag-and-stdio CLI style (no curses dependency
// anywhere in the corpus this SDK is grounded on).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/cedlm/webcom-go"
)

func main() {
	host := flag.String("host", "io.datasync.orange.com", "webcom server host")
	port := flag.Int("port", 443, "webcom server port")
	room := flag.String("room", "/", "chat room path")
	nick := flag.String("n", defaultNick(), "nickname shown next to your messages")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	onEvent := func(s webcom.ConnState) {
		fmt.Fprintf(os.Stderr, "[%s]\n", s)
	}

	wc, err := webcom.New(context.Background(), *host, *port, "chat", onEvent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webcom-chat: %v\n", err)
		os.Exit(1)
	}
	defer wc.Close()

	if _, err := wc.OnChildAdded(*room, func(path, key string, value any, prevKey string) {
		printMessage(value)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "webcom-chat: subscribe: %v\n", err)
		os.Exit(1)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Printf("connected as %q to %s:%d%s — type a message and press enter, /quit to exit\n", *nick, *host, *port, *room)

	for {
		select {
		case <-sigCh:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "/quit" {
				return
			}
			if _, err := wc.Push(context.Background(), *room, map[string]any{"name": *nick, "text": line}); err != nil {
				fmt.Fprintf(os.Stderr, "webcom-chat: send: %v\n", err)
			}
		}
	}
}

func printMessage(value any) {
	m, ok := value.(map[string]any)
	if !ok {
		return
	}
	name, _ := m["name"].(string)
	text, _ := m["text"].(string)
	if name == "" {
		name = "<anonymous>"
	}
	fmt.Printf("%15s: %s\n", name, text)
}

func defaultNick() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "C-SDK-demo"
}
