package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/uiapi"
)

func main() {
	addr := flag.String("addr", "localhost:50070", "callsession gRPC address")
	watch := flag.Bool("watch", true, "print every published snapshot")
	timeout := flag.Duration("timeout", 15*time.Second, "per-command timeout")
	flag.Parse()

	client, err := uiapi.NewClient(*addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *watch {
		go func() {
			err := client.Watch(ctx, func(s call.Snapshot) error {
				printSnapshot("update", s)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("Watch ended: %v", err)
			}
		}()
	}

	log.Println("===== callctl =====")
	log.Printf("  Daemon: %s", *addr)
	log.Println("Type 'help' for commands")

	go commandLoop(ctx, client, *timeout, stop)
	<-ctx.Done()
}

// commandLoop reads commands from stdin
func commandLoop(ctx context.Context, client *uiapi.Client, timeout time.Duration, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)

		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		switch strings.ToLower(parts[0]) {
		case "dial":
			if len(parts) < 2 {
				fmt.Println("Usage: dial <handle> [video]")
				break
			}
			video := len(parts) >= 3 && strings.EqualFold(parts[2], "video")
			report("dial", func() (call.Snapshot, error) { return client.StartOutbound(cmdCtx, parts[1], video) })

		case "answer", "end", "hangup", "flip":
			report(parts[0], func() (call.Snapshot, error) {
				return client.Submit(cmdCtx, uiapi.Intent{Name: parts[0]})
			})

		case "hold", "unhold":
			report(parts[0], func() (call.Snapshot, error) {
				return client.Submit(cmdCtx, uiapi.Intent{Name: "hold", Hold: parts[0] == "hold"})
			})

		case "mute", "unmute":
			media := "audio"
			if len(parts) >= 2 {
				media = parts[1]
			}
			report(parts[0], func() (call.Snapshot, error) {
				return client.Submit(cmdCtx, uiapi.Intent{Name: "mute", Media: media, Muted: parts[0] == "mute"})
			})

		case "dtmf":
			if len(parts) < 2 {
				fmt.Println("Usage: dtmf <digits>")
				break
			}
			report("dtmf", func() (call.Snapshot, error) {
				return client.Submit(cmdCtx, uiapi.Intent{Name: "dtmf", Digits: parts[1]})
			})

		case "show":
			report("show", func() (call.Snapshot, error) { return client.Snapshot(cmdCtx) })

		case "quit", "exit":
			cancel()
			stop()
			return

		case "help":
			fmt.Println("Commands:")
			fmt.Println("  dial <handle> [video]    - Place an outgoing call")
			fmt.Println("  answer | end             - Answer or end the current call")
			fmt.Println("  hold | unhold            - Toggle hold")
			fmt.Println("  mute|unmute [audio|video]")
			fmt.Println("  flip                     - Switch camera")
			fmt.Println("  dtmf <digits>            - Send tones")
			fmt.Println("  show                     - Print the current snapshot")
			fmt.Println("  quit                     - Exit")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", parts[0])
		}
		cancel()
	}
}

func report(what string, fn func() (call.Snapshot, error)) {
	snap, err := fn()
	if err != nil {
		fmt.Printf("%s failed: %v\n", what, err)
		return
	}
	printSnapshot(what, snap)
}

func printSnapshot(tag string, s call.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		fmt.Printf("[%s] v%d state=%s\n", tag, s.Version, s.State())
		return
	}
	fmt.Printf("[%s] %s\n", tag, data)
}
