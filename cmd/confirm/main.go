package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"timecapsule/internal/client"
	"timecapsule/internal/history"
	"timecapsule/internal/models"
	"timecapsule/internal/payment"
	"timecapsule/internal/wsclient"
)

// confirm drives the consumer side of a payment from the command line:
// confirm the payment, resolve the destination room, join it over the
// websocket and chat until interrupted.
func run(ctx context.Context) error {
	server := flag.String("server", "http://localhost:8080", "API server base URL")
	username := flag.String("username", "", "Username to log in with")
	password := flag.String("password", "", "Password to log in with")
	paymentKey := flag.String("payment-key", "", "Payment key from the gateway callback")
	orderID := flag.String("order-id", "", "Order id from the gateway callback")
	amount := flag.Int64("amount", 0, "Order amount from the gateway callback")
	flag.Parse()

	if *username == "" || *password == "" {
		return errors.New("-username and -password are required")
	}

	c := client.New(*server)
	if err := c.Login(ctx, *username, *password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	flow := payment.New(payment.Config{
		Backend: c,
		OnChange: func(snap payment.Snapshot) {
			log.Printf("payment state: %s", snap.State)
		},
	})

	snap := flow.Run(ctx, payment.Params{
		PaymentKey: *paymentKey,
		OrderID:    *orderID,
		Amount:     *amount,
	})
	if snap.State != payment.StateSuccess {
		return fmt.Errorf("payment failed: %s", snap.Error)
	}
	roomID := snap.RoomID
	log.Printf("payment confirmed, room %s", roomID)

	pager := history.NewPager(c, roomID, 30)

	manager := wsclient.New(wsclient.Config{
		URL:   wsURL(*server),
		Token: c.Token(),
		OnMessage: func(msg models.ChatMessage) {
			printMessage(msg)
			pager.Append(msg)
		},
		OnStatusChange: func(status wsclient.Status) {
			log.Printf("socket status: %s", status)
		},
		OnRedirect: func() {
			log.Println("chat is unavailable, leaving")
			os.Exit(1)
		},
	})

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer manager.Disconnect()

	if err := manager.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("join failed: %w", err)
	}

	if _, err := pager.LoadMore(ctx); err != nil {
		log.Printf("failed to load history: %v", err)
	}
	for _, msg := range pager.Messages() {
		printMessage(msg)
	}

	// Read lines from stdin and send them until EOF or a signal.
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
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := manager.Send(line, nil); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func printMessage(msg models.ChatMessage) {
	fmt.Printf("[%s] %s\n", msg.SenderType, msg.Content)
}

// wsURL derives the websocket endpoint from the API base URL.
func wsURL(server string) string {
	base := strings.TrimSuffix(server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Error: %v", err)
	}
}
