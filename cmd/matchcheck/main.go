package main

import (
	"context"
	"log"
	"os"
	"time"

	"nhooyr.io/websocket"

	"github.com/park285/cheese-match/internal/httpapi"
)

func main() {
	baseURL := os.Getenv("MATCH_API_URL")
	wsURL := os.Getenv("MATCH_WS_URL")

	if baseURL == "" {
		log.Fatal("MATCH_API_URL is required")
	}

	client := httpapi.NewClient(baseURL, httpapi.WithTimeout(8*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		log.Printf("/healthz error: %v", err)
	} else {
		log.Println("/healthz ok")
	}

	games, err := client.ListWaiting(ctx, 10)
	if err != nil {
		log.Printf("/games error: %v", err)
	} else {
		log.Printf("/games ok: waiting=%d", len(games))
		for _, g := range games {
			log.Printf("  %s first=%s created=%s", g.ID, g.FirstPlayerID, g.CreatedAt.Format(time.RFC3339))
		}
	}

	if wsURL == "" {
		log.Println("MATCH_WS_URL not set; skipping WS check")
		return
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	conn, _, err := websocket.Dial(cctx, wsURL, nil)
	if err != nil {
		log.Printf("WS dial error: %v", err)
		os.Exit(1)
	}
	// pong은 reader가 있어야 처리됨
	conn.CloseRead(cctx)
	if err := conn.Ping(cctx); err != nil {
		log.Printf("WS ping error: %v", err)
		_ = conn.CloseNow()
		os.Exit(1)
	}
	log.Println("WS ok")
	_ = conn.Close(websocket.StatusNormalClosure, "check done")
}
