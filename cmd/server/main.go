package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"claude-relay/internal/chat"
	"claude-relay/internal/config"
	"claude-relay/internal/realtime"
	"claude-relay/internal/transcript"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	mgr := chat.NewManager(chat.Options{
		MaxChats:        cfg.Chats.Max,
		AgentBin:        cfg.Chats.AgentBin,
		ReadyDelay:      cfg.Chats.ReadyDelay(),
		GracefulTimeout: cfg.Chats.GracefulTimeout(),
	})

	// Transcript watching is optional; the callback is set after the
	// realtime server exists.
	var rtServer *realtime.Server
	var tw *transcript.Watcher
	transcriptRoot := cfg.Transcripts.RootDir
	if transcriptRoot == "" {
		transcriptRoot = transcript.DefaultRootDir()
	}
	if cfg.Transcripts.Enabled {
		tw = transcript.New(func(chatID string) {
			if rtServer != nil {
				rtServer.OnTranscriptUpdate(chatID)
			}
		})
	}

	rtServer = realtime.New(mgr, tw, transcriptRoot, cfg.Server.StaticDir)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		if tw != nil {
			tw.Shutdown()
		}
		mgr.Shutdown()
		httpServer.Close()
	}()

	log.Printf("claude-relay listening on http://localhost:%d", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
