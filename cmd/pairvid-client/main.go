package main

import (
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/pairvid/pairvid/internal/media"
	"github.com/pairvid/pairvid/internal/models"
	"github.com/pairvid/pairvid/internal/rtc"
	"github.com/pairvid/pairvid/internal/session"
	"github.com/pairvid/pairvid/internal/transport"
)

const helpText = `pairvid-client - Anonymous 1:1 video chat client

Usage:
  pairvid-client [options]

Environment Variables:
  PAIRVID_URL      Signaling server websocket URL (default ws://localhost:8080/ws)
  PAIRVID_TOKEN    JWT from /api/auth/login (required)
  PAIRVID_COUNTRY  Own country code, or AUTO to geolocate (default AUTO)
  TARGET_COUNTRY   Preferred partner country, * for any (default *)
  TARGET_GENDER    Preferred partner gender: MALE, FEMALE or ALL (default ALL)
  ICE_SERVERS      Comma-separated STUN/TURN URLs

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	token := os.Getenv("PAIRVID_TOKEN")
	if token == "" {
		log.Fatalf("[main] PAIRVID_TOKEN is required")
	}
	url := getenv("PAIRVID_URL", "ws://localhost:8080/ws")
	iceServers := strings.Split(getenv("ICE_SERVERS", "stun:stun.l.google.com:19302"), ",")

	prefs := models.JoinRequest{
		MyCountry:     getenv("PAIRVID_COUNTRY", models.AutoCountry),
		TargetCountry: getenv("TARGET_COUNTRY", models.AnyCountry),
		TargetGender:  models.Gender(getenv("TARGET_GENDER", string(models.GenderAll))),
	}

	// Capture starts warming up immediately; matches wait on it.
	tracks := media.NewTracks()
	go tracks.Init()

	factory := func(onCandidate func(models.ICECandidatePayload), onState func(string)) (rtc.Negotiator, error) {
		return rtc.NewPionNegotiator(iceServers, tracks, onCandidate, onState)
	}

	ctrl := session.NewController(tracks, factory, prefs)
	client := transport.NewClient(transport.DefaultConfig(url), ctrl)
	ctrl.SetChannel(client)

	// Queue the join before connecting; it flushes once the channel is
	// ready and OnReady re-sends it after every reconnect.
	ctrl.Find()

	log.Printf("[main] connecting to %s", url)
	if err := client.Connect(token); err != nil {
		log.Printf("[main] first connect failed, retrying: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] received %s, shutting down", sig)

	ctrl.Stop()
	client.Disconnect()
	log.Printf("[main] done")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
