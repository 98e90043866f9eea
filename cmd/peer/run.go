package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	router "github.com/dkeye/Rally/internal/adapters/http"
	"github.com/dkeye/Rally/internal/adapters/rtc"
	"github.com/dkeye/Rally/internal/adapters/signalclient"
	"github.com/dkeye/Rally/internal/config"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/session"
)

// run hosts when room is empty and joins room otherwise, then feeds
// stdin lines to the game until interrupted.
func run(parent context.Context, cfg *config.Peer, opts *options, room domain.RoomID) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sig := signalclient.New(signalclient.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		PingInterval:   cfg.SignalPingInterval,
	})
	links := rtc.NewFactory(rtc.Config{ICEServers: cfg.ICEServers, LoopbackCandidates: cfg.LoopbackCandidate})

	q := newQuiz(os.Stdout, opts.rounds)
	sopts := session.OptionsFromConfig(cfg)
	sopts.Simulation = q
	m := session.New(sig, links, q.handlers(stop), sopts)
	q.bind(m)
	defer func() {
		if err := m.Leave(); err != nil {
			log.Warn().Err(err).Msg("leave")
		}
	}()

	if err := m.Open(ctx); err != nil {
		return err
	}
	if room == "" {
		id, err := m.CreateRoom(ctx, cfg.DisplayName)
		if err != nil {
			return err
		}
		printRoom(os.Stdout, cfg.SignalingURL, id)
		fmt.Fprintln(os.Stdout, "type 'start' once everyone is in")
	} else if err := m.JoinRoom(ctx, cfg.DisplayName, room); err != nil {
		return err
	}

	lines := make(chan string)
	go scan(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := q.command(line); err != nil {
				fmt.Fprintln(os.Stdout, "!", err)
			}
		}
	}
}

func scan(r io.Reader, out chan<- string) {
	defer close(out)
	s := bufio.NewScanner(r)
	for s.Scan() {
		if line := strings.TrimSpace(s.Text()); line != "" {
			out <- line
		}
	}
}

// joinBase turns the signaling url into the web page the room QR points
// at.
func joinBase(signalingURL string) string {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return signalingURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/"
	u.RawQuery = ""
	return u.String()
}

func printRoom(w io.Writer, signalingURL string, id domain.RoomID) {
	link := router.JoinURL(joinBase(signalingURL), id)
	fmt.Fprintf(w, "room %s\n%s\n", id, link)
	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		log.Warn().Err(err).Msg("qr code")
		return
	}
	fmt.Fprintln(w, qr.ToSmallString(false))
}
