package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adwski/headtag/api"
	"github.com/adwski/headtag/channel"
	"github.com/adwski/headtag/config"
	"github.com/adwski/headtag/model"
	"github.com/adwski/headtag/session"
	"github.com/adwski/headtag/storage/sqlite"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("headtag", pflag.ContinueOnError)
	var (
		serverURL = fs.StringP("server", "s", cfg.ServerURL, "server base URL")
		roomCode  = fs.StringP("room", "r", "", "room code to enter (empty: create a new room)")
		name      = fs.StringP("name", "n", "", "player name for joining")
		statePath = fs.String("state", cfg.StatePath, "path to local state database")
		logLevel  = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
	)
	if err = fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	state, err := sqlite.Open(*statePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state database")
	}
	defer func() {
		_ = state.Close()
	}()

	apiClient := api.NewClient(api.Config{
		Logger:  &logger,
		BaseURL: *serverURL + "/api",
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code := *roomCode
	if code == "" {
		if code, err = apiClient.CreateRoom(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to create room")
		}
		fmt.Printf("room created: %s\n", code)
	}

	sess := session.New(session.Config{
		Logger:    &logger,
		API:       apiClient,
		State:     state,
		ServerURL: *serverURL,
		Heartbeat: cfg.HeartbeatInterval,
		Policy: channel.ReconnectPolicy{
			MaxAttempts: cfg.MaxReconnects,
			BaseDelay:   cfg.ReconnectBase,
			MaxDelay:    cfg.ReconnectCap,
		},
	})

	if err = sess.Enter(ctx, code); err != nil {
		if !errors.Is(err, session.ErrNotAMember) {
			logger.Fatal().Err(err).Msg("failed to enter room")
		}
		if *name == "" {
			logger.Fatal().Str("roomCode", code).
				Msg("not a member of this room, pass --name to join")
		}
		if err = sess.Join(ctx, code, *name); err != nil {
			logger.Fatal().Err(err).Msg("failed to join room")
		}
	}
	fmt.Printf("entered room %s as %s\n", code, sess.Identity().PlayerName)

	printInbound(sess)
	go drainSignals(ctx, cancel, sess, &logger)
	readCommands(ctx, cancel, sess, &logger)

	sess.Leave(context.Background())
}

// printInbound renders chat-ish events as they arrive.
func printInbound(sess *session.Session) {
	for _, kind := range []string{
		model.KindChat, model.KindQuestion, model.KindAnswer,
		model.KindGuess, model.KindGuessResult,
	} {
		sess.On(kind, func(ev model.Event) {
			fmt.Printf("[%s] %s: %s%s\n", ev.Type, ev.PlayerName, ev.Text, ev.Character)
		})
	}
	sess.On(model.KindJoin, func(ev model.Event) {
		fmt.Printf("* %s joined\n", ev.PlayerName)
	})
	sess.On(model.KindPlayerLeft, func(ev model.Event) {
		fmt.Printf("* %s left\n", ev.PlayerName)
	})
}

func drainSignals(ctx context.Context, cancel context.CancelFunc, sess *session.Session, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sess.Signals():
			switch sig.Kind {
			case session.SignalGame:
				fmt.Println("* game started")
			case session.SignalHome, session.SignalDisconnected:
				if sig.Kind == session.SignalDisconnected {
					fmt.Println("* connection lost for good")
				}
				cancel()
				return
			case session.SignalUpdate:
				logger.Debug().Msg("room updated")
			}
		}
	}
}

func readCommands(ctx context.Context, cancel context.CancelFunc, sess *session.Session, logger *zerolog.Logger) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := runCommand(ctx, sess, line, logger); done {
				cancel()
				return
			}
		}
	}
}

// runCommand handles one input line. Returns true when the user wants
// out.
func runCommand(ctx context.Context, sess *session.Session, line string, logger *zerolog.Logger) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
	case "/q":
		sess.SendQuestion(arg)
	case "/a":
		sess.SendAnswer(arg)
	case "/guess":
		sess.SendGuess(arg)
	case "/char":
		sess.SendCharacter(arg)
	case "/win":
		sess.AddWinner(arg)
	case "/kick":
		sess.RemovePlayer(arg)
	case "/start":
		if err := sess.StartGame(ctx); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/dump":
		spew.Dump(sess.Snapshot())
	case "/leave":
		return true
	default:
		if strings.HasPrefix(cmd, "/") {
			logger.Warn().Str("command", cmd).Msg("unknown command")
			return false
		}
		sess.SendChat(line)
	}
	return false
}
