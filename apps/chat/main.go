package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dgrijalva/jwt-go"
	"github.com/spf13/viper"

	"github.com/trezcool/shule/client"
	"github.com/trezcool/shule/core"
	logsvc "github.com/trezcool/shule/services/logger"
	"github.com/trezcool/shule/services/realtime"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.New("CHAT : ", conf)

	v := viper.New()
	v.SetDefault("api_url", client.DefaultBaseURL)
	v.SetDefault("api_token", "")
	v.AutomaticEnv()

	token := strings.TrimSpace(v.GetString("api_token"))
	if token == "" {
		logger.Fatal("API_TOKEN is required: issue one with `admin issuetoken -username USERNAME`")
	}
	// the server verifies the token: the subject is all the client needs
	var claims jwt.StandardClaims
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil || claims.Subject == "" {
		logger.Fatal("invalid API_TOKEN", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := client.NewAPI(v.GetString("api_url"), logger)
	chat := client.NewChat(api, claims.Subject, logger)
	session := client.NewSession(api, func(ev realtime.Event) { chat.HandleEvent(ctx, ev) }, logger)
	session.OnReconnect(chat.Resync)
	if err := session.SetToken(ctx, token); err != nil {
		logger.Fatal("subscribing to realtime events", err)
	}
	defer func() { _ = session.Close() }()

	term := newTerminal(ctx, api, chat, session, os.Stdout)
	go term.render()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	term.printHelp()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := term.exec(line); quit {
				return
			}
		case <-shutdown:
			return
		}
	}
}
