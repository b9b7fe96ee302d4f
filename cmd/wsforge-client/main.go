// Command wsforge-client dials a WebSocket endpoint over wsforge and pipes
// stdin lines to it, printing whatever comes back.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/wsforge/wsforge"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/echo", "endpoint to dial")
	compress := flag.Bool("compress", false, "offer permessage-deflate")
	uuidIDs := flag.Bool("uuid-ids", false, "use github.com/google/uuid correlation ids instead of the sortable default")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	opts := wsforge.DefaultOptions
	opts.Logger = logger
	opts.EnableMessageCompression = *compress
	if *uuidIDs {
		wsforge.WithUUIDCorrelation(&opts)
	}

	conn, err := wsforge.Dial(context.Background(), *url, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial failed")
	}
	logger.Info().Str("conn_id", conn.ID()).Msg("connected")

	go func() {
		for {
			msg, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			fmt.Println(string(msg.Bytes()))
			msg.Release()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.SendText(scanner.Text()); err != nil {
			logger.Error().Err(err).Msg("send failed")
			break
		}
	}

	_ = conn.CloseAsync(wsforge.StatusNormalClosure, "client exiting")
	<-conn.Closed()
}
