// Command wsforge-echo serves a WebSocket echo endpoint over wsforge,
// demonstrating the server upgrade adapter end to end.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wsforge/wsforge"
)

// config is the optional YAML config file shape: listen address, origin
// allow-list, and the compression flag, none of which the engine itself
// knows about (handshake/config binding is a module concern, not a protocol
// one).
type config struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	Compress       bool     `yaml:"compress"`
}

func loadConfig(path string) (config, error) {
	cfg := config{Listen: ":8080"}
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (listen, allowedOrigins, compress)")
	listenAddr := flag.String("listen", "", "listen address, overrides the config file")
	compress := flag.Bool("compress", false, "enable permessage-deflate, overrides the config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("loading config")
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *compress {
		cfg.Compress = true
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	opts := wsforge.DefaultOptions
	opts.Logger = logger
	opts.EnableMessageCompression = cfg.Compress
	opts.AllowedOrigins = cfg.AllowedOrigins

	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsforge.Accept(w, r, opts)
		if err != nil {
			logger.Warn().Err(err).Msg("handshake failed")
			return
		}
		for {
			msg, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			err = conn.Send(msg.Type, msg.Bytes())
			msg.Release()
			if err != nil {
				return
			}
		}
	})

	logger.Info().Str("listen", cfg.Listen).Bool("compress", cfg.Compress).Msg("starting echo server")
	wsforge.LogListenerStart(logger, cfg.Listen)
	err = http.ListenAndServe(cfg.Listen, mux)
	wsforge.LogListenerStop(logger, cfg.Listen, err)
	if err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
