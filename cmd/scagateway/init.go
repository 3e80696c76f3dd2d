package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/scagateway/internal/events"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/internal/store/redis"
	sqlstore "github.com/knadh/scagateway/internal/store/sql"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const envPrefix = "SCA_GATEWAY_"

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("install", false, "Create the database tables and indexes and exit")
	f.Bool("debug", false, "Enable debug logging")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Defaults that differ from the zero value.
	ko.Set("app.allow_retrigger", true)

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{
		EnableCaller: true,
		Level:        logf.InfoLevel,
	}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}

	return logf.New(opts)
}

// initDB opens the relational store that holds operations, their
// records and (by default) challenges.
func initDB(lo logf.Logger) *sqlstore.SQL {
	var c sqlstore.Conf
	ko.UnmarshalWithConf("store.sql", &c, koanf.UnmarshalConf{Tag: "json"})

	db, err := sqlstore.New(c)
	if err != nil {
		lo.Fatal("error initializing database", "error", err)
	}
	lo.Info("opened database", "driver", c.Driver)

	return db
}

// initChallengeStore returns the configured challenge store. Redis is also
// returned as an event publisher if a publish key is configured.
func initChallengeStore(db *sqlstore.SQL, lo logf.Logger) (store.ChallengeStore, []events.Publisher) {
	var (
		typ = ko.String("store.challenges")
		rc  redis.Conf
	)
	ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"})

	var rd *redis.Redis
	if typ == "redis" || rc.PublishKey != "" {
		rd = redis.New(rc)
	}

	var pubs []events.Publisher
	if rc.PublishKey != "" {
		pubs = append(pubs, rd)
		lo.Info("publishing events to redis", "key", rc.PublishKey)
	}

	switch typ {
	case "", "sql":
		return db, pubs
	case "redis":
		lo.Info("using redis challenge store", "host", rc.Host, "port", rc.Port)
		return rd, pubs
	}

	lo.Fatal("unknown challenge store", "store", typ)
	return nil, nil
}

// initWebhook returns the optional webhook event publisher.
func initWebhook(lo logf.Logger) []events.Publisher {
	if ko.String("events.webhook.url") == "" {
		return nil
	}

	var c events.WebhookConf
	ko.UnmarshalWithConf("events.webhook", &c, koanf.UnmarshalConf{Tag: "json"})

	w, err := events.NewWebhook(c)
	if err != nil {
		lo.Fatal("error initializing webhook", "error", err)
	}
	lo.Info("publishing events to webhook", "url", c.URL)

	return []events.Publisher{w}
}

// initAuth loads the namespace:secret authorisation maps.
func initAuth(lo logf.Logger) map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			namespace = k["namespace"]
			secret    = k["secret"]
		)

		if namespace == "" || secret == "" {
			lo.Fatal("namespace or secret keys not found", "key", "auth."+a)
		}
		out[namespace] = secret
	}

	return out
}
