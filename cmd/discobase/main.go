// Command discobase is an admin tool for inspecting and cleaning a
// discobase database captured in a Bolt-backed store: list tables,
// dump table metadata, dump raw records, delete everything.
//
// Usage:
//
//	discobase [-config config.yaml] tables
//	discobase [-config config.yaml] meta <table>
//	discobase [-config config.yaml] dump <table>
//	discobase [-config config.yaml] clean
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZeroIntensity/discobase/store"
)

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "discobase: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()
	if flag.NArg() == 0 {
		return fmt.Errorf("usage: discobase [-config file] tables|meta|dump|clean")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("bad log_level %q: %w", cfg.LogLevel, err)
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenBolt(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	switch cmd := flag.Arg(0); cmd {
	case "tables":
		return runTables(ctx, st, cfg)
	case "meta":
		if flag.NArg() != 2 {
			return fmt.Errorf("usage: discobase meta <table>")
		}
		return runMeta(ctx, st, cfg, flag.Arg(1))
	case "dump":
		if flag.NArg() != 2 {
			return fmt.Errorf("usage: discobase dump <table>")
		}
		return runDump(ctx, st, cfg, flag.Arg(1))
	case "clean":
		return runClean(ctx, st, cfg)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// rawMeta mirrors the persisted table metadata closely enough for
// inspection without binding a schema.
type rawMeta struct {
	Name           string                     `json:"name"`
	Keys           []string                   `json:"keys"`
	TableChannel   store.ChannelID            `json:"table_channel"`
	IndexChannels  map[string]store.ChannelID `json:"index_channels"`
	CurrentRecords int                        `json:"current_records"`
	MaxRecords     int                        `json:"max_records"`
	TimeTable      map[store.MessageID][2]int `json:"time_table"`
	MessageID      store.MessageID            `json:"message_id"`
}

func loadMetas(ctx context.Context, st store.Store, cfg *Config) ([]rawMeta, error) {
	ch, err := st.ChannelByName(ctx, cfg.MetadataChannel)
	if err != nil {
		return nil, err
	}
	var metas []rawMeta
	err = ch.History(ctx, store.HistoryOptions{OldestFirst: true}, func(msg store.Message) error {
		var m rawMeta
		if err := json.Unmarshal([]byte(msg.Content), &m); err != nil {
			return fmt.Errorf("bad metadata message %d: %w", msg.ID, err)
		}
		metas = append(metas, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

func findMeta(ctx context.Context, st store.Store, cfg *Config, table string) (rawMeta, error) {
	metas, err := loadMetas(ctx, st, cfg)
	if err != nil {
		return rawMeta{}, err
	}
	for _, m := range metas {
		if m.Name == table {
			return m, nil
		}
	}
	return rawMeta{}, fmt.Errorf("no table named %q", table)
}

func runTables(ctx context.Context, st store.Store, cfg *Config) error {
	metas, err := loadMetas(ctx, st, cfg)
	if err != nil {
		return err
	}
	for _, m := range metas {
		fmt.Printf("%s\trecords=%d/%d\tkeys=%v\n", m.Name, m.CurrentRecords, m.MaxRecords, m.Keys)
	}
	return nil
}

func runMeta(ctx context.Context, st store.Store, cfg *Config, table string) error {
	m, err := findMeta(ctx, st, cfg, table)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runDump(ctx context.Context, st store.Store, cfg *Config, table string) error {
	m, err := findMeta(ctx, st, cfg, table)
	if err != nil {
		return err
	}
	ch, err := st.ChannelByID(ctx, m.TableChannel)
	if err != nil {
		return err
	}
	return ch.History(ctx, store.HistoryOptions{OldestFirst: true}, func(msg store.Message) error {
		fmt.Printf("%d\t%s\n", msg.ID, decodePayload(msg.Content))
		return nil
	})
}

// decodePayload renders a stored record as JSON for human eyes; on any
// decoding trouble the raw message text is shown instead.
func decodePayload(content string) string {
	raw, err := base64.URLEncoding.DecodeString(content)
	if err != nil {
		return content
	}
	var fields map[string]any
	if err := msgpack.Unmarshal(raw, &fields); err != nil {
		return content
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return content
	}
	return string(out)
}

func runClean(ctx context.Context, st store.Store, cfg *Config) error {
	metas, err := loadMetas(ctx, st, cfg)
	if err != nil {
		return err
	}
	for _, m := range metas {
		for name, cid := range m.IndexChannels {
			slog.Info("deleting index channel", "channel", name)
			if err := st.DeleteChannel(ctx, cid); err != nil {
				return err
			}
		}
		slog.Info("deleting table channel", "table", m.Name)
		if err := st.DeleteChannel(ctx, m.TableChannel); err != nil {
			return err
		}
	}
	ch, err := st.ChannelByName(ctx, cfg.MetadataChannel)
	if err != nil {
		return err
	}
	return st.DeleteChannel(ctx, ch.ID())
}
