package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	apiclient "github.com/tangy83/HandyConnect-sub003/pkg/api/client"
	"github.com/tangy83/HandyConnect-sub003/pkg/feed"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	FeedToken  string `json:"feed_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "series":
		err = commandSeries(args)
	case "view":
		err = commandView(args)
	case "emit":
		err = commandEmit(args)
	case "watch":
		err = commandWatch(args)
	case "rollups":
		err = commandRollups(args)
	case "status":
		err = commandStatus(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default http://localhost:7700)")
	token := fs.String("token", "", "Feed token (supply to avoid prompt)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:7700"
	}

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Feed token (blank to keep read only): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	cfg.FeedToken = secret

	// Verify the address before saving it.
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("dashboard unreachable: %w", err)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("connected to %s (status %s)\n", cfg.APIBaseURL, health.Status)
	return nil
}

func commandSeries(args []string) error {
	fs := flag.NewFlagSet("series", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of series to display")
	fs.Parse(args)

	client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	series, err := client.ListSeries(ctx)
	if err != nil {
		return err
	}
	count := len(series)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	for i := 0; i < count; i++ {
		fmt.Println(series[i])
	}
	return nil
}

func commandView(args []string) error {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	series := fs.String("series", "", "Series name")
	viewType := fs.String("type", "current", "View type (current|average|percentiles|series|topn)")
	resolution := fs.String("resolution", "", "Bucket resolution (fine|coarse)")
	points := fs.Int("points", 0, "Number of buckets to cover")
	param := fs.String("param", "", "Tag key for topn views")
	fs.Parse(args)

	if strings.TrimSpace(*series) == "" {
		return errors.New("--series is required")
	}

	client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	view, err := client.Snapshot(ctx, apiclient.SnapshotQuery{
		Series:     *series,
		Type:       *viewType,
		Resolution: *resolution,
		Points:     *points,
		Param:      *param,
	})
	if err != nil {
		return err
	}
	return printJSON(view)
}

func commandEmit(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	metric := fs.String("metric", "", "Metric name")
	value := fs.Float64("value", 0, "Observed value")
	unit := fs.String("unit", "", "Optional unit label")
	at := fs.String("at", "", "Observation timestamp (RFC3339, default now)")
	tags := fs.String("tags", "", "Comma separated key=value tags")
	fs.Parse(args)

	if strings.TrimSpace(*metric) == "" {
		return errors.New("--metric is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.FeedToken) == "" {
		return errors.New("no feed token saved, run 'dashctl login' first")
	}

	reading := feed.Reading{Metric: *metric, Value: *value, Unit: *unit}
	if strings.TrimSpace(*at) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*at))
		if err != nil {
			return fmt.Errorf("invalid --at timestamp: %w", err)
		}
		reading.At = parsed
	}
	if strings.TrimSpace(*tags) != "" {
		parsed, err := parseTags(*tags)
		if err != nil {
			return err
		}
		reading.Tags = parsed
	}

	emitter, err := feed.NewEmitter(cfg.APIBaseURL, cfg.FeedToken, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := emitter.Emit(ctx, reading)
	if err != nil {
		return err
	}
	fmt.Printf("queued: accepted=%d rejected=%d\n", result.Accepted, result.Rejected)
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	rooms := fs.String("rooms", "dashboard-live", "Comma separated rooms to follow")
	wait := fs.Duration("wait", 30*time.Second, "Long poll ceiling per request")
	max := fs.Int("max", 64, "Maximum messages per poll")
	fs.Parse(args)

	client, err := loadClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	session, err := client.Connect(connectCtx, splitRooms(*rooms)...)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Disconnect(ctx, session.SubscriberID)
	}()
	fmt.Fprintf(os.Stderr, "watching %s as %s\n", strings.Join(session.Rooms, ","), session.SubscriberID)

	for {
		messages, err := client.Poll(ctx, session.SubscriberID, *wait, *max)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range messages {
			line, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Println(string(line))
		}
	}
}

func commandRollups(args []string) error {
	fs := flag.NewFlagSet("rollups", flag.ExitOnError)
	series := fs.String("series", "", "Series name")
	limit := fs.Int("limit", 20, "Maximum number of buckets")
	fs.Parse(args)

	if strings.TrimSpace(*series) == "" {
		return errors.New("--series is required")
	}

	client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rollups, err := client.ListRollups(ctx, *series, *limit)
	if err != nil {
		return err
	}
	for _, r := range rollups {
		avg := 0.0
		if r.Count > 0 {
			avg = r.Sum / float64(r.Count)
		}
		fmt.Printf("%s\t%ds\tcount=%d avg=%.3f min=%.3f max=%.3f last=%.3f\n",
			r.BucketStart.Format(time.RFC3339), r.BucketSpanSeconds, r.Count, avg, r.Min, r.Max, r.Last)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	client, err := loadClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\n", health.Status)
	for name, component := range health.Components {
		if component.Error != "" {
			fmt.Printf("%s: %s (%s)\n", name, component.Status, component.Error)
			continue
		}
		fmt.Printf("%s: %s\n", name, component.Status)
	}
	return nil
}

func loadClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIBaseURL)
}

func parseTags(raw string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid tag %q, expected key=value", pair)
		}
		tags[key] = strings.TrimSpace(value)
	}
	return tags, nil
}

func splitRooms(raw string) []string {
	var rooms []string
	for _, room := range strings.Split(raw, ",") {
		room = strings.TrimSpace(room)
		if room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:7700"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:7700"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "dashctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("dashctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	dashctl login [--api http://localhost:7700] [--token secret]
	dashctl series [--limit N]
	dashctl view --series <name> [--type current|average|percentiles|series|topn] [--points N] [--param key]
	dashctl emit --metric <name> --value <v> [--unit u] [--at RFC3339] [--tags k=v,k2=v2]
	dashctl watch [--rooms dashboard-live,metrics:cpu.load] [--wait 30s] [--max N]
	dashctl rollups --series <name> [--limit N]
	dashctl status
	dashctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
