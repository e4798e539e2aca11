package internal

import "time"

type Config struct {
	// Sources
	LedgerRPC   string `name:"ledger-rpc" alias:"rpc" required:"true" help:"Ledger JSON-RPC endpoint for log queries and schema calls"`
	SnapshotURL string `name:"snapshot-url" help:"Snapshot service base URL (empty to skip the snapshot phase)"`
	StreamURL   string `name:"stream-url" help:"Push feed websocket URL (empty to poll the ledger instead)"`

	// World
	World      string   `name:"world" required:"true" help:"World registry contract address"`
	Components []string `name:"components" help:"Component contract addresses to watch (comma-separated). Empty = all logs matching the event topics."`
	StartBlock uint64   `name:"start-block" help:"First block of interest for backfill. 0 = snapshot block only."`

	// Sync behaviour
	ChunkSize    int    `name:"chunk-size" default:"50" help:"Blocks per backfill range query"`
	PollInterval string `name:"poll-interval" default:"2s" help:"Head poll cadence when no push feed is configured"`
	RateLimit    int    `name:"rate-limit" default:"10" help:"Maximum ledger queries per second (0 to disable)"`
	RetryTimeout string `name:"retry-timeout" default:"30s" help:"Give up on transient ledger errors after this long"`

	// Storage
	MirrorPath string `name:"mirror-path" alias:"path" help:"Pebble database path for the persistent mirror (empty = in-memory only)"`

	// Server
	HTTPListen    string `name:"http-listen" default:":9420" help:"Mirror query API TCP address ('none' to disable)"`
	HTTPSocket    string `name:"http-socket" default:"none" help:"Mirror query API Unix socket ('none' to disable)"`
	MetricsListen string `name:"metrics-listen" default:"none" help:"Metrics endpoint address (e.g., 'localhost:9090' or '/path/to/metrics.sock')"`

	// Logging and debugging
	Debug           bool `help:"Enable debug logging (all categories)"`
	Profile         bool `help:"Enable periodic CPU profiling"`
	ProfileInterval int  `name:"profile-interval" default:"60" help:"Profile logging interval in seconds"`
	LogFilter       []string `name:"log-filter" default:"startup,snapshot,backfill,stream,mirror" help:"Log category filter (comma-separated)"`
	LogFile         string   `name:"log-file" help:"Log output file path (logs to both stdout and file when set)"`
}

func (c *Config) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

func (c *Config) RetryTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.RetryTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
