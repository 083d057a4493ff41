package lister

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/icylister/pkg/shoutcast"
)

const (
	FormatTitle      = "title"
	FormatArtistSong = "artist-song"
)

const (
	defaultReadTimeout      = 30 * time.Second
	defaultReconnectInitial = 5 * time.Second
	defaultReconnectMax     = 60 * time.Second
	defaultMaxReconnects    = 10
)

type Config struct {
	URLs                flagext.StringSlice `yaml:"urls,omitempty"`
	UserAgent           string              `yaml:"user-agent,omitempty"`
	Blacklist           flagext.StringSlice `yaml:"blacklist,omitempty"` // regular expressions matched against the start of StreamTitle
	Format              string              `yaml:"format,omitempty"`
	Charset             string              `yaml:"charset,omitempty"`
	RequireMetadata     bool                `yaml:"require-metadata"`
	ResolvePlaylists    bool                `yaml:"resolve-playlists"`
	Dedupe              bool                `yaml:"dedupe"`
	ReadTimeout         time.Duration       `yaml:"read-timeout,omitempty"`          // abort a connection that stalls for this long
	ReconnectBackoff    time.Duration       `yaml:"reconnect-backoff,omitempty"`     // initial delay before reconnecting after a truncated stream
	ReconnectBackoffMax time.Duration       `yaml:"reconnect-backoff-max,omitempty"` // cap on reconnect delay (exponential backoff)
	MaxReconnects       int                 `yaml:"max-reconnects"`                  // 0 never reconnects, negative retries forever
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.URLs, util.PrefixConfig(prefix, "url"), "Stream URL to monitor. May be repeated.")
	f.StringVar(&cfg.UserAgent, util.PrefixConfig(prefix, "user-agent"), shoutcast.DefaultUserAgent,
		"User-Agent sent to the server. Some servers only send metadata to known players.")
	f.Var(&cfg.Blacklist, util.PrefixConfig(prefix, "blacklist"),
		"Regular expression matched against the start of each StreamTitle. Matching titles go to the diagnostic output. May be repeated.")
	f.StringVar(&cfg.Format, util.PrefixConfig(prefix, "format"), FormatTitle,
		"Output format: 'title' prints StreamTitle as is, 'artist-song' splits it on ' - ' and prints 'artist ~ song'.")
	f.StringVar(&cfg.Charset, util.PrefixConfig(prefix, "charset"), shoutcast.DefaultCharset, "Text encoding of metadata blocks.")
	f.BoolVar(&cfg.RequireMetadata, util.PrefixConfig(prefix, "require-metadata"), true,
		"Fail a station whose server does not send icy-metaint. When false the station fails on its first read instead.")
	f.BoolVar(&cfg.ResolvePlaylists, util.PrefixConfig(prefix, "resolve-playlists"), true, "Resolve .pls and .m3u URLs to the stream they list.")
	f.BoolVar(&cfg.Dedupe, util.PrefixConfig(prefix, "dedupe"), false, "Skip metadata identical to the previous block of the same station.")
	f.DurationVar(&cfg.ReadTimeout, util.PrefixConfig(prefix, "read-timeout"), defaultReadTimeout,
		"Abort and reconnect when no stream data arrives for this long. 0 disables.")
	f.DurationVar(&cfg.ReconnectBackoff, util.PrefixConfig(prefix, "reconnect-backoff"), defaultReconnectInitial,
		"Initial delay before reconnecting after stream disconnect. Exponential backoff is used up to reconnect-backoff-max.")
	f.DurationVar(&cfg.ReconnectBackoffMax, util.PrefixConfig(prefix, "reconnect-backoff-max"), defaultReconnectMax,
		"Maximum delay between reconnection attempts.")
	f.IntVar(&cfg.MaxReconnects, util.PrefixConfig(prefix, "max-reconnects"), defaultMaxReconnects,
		"Reconnection attempts without receiving metadata before a station is given up. 0 never reconnects, negative retries forever.")
}

func (cfg *Config) Validate() error {
	if len(cfg.URLs) == 0 {
		return errors.New("at least one stream url is required")
	}

	switch cfg.Format {
	case FormatTitle, FormatArtistSong:
	default:
		return errors.Errorf("unknown format %q", cfg.Format)
	}

	if cfg.ReconnectBackoffMax < cfg.ReconnectBackoff {
		return errors.Errorf("reconnect-backoff-max (%s) is lower than reconnect-backoff (%s)", cfg.ReconnectBackoffMax, cfg.ReconnectBackoff)
	}

	return nil
}
