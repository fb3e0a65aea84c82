package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/sf-bulk-client/internal/config"
	"github.com/Sternrassler/sf-bulk-client/pkg/auth"
	"github.com/Sternrassler/sf-bulk-client/pkg/client"
	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/Sternrassler/sf-bulk-client/pkg/schema"
)

type options struct {
	v          *viper.Viper
	configFile string

	cfg    *config.Config
	runID  string
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{v: config.New()}

	cmd := &cobra.Command{
		Use:           "sf-bulk-export",
		Short:         "Export Salesforce objects through Bulk API 2.0 query jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file")
	if err := config.BindFlags(cmd.PersistentFlags(), opts.v); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		exportCmd(opts),
		objectsCmd(opts),
	)
	return cmd
}

func (o *options) load() error {
	cfg, err := config.Load(o.v, o.configFile)
	if err != nil {
		return err
	}
	o.cfg = cfg

	logging.Setup(cfg.Logging())
	o.runID = uuid.New().String()
	o.logger = o.componentLogger(logging.ComponentExport)
	return nil
}

func (o *options) componentLogger(component string) zerolog.Logger {
	return logging.NewLogger(component).With().Str("run_id", o.runID).Logger()
}

// session is an authenticated connection to one org.
type session struct {
	client *client.Client
	creds  auth.Credentials
	schema *schema.Service
	redis  *redis.Client
}

func (o *options) connect(ctx context.Context) (*session, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	settings, err := o.cfg.AuthSettings()
	if err != nil {
		return nil, err
	}

	rdb := o.cfg.Redis()
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", o.cfg.RedisAddr, err)
		}
	}

	c, err := client.New(o.cfg.ClientConfig(rdb))
	if err != nil {
		closeRedis(rdb)
		return nil, fmt.Errorf("create client: %w", err)
	}

	provider, err := auth.NewProvider(ctx, settings, auth.WithLogger(o.componentLogger(logging.ComponentAuth)))
	if err != nil {
		closeRedis(rdb)
		return nil, err
	}

	if o.cfg.RefreshMetadata && c.GetCache() != nil {
		if err := o.purgeMetadata(ctx, c, provider.BaseURL()); err != nil {
			closeRedis(rdb)
			return nil, err
		}
	}

	o.logger.Info().
		Str("instance_url", provider.BaseURL()).
		Str("api_version", provider.APIVersion()).
		Bool("redis", rdb != nil).
		Msg("Authenticated")

	return &session{
		client: c,
		creds:  provider,
		schema: schema.NewService(c, provider),
		redis:  rdb,
	}, nil
}

func (o *options) purgeMetadata(ctx context.Context, c *client.Client, instanceURL string) error {
	u, err := url.Parse(instanceURL)
	if err != nil {
		return fmt.Errorf("parse instance url: %w", err)
	}
	removed, err := c.GetCache().Purge(ctx, u.Host)
	if err != nil {
		return fmt.Errorf("purge metadata cache: %w", err)
	}
	o.logger.Info().
		Str("instance", u.Host).
		Int("entries", removed).
		Msg("Purged cached metadata")
	return nil
}

func (s *session) Close() {
	closeRedis(s.redis)
}

func closeRedis(rdb *redis.Client) {
	if rdb != nil {
		rdb.Close()
	}
}
