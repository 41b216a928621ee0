package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaborage/prodtrack/config"
	"github.com/gaborage/prodtrack/credentials"
	"github.com/gaborage/prodtrack/httpclient"
	"github.com/gaborage/prodtrack/logger"
	"github.com/gaborage/prodtrack/observability"
)

const shutdownTimeout = 5 * time.Second

// errNotLoggedIn is returned by commands that need a stored session
var errNotLoggedIn = errors.New("not logged in: run 'prodtrack login' first")

// cli holds the state shared by all commands of one invocation
type cli struct {
	cfgFile string
	out     io.Writer
	errOut  io.Writer

	cfg      *config.Config
	log      logger.Logger
	provider observability.Provider
	client   httpclient.Client
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:          "prodtrack",
		Short:        "Command-line client for the production tracking API",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&c.cfgFile, "config", config.DefaultConfigFile, "config file")

	root.AddCommand(
		newLoginCmd(c),
		newLogoutCmd(c),
		newWhoamiCmd(c),
		newGetCmd(c),
		newBodyCmd(c, "post", "Create a resource from a JSON document"),
		newBodyCmd(c, "put", "Replace a resource with a JSON document"),
		newBodyCmd(c, "patch", "Partially update a resource with a JSON document"),
		newDeleteCmd(c),
		newMockServerCmd(c),
	)
	return root
}

// run loads configuration, starts telemetry and builds the API client, then
// calls fn. Everything is torn down before run returns.
func (c *cli) run(ctx context.Context, fn func(ctx context.Context, client httpclient.Client) error) error {
	if err := c.setup(); err != nil {
		return err
	}
	defer c.teardown()

	return fn(ctx, c.client)
}

func (c *cli) setup() error {
	cfg, err := config.LoadFile(c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = logger.NewWithWriter(c.errOut, cfg.Log.Level, cfg.Log.Pretty, nil)

	provider, err := newObservability(cfg, c.errOut, c.log)
	if err != nil {
		return err
	}
	c.provider = provider

	store, err := newStore(cfg)
	if err != nil {
		c.teardown()
		return err
	}

	client, err := httpclient.NewFromConfig(cfg, c.log, store, func(b *httpclient.Builder) {
		b.WithSessionExpiredHandler(func(_ context.Context, _ error) {
			fmt.Fprintln(c.errOut, "Session expired. Run 'prodtrack login' to sign in again.")
		})
	})
	if err != nil {
		c.teardown()
		return err
	}
	c.client = client
	return nil
}

func (c *cli) teardown() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	if c.provider != nil {
		if err := observability.Shutdown(c.provider, shutdownTimeout); err != nil {
			c.log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
		c.provider = nil
	}
}

// newObservability reads the observability section. Stdout exporters write to
// errOut so that command output stays machine readable.
func newObservability(cfg *config.Config, errOut io.Writer, log logger.Logger) (observability.Provider, error) {
	var obsCfg observability.Config
	if cfg.Exists("observability") {
		if err := cfg.Unmarshal("observability", &obsCfg); err != nil {
			return nil, err
		}
	}
	if obsCfg.Service.Name == "" {
		obsCfg.Service.Name = cfg.App.Name
	}
	if obsCfg.Service.Version == "" {
		obsCfg.Service.Version = cfg.App.Version
	}
	if obsCfg.Environment == "" {
		obsCfg.Environment = cfg.App.Env
	}
	obsCfg.Output = errOut
	return observability.NewProvider(&obsCfg, log)
}

func newStore(cfg *config.Config) (credentials.Store, error) {
	if cfg.Storage.Type == config.StorageFile {
		return credentials.NewFileStore(cfg.Storage.Path)
	}
	return credentials.NewMemoryStore(), nil
}

// printBody writes a response body, indenting JSON documents
func printBody(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			buf.WriteByte('\n')
			_, err = buf.WriteTo(w)
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s\n", body)
	return err
}
