package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gaborage/prodtrack/httpclient"
)

const defaultConcurrency = 4

func newGetCmd(c *cli) *cobra.Command {
	var (
		params      []string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "get <path>...",
		Short: "Fetch one or more resources",
		Long: `Fetch one or more resources. Multiple paths are requested concurrently
and printed in argument order, each under a "==> path <==" header.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, paths []string) error {
			query, err := parseParams(params)
			if err != nil {
				return err
			}
			return c.run(cmd.Context(), func(ctx context.Context, client httpclient.Client) error {
				responses, err := fetchAll(ctx, client, paths, query, concurrency)
				if err != nil {
					return err
				}
				for i, resp := range responses {
					if len(paths) > 1 {
						fmt.Fprintf(c.out, "==> %s <==\n", paths[i])
					}
					if err := printBody(c.out, resp.Body); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "q", nil, "query parameter as key=value (repeatable)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", defaultConcurrency, "maximum requests in flight")
	return cmd
}

// fetchAll GETs every path with at most limit requests in flight. The first
// failure cancels the rest.
func fetchAll(ctx context.Context, client httpclient.Client, paths []string, query url.Values, limit int) ([]*httpclient.Response, error) {
	responses := make([]*httpclient.Response, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, path := range paths {
		g.Go(func() error {
			resp, err := client.Get(gctx, path, &httpclient.RequestOptions{Params: query})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

func newBodyCmd(c *cli, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   method + " <path> <json>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := json.RawMessage(args[1])
			if !json.Valid(body) {
				return httpclient.NewValidationError("request body is not valid JSON", "json")
			}
			return c.run(cmd.Context(), func(ctx context.Context, client httpclient.Client) error {
				resp, err := client.Do(ctx, strings.ToUpper(method), args[0], body, nil)
				if err != nil {
					return err
				}
				return printBody(c.out, resp.Body)
			})
		},
	}
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), func(ctx context.Context, client httpclient.Client) error {
				resp, err := client.Delete(ctx, args[0], nil)
				if err != nil {
					return err
				}
				if resp.StatusCode == http.StatusNoContent {
					fmt.Fprintf(c.out, "deleted %s\n", args[0])
					return nil
				}
				return printBody(c.out, resp.Body)
			})
		},
	}
}

func parseParams(raw []string) (url.Values, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	query := url.Values{}
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, httpclient.NewValidationError(fmt.Sprintf("invalid query parameter %q, expected key=value", kv), "param")
		}
		query.Add(key, value)
	}
	return query, nil
}
