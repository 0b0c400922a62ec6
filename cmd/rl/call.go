package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"restline/internal/async"
	"restline/internal/client"
	"restline/internal/data"
	"restline/internal/partition"
	"restline/internal/projection"
	"restline/internal/protocol"
)

type callFlags struct {
	url       string
	token     string
	name      string
	params    []string
	headers   []string
	ids       []string
	fields    string
	body      string
	version   string
	cbor      bool
	route     bool
	fanout    bool
	batch     bool
	failFast  bool
	showHeads bool
	timeout   time.Duration
}

func (c *cli) callCmd() *cobra.Command {
	var f callFlags
	cmd := &cobra.Command{
		Use:   "call <method> <resource> [key]",
		Short: "Send one protocol request",
		Long: `Send one request and print the decoded response.
Methods: get, get_all, create, update, partial_update, delete, finder, batch_finder,
action, batch_get, batch_create, batch_update, batch_partial_update, batch_delete.
Examples:
  rl call get greetings 1 --fields message,tone
  rl call finder greetings --name search --param tone=FRIENDLY
  rl call batch_get greetings --ids 1,2,3 --route
  rl call get greetings --ids 1,2,3 --batch`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, err := protocol.ParseMethodType(args[0])
			if err != nil {
				return err
			}
			cl, err := c.newClient(f)
			if err != nil {
				return err
			}
			req, err := buildRequest(method, args[1:], f, cl.Version)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd.Context(), f.timeout)
			defer cancel()
			out := cmd.OutOrStdout()

			if f.batch {
				if method != protocol.MethodGet {
					return fmt.Errorf("--batch only applies to get")
				}
				return c.batchGets(ctx, out, cl, req)
			}
			if f.fanout {
				results, err := cl.FanOut(ctx, req, client.FanOutOptions{FailFast: f.failFast})
				if err != nil {
					return err
				}
				return c.printFanOut(out, results)
			}
			if method == protocol.MethodBatchGet && cl.Table != nil {
				res, err := cl.BatchGet(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(out, res)
			}
			resp, err := cl.Send(ctx, req)
			if re, ok := client.AsResponseError(err); ok {
				_ = printJSON(out, re.Response)
				return err
			}
			if err != nil {
				return err
			}
			if f.showHeads {
				for _, k := range sortedHeaderKeys(resp) {
					fmt.Fprintf(out, "%s: %s\n", k, strings.Join(resp.Headers.Values(k), ", "))
				}
			}
			if c.v.GetBool("json") || resp.Body != nil {
				return printJSON(out, map[string]any{"status": resp.Status, "id": resp.ID(), "body": resp.Body})
			}
			fmt.Fprintf(out, "%d\n", resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "server URL (default http://<server.addr><server.base_path>)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (or RESTLINE_TOKEN)")
	cmd.Flags().StringVar(&f.name, "name", "", "finder, batch finder or action name")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "query parameter name=value (repeatable)")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "request header Name: value (repeatable)")
	cmd.Flags().StringSliceVar(&f.ids, "ids", nil, "batch keys")
	cmd.Flags().StringVar(&f.fields, "fields", "", "projection, e.g. message,tone")
	cmd.Flags().StringVar(&f.body, "body", "", "JSON request body, or @file")
	cmd.Flags().StringVar(&f.version, "protocol", "", "protocol version to send (default latest)")
	cmd.Flags().BoolVar(&f.cbor, "cbor", false, "encode and accept CBOR")
	cmd.Flags().BoolVar(&f.route, "route", false, "route by key over the configured cluster")
	cmd.Flags().BoolVar(&f.fanout, "fanout", false, "send to every partition of the configured cluster")
	cmd.Flags().BoolVar(&f.batch, "batch", false, "declare GETs of --ids through a batching group")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "stop a fan-out at the first failure")
	cmd.Flags().BoolVarP(&f.showHeads, "include", "i", false, "print response headers")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func (c *cli) newClient(f callFlags) (*client.Client, error) {
	url := f.url
	var tbl *partition.Table
	if url == "" || f.route || f.fanout {
		cfg, err := c.loadConfig()
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = "http://" + cfg.Server.Addr + strings.TrimRight(cfg.Server.BasePath, "/")
		}
		if f.route || f.fanout {
			snap, err := cfg.Cluster.Snapshot()
			if err != nil {
				return nil, err
			}
			tbl = partition.NewTable(snap)
		}
	}
	cl := client.New(url)
	cl.Table = tbl
	cl.BearerToken = f.token
	if cl.BearerToken == "" {
		cl.BearerToken = c.v.GetString("token")
	}
	if f.version != "" {
		v, err := protocol.ParseVersion(f.version)
		if err != nil {
			return nil, err
		}
		cl.Version = v
	}
	if f.cbor {
		cl.Codec = data.CBOR
	}
	cl.Timeout = f.timeout
	return cl, nil
}

// batchGets declares one GET per key into a group. Method config decides
// whether they collapse into BATCH_GET calls and how large those get.
func (c *cli) batchGets(ctx context.Context, w io.Writer, cl *client.Client, req client.Request) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	keys := req.IDs
	if len(keys) == 0 && !req.Key.IsZero() {
		keys = []protocol.Key{req.Key}
	}
	if len(keys) == 0 {
		return fmt.Errorf("--batch needs a key or --ids")
	}
	engine := async.NewEngine(cfg.Server.Workers, nil)
	defer engine.Shutdown(context.Background())

	b := &client.Batching{Client: cl, Methods: cfg.Methods}
	handles := make([]*async.Handle[map[string]any], len(keys))
	var group *async.Group
	err = async.RunGroup(ctx, engine, async.GroupOptions{}, func(g *async.Group) error {
		group = g
		for i, k := range keys {
			handles[i] = b.Get(g, req.Resource, k, req.Fields)
		}
		return nil
	})
	if err != nil {
		return err
	}

	results := map[string]any{}
	errs := map[string]string{}
	for i, h := range handles {
		v, err := h.Await(ctx)
		if err != nil {
			errs[keys[i].String()] = err.Error()
			continue
		}
		results[keys[i].String()] = v
	}
	res := map[string]any{"calls": group.PhysicalCalls(), "results": results}
	if len(errs) > 0 {
		res["errors"] = errs
	}
	return printJSON(w, res)
}

func buildRequest(method protocol.MethodType, args []string, f callFlags, v protocol.Version) (client.Request, error) {
	req := client.Request{Method: method, Resource: strings.Trim(args[0], "/"), Name: f.name}
	if len(args) > 1 {
		req.Key = parseKey(args[1])
	}
	if method.Named() && req.Name == "" {
		return req, fmt.Errorf("%s requires --name", method)
	}
	for _, id := range f.ids {
		req.IDs = append(req.IDs, parseKey(id))
	}
	for _, p := range f.params {
		name, val, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return req, fmt.Errorf("invalid --param %q: want name=value", p)
		}
		req = req.WithParam(name, val)
	}
	for _, h := range f.headers {
		name, val, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return req, fmt.Errorf("invalid --header %q: want Name: value", h)
		}
		req = req.WithHeader(strings.TrimSpace(name), strings.TrimSpace(val))
	}
	if f.fields != "" {
		if v.IsZero() {
			v = protocol.Latest
		}
		m, err := projection.Parse(f.fields, v)
		if err != nil {
			return req, fmt.Errorf("invalid --fields: %w", err)
		}
		req = req.WithFields(m)
	}
	if f.body != "" {
		body, err := readBody(f.body)
		if err != nil {
			return req, err
		}
		req.Body = body
	}
	return req, nil
}

// parseKey reads integers as long keys and anything else as a string key.
func parseKey(s string) protocol.Key {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return protocol.SimpleKey(n)
	}
	return protocol.SimpleKey(s)
}

func readBody(arg string) (any, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	body, err := data.JSON.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --body: %w", err)
	}
	return body, nil
}

func sortedHeaderKeys(resp *client.Response) []string {
	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *cli) printFanOut(w io.Writer, results []client.FanOutResult) error {
	if c.v.GetBool("json") {
		rows := make([]map[string]any, 0, len(results))
		for _, r := range results {
			row := map[string]any{"partition": r.Partition, "host": r.Host.ID}
			if r.Response != nil {
				row["status"] = r.Response.Status
				row["body"] = r.Response.Body
			}
			if r.Err != nil {
				row["error"] = r.Err.Error()
			}
			rows = append(rows, row)
		}
		return printJSON(w, rows)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Partition", "Host", "Status", "Elements", "Error"})
	for _, r := range results {
		status, elems, errText := "", "", ""
		if r.Response != nil {
			status = strconv.Itoa(r.Response.Status)
			if col, err := client.DecodeCollection(r.Response.Body); err == nil {
				elems = strconv.Itoa(len(col.Elements))
			}
		}
		if r.Err != nil {
			errText = r.Err.Error()
		}
		tw.AppendRow(table.Row{r.Partition, r.Host.ID, status, elems, errText})
	}
	tw.Render()
	return nil
}
