// Command rdb is the CLI front-end family described in spec.md §6,
// supplemented from rdbcommand.py (rdbls/rdbcat/rdbput/rdbrm/rdbtest).
// Go has no equivalent of Python's "same script dispatches on argv[0]"
// idiom, so the five operations are Cobra subcommands of one binary
// instead of five symlinked scripts (an explicit REDESIGN, recorded in
// SPEC_FULL.md), sharing the original's persistent flags.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	rdb "github.com/rdbkv/rdb"
	"github.com/rdbkv/rdb/pkg/utils"
)

var (
	server    string
	jsonOut   bool
	newlines  bool
	nonewline bool
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaultServer := utils.EnvOrDefault("RDB_SERVER", "localhost:6552")

	root := &cobra.Command{
		Use:           "rdb",
		Short:         "rdb is the command-line front end for an rdb cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&server, "server", "s", defaultServer,
		`address of the server, e.g. "localhost:6552" or, for a weighted `+
			`cluster, "host1:6552,1;host2:6552,2" (default from $RDB_SERVER)`)
	root.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "JSON output")
	root.PersistentFlags().BoolVarP(&newlines, "newlines", "n", true,
		"print a newline between multiple non-JSON values")
	root.PersistentFlags().BoolVarP(&nonewline, "nonewlines", "r", false,
		"don't print a newline between multiple non-JSON values")

	root.AddCommand(newLsCmd(), newCatCmd(), newPutCmd(), newRmCmd(), newTestCmd())
	return root
}

func newClient() (*rdb.Client, error) {
	if server == "" {
		return nil, fmt.Errorf("rdb: server not specified (use -s or $RDB_SERVER)")
	}
	return rdb.NewFromSpec(server, rdb.Options{})
}

func wantNewlines() bool {
	return newlines && !nonewline
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "")
	return enc.Encode(v)
}

// newLsCmd implements RDBls: with no keys, list every key in the cluster;
// with keys given, report which of them are present.
func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [key...]",
		Short: "list keys, or report which of the given keys are present",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := context.Background()

			var present []string
			if len(args) > 0 {
				keys := make([][]byte, len(args))
				for i, a := range args {
					keys[i] = []byte(a)
				}
				out := make(map[string]any)
				if err := c.GetMulti(ctx, keys, out); err != nil {
					return err
				}
				for _, a := range args {
					if _, ok := out[a]; ok {
						present = append(present, a)
					}
				}
			} else {
				present, err = c.Keys(ctx)
				if err != nil {
					return err
				}
			}

			if jsonOut {
				return printJSON(present)
			}
			for _, k := range present {
				fmt.Println(k)
			}
			return nil
		},
	}
}

// newCatCmd implements RDBcat: print the value(s) stored under the given
// keys, using a single Get for one key and GetMulti for several (the
// original exercises both code paths deliberately).
func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat key [key...]",
		Short: "print the value(s) stored under the given keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := context.Background()

			result := make(map[string]any, len(args))
			if len(args) == 1 {
				var v any
				if err := c.Get(ctx, []byte(args[0]), &v); err != nil {
					return err
				}
				result[args[0]] = v
			} else {
				keys := make([][]byte, len(args))
				for i, a := range args {
					keys[i] = []byte(a)
				}
				if err := c.GetMulti(ctx, keys, result); err != nil {
					return err
				}
			}

			if jsonOut {
				return printJSON(result)
			}
			if wantNewlines() {
				for _, a := range args {
					if v, ok := result[a]; ok {
						fmt.Println(toText(v))
					}
				}
				return nil
			}
			var out []byte
			for _, a := range args {
				if v, ok := result[a]; ok {
					out = append(out, toText(v)...)
				}
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

func toText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// newPutCmd implements RDBput: stores stdin's content under exactly one key.
func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put key",
		Short: "store stdin's content under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			return c.Put(context.Background(), []byte(args[0]), string(data))
		},
	}
}

// newRmCmd implements RDBrm: deletes every given key.
func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm key [key...]",
		Short: "delete the given keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := context.Background()
			for _, a := range args {
				if err := c.Delete(ctx, []byte(a)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// newTestCmd implements RDBtest: a smoke test exercising put/get/delete,
// put_multi/get_multi, Unicode values, JSON-object values, and opaque
// "pickle" values, then cleans up after itself.
func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test key key [key...]",
		Short: "exercise round-trip behavior against a live server or cluster",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			return runSmokeTest(c, args)
		},
	}
}

func runSmokeTest(c *rdb.Client, keys []string) error {
	ctx := context.Background()
	fmt.Printf("using client %v\n", server)

	fmt.Println("put_multi")
	values := make(map[string]any, len(keys))
	for _, k := range keys {
		values[k] = k
	}
	if err := c.PutMulti(ctx, values); err != nil {
		return err
	}

	fmt.Println("get_multi")
	byteKeys := make([][]byte, len(keys))
	for i, k := range keys {
		byteKeys[i] = []byte(k)
	}
	got := make(map[string]any)
	if err := c.GetMulti(ctx, byteKeys, got); err != nil {
		return err
	}
	for _, k := range keys {
		if got[k] != k {
			return fmt.Errorf("rdb test: get_multi mismatch for %q: got %v", k, got[k])
		}
	}

	const testVal = "a new value!"
	for _, k := range keys {
		fmt.Println("put", k)
		if err := c.Put(ctx, []byte(k), testVal); err != nil {
			return err
		}
		fmt.Println("get", k)
		var v string
		if err := c.Get(ctx, []byte(k), &v); err != nil {
			return err
		}
		if v != testVal {
			return fmt.Errorf("rdb test: get mismatch for %q: got %q", k, v)
		}
		fmt.Println("del", k)
		if err := c.Delete(ctx, []byte(k)); err != nil {
			return err
		}
	}

	fmt.Println("test unicode")
	unicodeVal := "baconꀀabcd޴"
	if err := c.Put(ctx, []byte(keys[0]), unicodeVal); err != nil {
		return err
	}
	var gotUnicode string
	if err := c.Get(ctx, []byte(keys[0]), &gotUnicode); err != nil {
		return err
	}
	if gotUnicode != unicodeVal {
		return fmt.Errorf("rdb test: unicode round trip mismatch")
	}

	fmt.Println("json objects")
	obj := map[string]any{"a": float64(1), "b": float64(2)}
	if err := c.Put(ctx, []byte(keys[0]), obj); err != nil {
		return err
	}
	var gotObj map[string]any
	if err := c.Get(ctx, []byte(keys[0]), &gotObj); err != nil {
		return err
	}
	if len(gotObj) != len(obj) {
		return fmt.Errorf("rdb test: json object round trip mismatch")
	}

	fmt.Println("pickled objects")
	// complex128 has no JSON representation, so Encode falls back to the
	// opaque gob-pickle path; this exercises it deliberately.
	opaqueVal := complex(3, 4)
	if err := c.Put(ctx, []byte(keys[0]), opaqueVal); err != nil {
		return err
	}
	var gotOpaque complex128
	if err := c.Get(ctx, []byte(keys[0]), &gotOpaque); err != nil {
		return err
	}
	if gotOpaque != opaqueVal {
		return fmt.Errorf("rdb test: pickled round trip mismatch")
	}

	fmt.Println("cleanup")
	return c.DeleteMulti(ctx, byteKeys)
}
