// Command lsmdb is a thin CLI over the lsmdb package: put, get, del,
// scan, and compact against a database directory. It is example
// tooling, not part of the engine's contract.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/nullstorage/lsmdb/lsmdb"
	"github.com/nullstorage/lsmdb/value"
)

func main() {
	cmd := &cli.Command{
		Name:  "lsmdb",
		Usage: "embedded LSM-tree key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Aliases:  []string{"d"},
				Usage:    "database directory",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			delCommand(),
			scanCommand(),
			compactCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "lsmdb:", err)
		os.Exit(1)
	}
}

func openDB(c *cli.Command) (*lsmdb.Database, error) {
	dir := c.Root().String("dir")
	if dir == "" {
		return nil, fmt.Errorf("lsmdb: -dir is required")
	}
	return lsmdb.Open(lsmdb.DefaultOptions(dir))
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a value under key",
		ArgsUsage: "<key> <value>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "value type: string, i64, f64, bool, bytes",
				Value: "string",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 2 {
				return fmt.Errorf("lsmdb: put requires <key> <value>")
			}
			key := c.Args().Get(0)
			raw := c.Args().Get(1)

			v, err := parseTyped(c.String("type"), raw)
			if err != nil {
				return err
			}

			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Put([]byte(key), v); err != nil {
				return err
			}
			fmt.Printf("ok\n")
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "read the live value for key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("lsmdb: get requires <key>")
			}
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			v, ok, err := db.Get([]byte(c.Args().Get(0)))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(formatValue(v))
			return nil
		},
	}
}

func delCommand() *cli.Command {
	return &cli.Command{
		Name:      "del",
		Usage:     "delete key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("lsmdb: del requires <key>")
			}
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Delete([]byte(c.Args().Get(0))); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "emit every live key in [start, end] ascending",
		ArgsUsage: "[start] [end]",
		Action: func(ctx context.Context, c *cli.Command) error {
			var start, end []byte
			if c.Args().Len() > 0 {
				start = []byte(c.Args().Get(0))
			}
			if c.Args().Len() > 1 {
				end = []byte(c.Args().Get(1))
			}

			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Scan(start, end, func(key []byte, v value.Value) error {
				fmt.Printf("%s = %s\n", key, formatValue(v))
				return nil
			})
		},
	}
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "force an immediate merge of the live sstable set",
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openDB(c)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Compact(); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func parseTyped(typ, raw string) (value.Value, error) {
	switch typ {
	case "string":
		return value.NewString(raw), nil
	case "i64":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewI64(n), nil
	case "f64":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewF64(f), nil
	case "bool":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewBool(b), nil
	case "bytes":
		return value.NewBytes([]byte(raw)), nil
	default:
		return value.Value{}, fmt.Errorf("lsmdb: unknown -type %q", typ)
	}
}

func formatValue(v value.Value) string {
	switch v.Tag {
	case value.TagString:
		s, _ := v.AsString()
		return s
	case value.TagI64:
		n, _ := v.AsI64()
		return strconv.FormatInt(n, 10)
	case value.TagF64:
		f, _ := v.AsF64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case value.TagBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	case value.TagBytes:
		b, _ := v.AsBytes()
		return fmt.Sprintf("%x", b)
	default:
		return fmt.Sprintf("<%s>", v.Tag)
	}
}
