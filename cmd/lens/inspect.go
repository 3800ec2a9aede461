package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-lens/internal/gguf"
)

func inspectCmd() *cli.Command {
	var (
		showKV      bool
		showTensors bool
		checkLayout bool
		tensorLimit int
		statsTensor string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Dump GGUF metadata without loading weights",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "kv", Usage: "list metadata key-values", Destination: &showKV},
			&cli.BoolFlag{Name: "tensors", Usage: "list the tensor directory", Destination: &showTensors},
			&cli.BoolFlag{Name: "check", Usage: "verify tensor layout consistency", Destination: &checkLayout},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "stats", Usage: "print value statistics for one tensor", Destination: &statsTensor},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cmd.Args().First()
			if path == "" {
				path, err = resolveModelPath(cfg)
				if err != nil {
					return err
				}
			}

			f, err := gguf.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("GGUF v%d: %s\n", f.Header.Version, path)
			fmt.Printf("%d tensors, %d metadata keys\n\n", f.Header.TensorCount, f.Header.KVCount)
			fmt.Print(f.Info().String())

			if showKV {
				section("Metadata")
				keys := make([]string, 0, len(f.KV))
				for k := range f.KV {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("%-48s %s\n", k, formatKV(f.KV[k]))
				}
			}

			if showTensors {
				section("Tensors")
				printed := 0
				for _, t := range f.Tensors {
					fmt.Printf("%-40s %-8s %v\n", t.Name, t.Type.String(), t.Dimensions)
					printed++
					if tensorLimit > 0 && printed >= tensorLimit {
						break
					}
				}
				if printed < len(f.Tensors) {
					fmt.Printf("... (%d shown of %d)\n", printed, len(f.Tensors))
				}
			}

			if statsTensor != "" {
				st, err := f.Stats(statsTensor)
				if err != nil {
					return err
				}
				section("Tensor Stats")
				fmt.Printf("%s (%s): %d elements, min=%.4f max=%.4f mean=%.4f nan=%v inf=%v\n",
					st.Name, st.Type, st.Elements, st.Min, st.Max, st.Mean, st.HasNaN, st.HasInf)
			}

			if checkLayout {
				section("Layout Check")
				issues := f.CheckLayout()
				if len(issues) == 0 {
					fmt.Println("ok")
				}
				for _, msg := range issues {
					fmt.Println(msg)
				}
			}

			return nil
		},
	}
}

func section(title string) {
	fmt.Printf("\n--- %s ---\n", title)
}

func formatKV(v any) string {
	switch t := v.(type) {
	case []interface{}:
		return fmt.Sprintf("[%d items]", len(t))
	case string:
		if len(t) > 60 {
			t = t[:57] + "..."
		}
		return fmt.Sprintf("%q", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
