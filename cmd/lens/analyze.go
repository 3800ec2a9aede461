package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-lens/internal/export"
	"github.com/23skdu/longbow-lens/internal/lens"
	"github.com/23skdu/longbow-lens/internal/tokenizer"
)

func analyzeCmd() *cli.Command {
	var (
		ranks        bool
		kl           bool
		includeInput bool
		topK         int
		jsonPath     string
		arrowPath    string
		flightAddr   string
	)

	return &cli.Command{
		Name:      "analyze",
		Usage:     "Run the logit lens over a sentence",
		ArgsUsage: "<sentence>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "ranks",
				Usage:       "compute the target-token rank at every layer",
				Destination: &ranks,
			},
			&cli.BoolFlag{
				Name:        "kl",
				Usage:       "compute KL divergence to the final layer",
				Destination: &kl,
			},
			&cli.BoolFlag{
				Name:        "include-input",
				Usage:       "request the embedding pseudo-layer (not implemented, warns)",
				Destination: &includeInput,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Usage:       "preview size per layer",
				Value:       -1,
				Destination: &topK,
			},
			&cli.StringFlag{
				Name:        "json",
				Usage:       "write a JSON report to this path",
				Destination: &jsonPath,
			},
			&cli.StringFlag{
				Name:        "arrow",
				Usage:       "write an Arrow IPC file to this path",
				Destination: &arrowPath,
			},
			&cli.StringFlag{
				Name:        "flight",
				Usage:       "publish the result batch to this Flight endpoint",
				Destination: &flightAddr,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.IsSet("ranks") {
				cfg.Ranks = ranks
			}
			if cmd.IsSet("kl") {
				cfg.KL = kl
			}
			if cmd.IsSet("include-input") {
				cfg.IncludeInput = includeInput
			}
			if topK >= 0 {
				cfg.TopK = topK
			}
			if jsonPath != "" {
				cfg.JSONPath = jsonPath
			}
			if arrowPath != "" {
				cfg.ArrowPath = arrowPath
			}
			if flightAddr != "" {
				cfg.FlightAddr = flightAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			sentence := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if sentence == "" {
				return fmt.Errorf("usage: lens analyze [flags] <sentence>")
			}

			m, err := openModel(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			tok, err := openTokenizer(cfg, m)
			if err != nil {
				return err
			}

			res, err := lens.Analyze(m, tok, sentence, lens.Options{
				ComputeRanks: cfg.Ranks,
				ComputeKL:    cfg.KL,
				IncludeInput: cfg.IncludeInput,
			})
			if err != nil {
				return err
			}

			printResult(res, tok, cfg.TopK)

			if cfg.JSONPath != "" {
				rep := export.BuildReport(res, tok, cfg.TopK)
				if err := export.WriteJSON(cfg.JSONPath, rep); err != nil {
					return err
				}
				fmt.Printf("report: %s\n", cfg.JSONPath)
			}
			if cfg.ArrowPath != "" {
				if err := export.WriteArrowFile(cfg.ArrowPath, res, tok); err != nil {
					return err
				}
				fmt.Printf("arrow:  %s\n", cfg.ArrowPath)
			}
			if cfg.FlightAddr != "" {
				pub := export.NewFlightPublisher(cfg.FlightAddr)
				defer func() { _ = pub.Close() }()
				rec := export.BuildRecord(res, tok)
				err := pub.Publish(ctx, res.RunID, rec)
				rec.Release()
				if err != nil {
					return fmt.Errorf("flight publish: %w", err)
				}
				fmt.Printf("flight: %s (run %s)\n", cfg.FlightAddr, res.RunID)
			}
			return nil
		},
	}
}

// printResult shows the lens trajectory at the last analyzed position:
// what each layer predicts next, and how the true token ranks there.
func printResult(res *lens.Result, tok tokenizer.Tokenizer, topK int) {
	fmt.Printf("run %s  device=%s  layers=%d  vocab=%d  elapsed=%s\n",
		res.RunID, res.Device, res.NumLayers, res.VocabSize, res.Elapsed.Round(time.Millisecond))
	fmt.Printf("tokens: %s\n", strings.Join(res.Tokens, " "))
	if res.Positions == 0 {
		fmt.Println("single token: nothing to predict")
		return
	}

	if topK <= 0 {
		topK = export.DefaultTopK
	}
	last := res.Positions - 1
	target := res.TargetIDs[last]
	fmt.Printf("position %d  target=%s (id %d)\n", last, tok.Piece(target), target)
	for l := 0; l < res.NumLayers; l++ {
		top := lens.TopK(res.Logits[l][last], topK)
		parts := make([]string, len(top))
		for i, tl := range top {
			parts[i] = fmt.Sprintf("%s %.2f", tok.Piece(tl.ID), tl.Logit)
		}
		line := fmt.Sprintf("layer %2d: %s", l, strings.Join(parts, "  "))
		if res.Ranks != nil {
			line += fmt.Sprintf("  rank=%d", res.Ranks[l][last])
		}
		if res.KL != nil {
			line += fmt.Sprintf("  kl=%.3f", res.KL[l][last])
		}
		fmt.Println(line)
	}
}
