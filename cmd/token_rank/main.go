// token_rank traces one token through the depth of a model: at the last
// prompt position, it prints the token's rank in every layer's projected
// logit distribution next to what that layer would predict instead.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/23skdu/longbow-lens/internal/lens"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/model"
	"github.com/23skdu/longbow-lens/internal/tokenizer"
)

func main() {
	modelPath := flag.String("model", "", "path to GGUF model file")
	prompt := flag.String("prompt", "The capital of France is", "prompt to analyze")
	token := flag.Int("token", -1, "token id to trace (default: the final layer's top token)")
	flag.Parse()

	if *modelPath == "" {
		log.Fatal("usage: token_rank -model <path.gguf> [-prompt text] [-token id]")
	}

	logger.Setup("warn", "console")

	m, err := model.Load(*modelPath)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	tok, err := tokenizer.FromGGUF(m.File())
	if err != nil {
		log.Fatal(err)
	}

	ids, err := tok.Encode(*prompt)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Prompt: %q\n", *prompt)
	fmt.Printf("Tokens: %v\n", ids)

	head := m.OutputHead()
	hooks := make([]model.Hook, m.NumLayers())
	for l := range hooks {
		hooks[l] = model.Hook{Layer: l, Project: head}
	}
	capture, err := m.ForwardWithHooks(ids, hooks)
	if err != nil {
		log.Fatal(err)
	}

	vocab := m.VocabSize()
	last := capture.Positions - 1
	lastRow := func(layer int) []float32 {
		flat := capture.Layers[layer]
		return flat[last*vocab : (last+1)*vocab]
	}

	target := *token
	if target < 0 {
		target = lens.TopK(lastRow(m.NumLayers()-1), 1)[0].ID
	}
	if target >= vocab {
		log.Fatalf("token %d outside vocab [0, %d)", target, vocab)
	}
	fmt.Printf("Tracing token %d (%s) at position %d\n\n", target, tok.Piece(target), last)

	fmt.Println("layer    rank       logit  top prediction")
	for l := 0; l < m.NumLayers(); l++ {
		row := lastRow(l)
		rank := 1
		for _, v := range row {
			if v > row[target] {
				rank++
			}
		}
		top := lens.TopK(row, 1)[0]
		marker := ""
		if top.ID == target {
			marker = "  <-- top"
		}
		fmt.Printf("%5d  %6d  %10.4f  %s (%.4f)%s\n",
			l, rank, row[target], tok.Piece(top.ID), top.Logit, marker)
	}
}
