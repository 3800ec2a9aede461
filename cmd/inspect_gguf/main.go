// inspect_gguf dumps the raw metadata and tensor directory of a GGUF
// file, with an optional substring filter over tensor names.
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/23skdu/longbow-lens/internal/gguf"
	"github.com/23skdu/longbow-lens/internal/logger"
)

func main() {
	modelPath := flag.String("model", "", "path to GGUF model file")
	filter := flag.String("filter", "", "substring filter for tensor names")
	flag.Parse()

	if *modelPath == "" {
		log.Fatal("usage: inspect_gguf -model <path.gguf> [-filter substr]")
	}

	logger.Setup("warn", "console")

	f, err := gguf.Open(*modelPath)
	if err != nil {
		log.Fatalf("open %s: %v", *modelPath, err)
	}
	defer f.Close()

	fmt.Printf("GGUF v%d: %d tensors, %d metadata keys\n\n",
		f.Header.Version, f.Header.TensorCount, f.Header.KVCount)

	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := f.KV[k].(type) {
		case []interface{}:
			fmt.Printf("%-48s [%d items]\n", k, len(v))
		default:
			fmt.Printf("%-48s %v\n", k, v)
		}
	}

	fmt.Println()
	matched := 0
	for _, t := range f.Tensors {
		if *filter != "" && !strings.Contains(t.Name, *filter) {
			continue
		}
		fmt.Printf("%-40s %-8s %v offset=%d\n", t.Name, t.Type.String(), t.Dimensions, t.Offset)
		matched++
	}
	if *filter != "" && matched == 0 {
		fmt.Printf("no tensors match %q\n", *filter)
	}
}
