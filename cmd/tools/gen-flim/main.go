// Command gen-flim generates sample .flim recordings for testing analysis.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/lumenlab/flimgo/internal/flim"
	"github.com/lumenlab/flimgo/internal/synth"
)

func main() {
	output := flag.String("o", "sample.flim", "output path")
	frames := flag.Int("n", 100, "number of frames")
	width := flag.Int("w", 128, "frame width in pixels")
	height := flag.Int("h", 128, "frame height in pixels")
	driftX := flag.Float64("drift-x", 0.6, "horizontal drift in pixels per frame")
	driftY := flag.Float64("drift-y", 0.2, "vertical drift in pixels per frame")
	noise := flag.Float64("noise", 12, "additive noise sigma in counts")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	noIndex := flag.Bool("no-index", false, "omit the trailing index block")
	flag.Parse()

	gen := synth.NewSyntheticGenerator(*seed)
	gen.Width = *width
	gen.Height = *height
	gen.DriftX = *driftX
	gen.DriftY = *driftY
	gen.NoiseSigma = *noise

	w, err := flim.Create(*output, gen.Header(), !*noIndex)
	if err != nil {
		log.Fatalf("failed to create container: %v", err)
	}
	defer w.Close()

	for i := 0; i < *frames; i++ {
		if err := w.Append(gen.NextFrame()); err != nil {
			log.Fatalf("failed to append frame %d: %v", i, err)
		}
		if (i+1)%50 == 0 {
			log.Printf("%d/%d frames", i+1, *frames)
		}
	}
	if err := w.Close(); err != nil {
		log.Fatalf("failed to finalise container: %v", err)
	}
	log.Printf("✓ Created: %s", *output)
}
