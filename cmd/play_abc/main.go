package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/alislin/musical"
)

const defaultABC = `X:1
T:Scale
M:4/4
L:1/4
Q:120
K:C
C D E F | G A B c |`

func main() {
	var (
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		abcPath    = flag.String("file", "", "path to an ABC file")
		abcInline  = flag.String("abc", "", "inline ABC string")
		volume     = flag.Float64("volume", 1.0, "master volume scalar")
		tempo      = flag.Float64("tempo", 0, "tempo override in unit notes per minute (0 = use the tune's Q field)")
		timbreOpt  = flag.String("timbre", "", "timbre option string, e.g. \"piano\" or \"square;gain:0.3\"")
		output     = flag.String("output", "", "render to a WAV file instead of playing")
	)
	flag.Parse()

	abcText, err := resolveABCInput(*abcPath, *abcInline)
	if err != nil {
		log.Fatal(err)
	}
	var opts []musical.PlayOption
	if *tempo > 0 {
		opts = append(opts, musical.WithTempo(*tempo))
	}

	if *output != "" {
		samples, err := musical.RenderSamples(abcText, *sampleRate, opts...)
		if err != nil {
			log.Fatal(err)
		}
		if err := musical.WriteWAV(*output, samples, *sampleRate); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s (%.2fs)\n", *output, float64(len(samples)/2)/float64(*sampleRate))
		return
	}

	ctx, err := musical.NewContext(*sampleRate)
	if err != nil {
		log.Fatal(err)
	}
	var instOpts []musical.InstrumentOption
	if strings.TrimSpace(*timbreOpt) != "" {
		instOpts = append(instOpts, musical.WithTimbre(musical.ParseTimbre(*timbreOpt)))
	}
	inst := ctx.NewInstrument(instOpts...)
	inst.SetMasterVolume(*volume)
	inst.On(musical.NoteOn, func(n musical.Note) {
		fmt.Printf("note on  %7.2f Hz at %.3fs\n", n.Freq, n.Time)
	})
	if err := inst.Play(abcText, opts...); err != nil {
		log.Fatal(err)
	}
	inst.Wait()
	fmt.Println("playback completed")
}

func resolveABCInput(path string, inline string) (string, error) {
	if strings.TrimSpace(inline) != "" {
		return inline, nil
	}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return defaultABC, nil
}
