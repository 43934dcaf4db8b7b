// Command obudump reads a raw AV1 elementary stream (a back-to-back run of
// length-delimited OBUs, e.g. the low-overhead bitstream format) and prints
// the sequence and frame headers it finds.
//
// Usage:
//
//	obudump [options] <input.obu>   Dump OBU structure (use "-" for stdin)
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/av1obu/av1obu"
)

func main() {
	fs := flag.NewFlagSet("obudump", flag.ContinueOnError)
	strict := fs.Bool("strict", false, "reject non-conformant bitstreams instead of tolerating them")
	frameSizeLimit := fs.Int("max-pixels", 0, "reject frames larger than this many pixels (0=unlimited)")
	quiet := fs.Bool("q", false, "suppress per-OBU diagnostic messages")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: obudump [options] <input.obu>")
		fs.PrintDefaults()
		os.Exit(2)
	}

	if err := run(fs.Arg(0), *strict, *frameSizeLimit, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "obudump: %v\n", err)
		os.Exit(1)
	}
}

func run(inputPath string, strict bool, frameSizeLimit int, quiet bool) error {
	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	opts := []av1obu.Option{
		av1obu.WithStrictCompliance(strict),
		av1obu.WithFrameSizeLimit(frameSizeLimit),
		av1obu.WithWorkers(64), // large enough that this CLI never blocks draining Outputs()
	}
	if !quiet {
		opts = append(opts, av1obu.WithLogger(stderrLogger{}))
	}
	ctx := av1obu.NewContext(opts...)

	frameIndex := 0
	consumed := 0
	for len(data) > 0 {
		n, err := ctx.ParseOBUs(data)
		consumed += n
		if err != nil {
			drainOutputs(ctx, &frameIndex)
			return fmt.Errorf("byte %d: %w", consumed, err)
		}
		data = data[n:]
	}
	drainOutputs(ctx, &frameIndex)

	if err := ctx.TakeError(); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	if sh := ctx.SequenceHeaderRef(); sh != nil {
		fmt.Printf("sequence: %dx%d profile=%d operating_points=%d\n",
			sh.MaxWidth, sh.MaxHeight, sh.Profile, len(sh.OperatingPoints))
	} else {
		fmt.Println("sequence: none found")
	}
	fmt.Printf("frames emitted: %d\n", frameIndex)
	return nil
}

// drainOutputs prints and discards every Output currently buffered, without
// blocking once the channel runs dry.
func drainOutputs(ctx *av1obu.DecoderContext, frameIndex *int) {
	for {
		select {
		case out, ok := <-ctx.Outputs():
			if !ok {
				return
			}
			printOutput(*frameIndex, out)
			*frameIndex++
		default:
			return
		}
	}
}

func printOutput(index int, out *av1obu.Output) {
	visible := "hidden"
	if out.Visible {
		visible = "visible"
	}
	dims := "?"
	frameType := "?"
	if out.Picture != nil {
		if fh := out.Picture.FrameHdr.Get(); fh != nil {
			dims = fmt.Sprintf("%dx%d", fh.Width[1], fh.Height)
			frameType = frameTypeName(fh.FrameType)
		}
	}
	status := ""
	if out.FrameError {
		status = " (decode error)"
	}
	fmt.Printf("frame %d: %s %s %s%s\n", index, frameType, visible, dims, status)
}

func frameTypeName(t av1obu.FrameType) string {
	switch t {
	case av1obu.FrameKey:
		return "KEY"
	case av1obu.FrameInter:
		return "INTER"
	case av1obu.FrameIntra:
		return "INTRA"
	case av1obu.FrameSwitch:
		return "SWITCH"
	default:
		return "UNKNOWN"
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

type stderrLogger struct{}

func (stderrLogger) Logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "obudump: "+format+"\n", args...)
}
