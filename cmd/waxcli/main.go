// Command waxcli is argument glue only: it opens a .mv2s file and dispatches
// to internal/orchestrator. No command parses or renders memory content
// itself — every operation is a direct call into the library. Grounded on
// the teacher's cmd/rdbms/main.go (flag parse, bootstrap logging, dispatch
// to a mode) but restructured around pflag per-subcommand FlagSets, the
// way calvinalkan-agent-task/internal/cli splits "create"/"ls"/"repair"
// into one FlagSet-per-command function instead of a single global flag
// set.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/embedproviders"
	"github.com/iosstud/wax/internal/orchestrator"
	"github.com/iosstud/wax/internal/rag"
	"github.com/iosstud/wax/internal/search"
	"github.com/iosstud/wax/internal/session"
	"github.com/iosstud/wax/internal/vectorindex"
)

const usage = `Usage: waxcli <command> [options]

Commands:
  open <path>              Create or verify a .mv2s file, print its generation
  put <path> <text>        Remember text as a document + chunk frames
  recall <path> <query>    Recall a token-budgeted context for query
  stats <path>             Print live/dead frame counts and payload bytes
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	logger, closeFn := diagnostics.Setup(diagnostics.Options{Level: slog.LevelWarn})
	defer closeFn()
	diag := diagnostics.New(logger)

	if len(args) == 0 {
		fmt.Fprint(errOut, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "open":
		return cmdOpen(rest, out, errOut, diag)
	case "put":
		return cmdPut(rest, out, errOut, diag)
	case "recall":
		return cmdRecall(rest, out, errOut, diag)
	case "stats":
		return cmdStats(rest, out, errOut, diag)
	case "-h", "--help", "help":
		fmt.Fprint(out, usage)
		return 0
	default:
		fmt.Fprintf(errOut, "waxcli: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

// defaultConfig is the shared orchestrator.Config every subcommand opens
// with. vectorDimension matches embedproviders.NewTestProvider's output,
// the only embedding provider this CLI ships (a real transformer is out of
// scope per spec.md §1).
func defaultConfig() orchestrator.Config {
	return orchestrator.Config{
		Session: session.Config{
			VectorDimension:  32,
			VectorSimilarity: vectorindex.Cosine,
			Container:        container.Config{WALSize: 1 << 20},
		},
		SessionMode:        session.Mode{Kind: session.ReadWriteFail},
		ChunkStrategy:      orchestrator.DefaultChunkStrategy(),
		AccessStatsScoring: true,
		RAG: rag.Config{
			Mode:               rag.ModeFast,
			MaxContextTokens:   4096,
			ExpansionMaxTokens: 512,
			ExpansionMaxBytes:  4096,
			SnippetMaxTokens:   128,
			MaxSnippets:        10,
			SearchTopK:         10,
			SearchMode:         search.ModeHybrid,
			Alpha:              0.5,
			RRFK:               60,
		},
	}
}

func cmdOpen(args []string, out, errOut io.Writer, diag diagnostics.Diagnostics) int {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "Usage: waxcli open <path>")
		return 2
	}

	o, err := orchestrator.Open(context.Background(), fs.Arg(0), defaultConfig(), testProvider(), diag)
	if err != nil {
		fmt.Fprintf(errOut, "waxcli: open: %v\n", err)
		return 1
	}
	defer o.Close(context.Background())
	fmt.Fprintln(out, "ok")
	return 0
}

func cmdPut(args []string, out, errOut io.Writer, diag diagnostics.Diagnostics) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	source := fs.String("source", "", "source tag recorded in the document's metadata")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(errOut, "Usage: waxcli put <path> <text> [--source=tag]")
		return 2
	}

	ctx := context.Background()
	o, err := orchestrator.Open(ctx, fs.Arg(0), defaultConfig(), testProvider(), diag)
	if err != nil {
		fmt.Fprintf(errOut, "waxcli: put: %v\n", err)
		return 1
	}
	defer o.Close(ctx)

	var metadata map[string]string
	if *source != "" {
		metadata = map[string]string{"source": *source}
	}
	docID, err := o.Remember(ctx, fs.Arg(1), metadata, orchestrator.RememberOptions{})
	if err != nil {
		fmt.Fprintf(errOut, "waxcli: put: %v\n", err)
		return 1
	}
	if err := o.Flush(ctx); err != nil {
		fmt.Fprintf(errOut, "waxcli: put: flush: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, docID)
	return 0
}

func cmdRecall(args []string, out, errOut io.Writer, diag diagnostics.Diagnostics) int {
	fs := flag.NewFlagSet("recall", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(errOut, "Usage: waxcli recall <path> <query>")
		return 2
	}

	ctx := context.Background()
	o, err := orchestrator.Open(ctx, fs.Arg(0), defaultConfig(), testProvider(), diag)
	if err != nil {
		fmt.Fprintf(errOut, "waxcli: recall: %v\n", err)
		return 1
	}
	defer o.Close(ctx)

	rctx, err := o.Recall(ctx, fs.Arg(1), nil, nil)
	if err != nil {
		fmt.Fprintf(errOut, "waxcli: recall: %v\n", err)
		return 1
	}
	for _, item := range rctx.Items {
		fmt.Fprintf(out, "[%s %d %.4f] %s\n", item.Kind, item.FrameID, item.Score, item.Text)
	}
	if err := o.Flush(ctx); err != nil {
		fmt.Fprintf(errOut, "waxcli: recall: flush: %v\n", err)
		return 1
	}
	return 0
}

func cmdStats(args []string, out, errOut io.Writer, diag diagnostics.Diagnostics) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "Usage: waxcli stats <path>")
		return 2
	}

	ctx := context.Background()
	o, err := orchestrator.Open(ctx, fs.Arg(0), defaultConfig(), testProvider(), diag)
	if err != nil {
		fmt.Fprintf(errOut, "waxcli: stats: %v\n", err)
		return 1
	}
	defer o.Close(ctx)

	var live, dead int
	var liveBytes, deadBytes uint64
	for _, m := range o.Session().FrameMetas() {
		if m.IsLive() {
			live++
			liveBytes += m.PayloadLength
		} else {
			dead++
			deadBytes += m.PayloadLength
		}
	}
	fmt.Fprintf(out, "live_frames=%d live_bytes=%d dead_frames=%d dead_bytes=%d\n", live, liveBytes, dead, deadBytes)
	return 0
}

func testProvider() embedproviders.EmbeddingProvider {
	return embedproviders.NewTestProvider(32, embedproviders.ExecutionModeOnDeviceOnly)
}
