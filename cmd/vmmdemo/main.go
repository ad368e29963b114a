// Command vmmdemo exercises the public vmm API end to end: it creates a
// larger-than-memory object backed by a synthetic generator source, touches
// a few pages to trigger faults and on-demand population, prints residency
// stats, and tears the object down again.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/vmmcore/vmm"
	"github.com/vmmcore/vmm/internal/cli"
)

func main() {
	var (
		showHelp    bool
		showVersion bool
		jsonOutput  bool
		debug       bool

		sizeBytes    int64
		elementSize  int64
		minLoad      int64
		arenaBytes   uint64
		budgetBytes  uint64
		scratchDir   string
		fillByte     uint
		touchOffsets string
	)

	flag.BoolVar(&showHelp, "help", false, "show this help message")
	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "output version/stats in JSON format")
	flag.BoolVar(&debug, "debug", false, "enable fault/populate/evict trace logging")

	flag.Int64Var(&sizeBytes, "size-bytes", 64<<20, "logical size in bytes of the demo object")
	flag.Int64Var(&elementSize, "element-size", 4, "bytes per element")
	flag.Int64Var(&minLoad, "min-load", 0, "minimum elements installed per page fault (0 = config default)")
	flag.Uint64Var(&arenaBytes, "arena-bytes", 1<<30, "reserved address space for the process-wide arena")
	flag.Uint64Var(&budgetBytes, "budget-bytes", 64<<20, "resident page budget before the eviction engine reclaims")
	flag.StringVar(&scratchDir, "scratch-dir", "", "backing-store scratch directory (default: OS temp dir)")
	flag.UintVar(&fillByte, "fill-byte", 0xAB, "constant byte the generator source writes into each populated element")
	flag.StringVar(&touchOffsets, "touch", "0", "comma-separated byte offsets to read after creating the object")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Demonstrates the virtual memory manager core: a generator-backed\n")
		fmt.Fprintf(os.Stderr, "object is allocated, a few pages are touched to trigger population,\n")
		fmt.Fprintf(os.Stderr, "and residency stats are printed before teardown.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --size-bytes=268435456 --touch=0,4096,1048576\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --debug --budget-bytes=16777216\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --version --json\n", os.Args[0])
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		return
	}
	if showVersion {
		cli.PrintVersion("vmm Demo", jsonOutput)
		return
	}

	cfg := vmm.DefaultConfig()
	cfg.ArenaBytes = arenaBytes
	cfg.ResidencyBudgetBytes = budgetBytes
	cfg.DefaultMinLoad = minLoad
	if scratchDir != "" {
		cfg.ScratchDir = scratchDir
	}

	if debug {
		vmm.SetDebug(true)
		defer vmm.SetDebug(false)
	}

	nElements := sizeBytes / elementSize
	src := &vmm.Source{
		ElementSize: elementSize,
		NElements:   nElements,
		Populate: func(startElem, endElem int64, _ vmm.Callout, _ any, out []byte) error {
			for i := range out {
				out[i] = byte(fillByte)
			}
			return nil
		},
	}

	base, err := vmm.NewObjectWithConfig(cfg, src)
	if err != nil {
		cli.ExitWithError("creating object: %v", err)
	}
	fmt.Printf("object created: base=%#x n_elements=%d element_size=%d\n", base, nElements, elementSize)

	for _, off := range parseOffsets(touchOffsets) {
		if off < 0 || off >= sizeBytes {
			fmt.Fprintf(os.Stderr, "skipping out-of-range touch offset %d\n", off)
			continue
		}
		ptr := (*byte)(unsafe.Pointer(base + uintptr(off)))
		fmt.Printf("touched offset %d -> byte %#x\n", off, *ptr)
	}

	stats := vmm.GetStats()
	if jsonOutput {
		printStatsJSON(stats)
	} else {
		fmt.Printf("resident_bytes=%d live_objects=%d object_errors=%d\n",
			stats.ResidentBytes, stats.LiveObjects, len(stats.ObjectErrors))
	}

	if err := vmm.DestroyObject(base); err != nil {
		cli.ExitWithError("destroying object: %v", err)
	}
	if err := vmm.Shutdown(); err != nil {
		cli.ExitWithError("shutting down: %v", err)
	}
}

func parseOffsets(csv string) []int64 {
	parts := strings.Split(csv, ",")
	offsets := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ignoring invalid touch offset %q: %v\n", p, err)
			continue
		}
		offsets = append(offsets, v)
	}
	return offsets
}

func printStatsJSON(stats vmm.Stats) {
	errs := make(map[string]string, len(stats.ObjectErrors))
	for addr, e := range stats.ObjectErrors {
		errs[fmt.Sprintf("%#x", addr)] = e.Error()
	}
	data, err := json.MarshalIndent(map[string]any{
		"resident_bytes": stats.ResidentBytes,
		"live_objects":   stats.LiveObjects,
		"object_errors":  errs,
	}, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshaling stats: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
