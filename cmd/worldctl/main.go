// Command worldctl is the operator CLI: emit a JSON report of a reducer
// snapshot, and inspect individual content-addressed blobs. report-json
// opens the store named by -state-dir but reads no world state from it: the
// report is the snapshot of a freshly constructed reducer.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/eng-cc/agent-world/cas"
	"github.com/eng-cc/agent-world/kernel"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "report-json":
		reportJSON(os.Args[2:])
	case "cas-get":
		casGet(os.Args[2:])
	case "cas-list":
		casList(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "worldctl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `worldctl: agent-world operator CLI

Commands:
  report-json -state-dir <dir> -out <path>   Write a JSON report of a reducer snapshot
  cas-get     -root <dir> -hash <hash>       Print a stored blob's raw bytes to stdout
  cas-list    -root <dir>                    List every blob hash known to the store`)
}

func reportJSON(args []string) {
	fs := flag.NewFlagSet("report-json", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "content-addressed store root to open (no state is read from it)")
	out := fs.String("out", "", "path to write the JSON report to (default stdout)")
	fs.Parse(args)

	if *stateDir == "" {
		fmt.Fprintln(os.Stderr, "worldctl: report-json requires -state-dir")
		os.Exit(1)
	}

	store, err := cas.Open(*stateDir)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer store.Close()

	reducer := kernel.NewReducer()
	snapshot := reducer.Snapshot()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fatalf("marshal report: %v", err)
	}

	if *out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fatalf("write report: %v", err)
	}
}

func casGet(args []string) {
	fs := flag.NewFlagSet("cas-get", flag.ExitOnError)
	root := fs.String("root", "", "content-addressed store root")
	hashFlag := fs.String("hash", "", "blob hash to fetch")
	fs.Parse(args)

	if *root == "" || *hashFlag == "" {
		fmt.Fprintln(os.Stderr, "worldctl: cas-get requires -root and -hash")
		os.Exit(1)
	}

	store, err := cas.Open(*root)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer store.Close()

	blob, err := store.Get(cas.Hash(*hashFlag))
	if err != nil {
		fatalf("get blob: %v", err)
	}
	os.Stdout.Write(blob)
}

func casList(args []string) {
	fs := flag.NewFlagSet("cas-list", flag.ExitOnError)
	root := fs.String("root", "", "content-addressed store root")
	fs.Parse(args)

	if *root == "" {
		fmt.Fprintln(os.Stderr, "worldctl: cas-list requires -root")
		os.Exit(1)
	}

	store, err := cas.Open(*root)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer store.Close()

	hashes, err := store.ListFiles()
	if err != nil {
		fatalf("list blobs: %v", err)
	}
	for _, h := range hashes {
		fmt.Println(string(h))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "worldctl: "+format+"\n", args...)
	os.Exit(1)
}
