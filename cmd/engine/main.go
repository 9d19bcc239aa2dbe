// Command engine is a small CLI harness around the coordinator package —
// it creates a table, inserts a batch of random vectors, runs the
// background compaction/index ticks for a while, and queries them back.
// The RPC/wire-protocol front end that would normally drive a Coordinator
// in production isn't part of this module; this binary exists only to
// give the package a reachable entrypoint outside its test suite.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/podcopic-labs/vectorcore/internal/coordinator"
	"github.com/podcopic-labs/vectorcore/internal/meta"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		return
	}

	switch os.Args[1] {
	case "demo":
		dataDir := "./vectorcore-data"
		if len(os.Args) >= 3 {
			dataDir = os.Args[2]
		}
		runDemo(dataDir)
	case "--help":
		printHelp()
	default:
		fmt.Println("Unknown command:", os.Args[1])
		printHelp()
	}
}

func printHelp() {
	fmt.Println(`vectorcore engine harness
Usage:
  engine demo [data_dir]   Create a table, insert vectors, start the
                           background compaction/index loop, query after
                           two seconds, then block until SIGINT/SIGTERM
                           before shutting down cleanly.
  engine --help            Show this help message`)
}

func runDemo(dataDir string) {
	c, err := coordinator.New(coordinator.Options{
		BaseDir:                dataDir,
		Mode:                   coordinator.ModeSingle,
		MergeTriggerNumber:     1,
		InsertCacheImmediately: true,
		TickInterval:           500 * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: new coordinator: %v\n", err)
		os.Exit(1)
	}

	const tableID = "demo"
	const dim = 8

	err = c.CreateTable(meta.TableSchema{
		TableID:    tableID,
		Dimension:  dim,
		MetricType: meta.MetricL2,
		EngineType: meta.EngineIDMap,
	}, 16)
	if err != nil && err != coordinator.ErrAlreadyExists {
		fmt.Fprintf(os.Stderr, "engine: create table: %v\n", err)
		os.Exit(1)
	}

	const n = 32
	vectors := make([]float32, n*dim)
	for i := range vectors {
		vectors[i] = rand.Float32()
	}
	ids, err := c.InsertVectors(tableID, n, vectors, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: insert: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("inserted %d vectors: %v\n", len(ids), ids)

	c.Start()
	fmt.Println("background compaction/index loop started, ctrl-C to stop")

	time.Sleep(2 * time.Second) // let at least one tick flush+merge the batch

	query := vectors[:dim]
	resultIDs, dists, err := c.Query(tableID, 5, 1, 1, query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: query: %v\n", err)
	} else {
		fmt.Printf("top-%d neighbors of vector %s: ids=%v dists=%v\n", len(resultIDs), strconv.FormatInt(ids[0], 10), resultIDs, dists)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down")
	c.Stop()
}
