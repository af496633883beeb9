// Command collect-events reads JSON API logs from stdin and aggregates the
// request observability events into a summary file.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		outPath     = flag.String("out", "", "path to write the aggregated summary JSON")
		eventName   = flag.String("event-name", requestEventName, "observability event name to collect")
		eventDomain = flag.String("event-domain", requestEventDomain, "observability event domain to match")
	)
	flag.Parse()
	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "-out is required")
		os.Exit(2)
	}

	c := newCollector(*eventName, *eventDomain)
	if err := collect(c, os.Stdin); err != nil {
		log.Fatalf("read logs: %v", err)
	}
	summary := c.summary()
	if err := write(*outPath, summary); err != nil {
		log.Fatalf("write summary: %v", err)
	}
	fmt.Println(summary.ShortString())
}

func collect(c *collector, r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			c.ingest(line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func write(path string, summary summaryOutput) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := sonic.ConfigStd.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(append(data, '\n')))
}
