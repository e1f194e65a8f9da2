// Command m3u8dl records one live HLS stream to a file or to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"hls-recorder/internal/config"
	"hls-recorder/internal/fetch"
	"hls-recorder/internal/logger"
	"hls-recorder/internal/stream"
)

// headerFlag collects repeated -H "Name: value" flags.
type headerFlag map[string]string

func (h headerFlag) String() string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		parts = append(parts, k+": "+v)
	}
	return strings.Join(parts, ", ")
}

func (h headerFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("header must be \"Name: value\", got %q", s)
	}
	h[name] = strings.TrimSpace(value)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "m3u8dl:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("m3u8dl", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config file")
	out := fs.String("o", "", "output file; stdout when empty")
	resumeLoad := fs.Bool("resume", false, "checkpoint to <output>.resume and continue an interrupted download")
	readahead := fs.Int("readahead", 0, "segments fetched ahead of the writer")
	refresh := fs.Duration("refresh", 0, "longest wait between playlist polls")
	timeout := fs.Duration("timeout", 0, "per-request timeout")
	miss := fs.String("resume-miss", "", "when the checkpoint segment is gone: append, wait or fail")
	level := fs.String("log-level", "", "trace, debug, info, warn or error")
	headers := headerFlag{}
	fs.Var(headers, "H", "extra request header \"Name: value\", repeatable")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: m3u8dl [flags] <playlist-url>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one playlist url is required")
	}

	if *configPath != "" {
		if err := config.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	cfg := config.GlobalConfig
	if *level != "" {
		cfg.LogLevel = *level
	}
	if *readahead > 0 {
		cfg.ChunkReadahead = *readahead
	}
	if *refresh > 0 {
		cfg.RefreshInterval = config.Duration(*refresh)
	}
	if *timeout > 0 {
		cfg.RequestTimeout = config.Duration(*timeout)
	}
	if *miss != "" {
		cfg.ResumeMiss = *miss
	}
	merged := make(map[string]string, len(cfg.Headers)+len(headers))
	for k, v := range cfg.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	cfg.Headers = merged
	missPolicy, err := stream.ParseResumeMissPolicy(cfg.ResumeMiss)
	if err != nil {
		return err
	}
	if *resumeLoad && *out == "" {
		return errors.New("-resume needs -o")
	}

	log := logger.New("m3u8dl", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	sess, err := stream.Open(ctx, fs.Arg(0), stream.Options{
		ChunkReadahead:  cfg.ChunkReadahead,
		RefreshInterval: time.Duration(cfg.RefreshInterval),
		RequestOptions: fetch.RequestOptions{
			Headers: cfg.Headers,
			Timeout: time.Duration(cfg.RequestTimeout),
		},
		OutFile:    *out,
		ResumeLoad: *resumeLoad,
		ResumeMiss: missPolicy,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = io.Copy(stdout, sess)
		sess.Close()
	} else {
		err = sess.Wait()
	}
	st := sess.Stats()
	log.Info("finished", "segments", st.Segments, "size", humanize.Bytes(uint64(st.Bytes)),
		"completed", st.Completed, "elapsed", time.Since(start).Round(time.Millisecond))
	if errors.Is(err, context.Canceled) {
		if *resumeLoad {
			log.Info("interrupted, run again with -resume to continue", "out", *out)
		}
		return nil
	}
	return err
}
