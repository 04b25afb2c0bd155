// Command captain-trace summarises an interrupt trace written by
// captain --trace.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/tinyrange/captain/internal/trace"
)

type key struct {
	core, vector int
}

type summary struct {
	key
	counts [5]int
	sum    time.Duration
	min    time.Duration
	max    time.Duration
	timed  int
}

func (s *summary) add(ev trace.Event) {
	if int(ev.Outcome) < len(s.counts) {
		s.counts[ev.Outcome]++
	}
	if ev.Outcome == trace.Latched {
		return
	}
	s.timed++
	s.sum += ev.Duration
	if s.min == 0 || ev.Duration < s.min {
		s.min = ev.Duration
	}
	if ev.Duration > s.max {
		s.max = ev.Duration
	}
}

func (s *summary) String() string {
	avg := time.Duration(0)
	if s.timed > 0 {
		avg = s.sum / time.Duration(s.timed)
	}
	return fmt.Sprintf("core=%-3d vector=%-4d delivered=%-8d latched=%-8d busy=%-6d unhandled=%-6d failed=%-4d min=%-10s max=%-10s avg=%s",
		s.core, s.vector,
		s.counts[trace.Delivered], s.counts[trace.Latched], s.counts[trace.Busy],
		s.counts[trace.Unhandled], s.counts[trace.Failed],
		s.min, s.max, avg)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "captain-trace: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("captain-trace", pflag.ContinueOnError)
	sums := flags.BoolP("sums", "s", false, "print per-vector totals instead of every event")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--sums] <trace file>\n", os.Args[0])
		return fmt.Errorf("trace file required")
	}

	f, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	if !*sums {
		meta, err := trace.ReadAll(f, func(ev trace.Event) error {
			fmt.Printf("%d %d %s %s\n", ev.Core, ev.Vector, ev.Outcome, ev.Duration)
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "board %s config %s started %s\n", meta.Board, meta.Config, meta.Started.Format(time.RFC3339))
		return nil
	}

	byKey := map[key]*summary{}
	meta, err := trace.ReadAll(f, func(ev trace.Event) error {
		k := key{ev.Core, ev.Vector}
		s, ok := byKey[k]
		if !ok {
			s = &summary{key: k}
			byKey[k] = s
		}
		s.add(ev)
		return nil
	})
	if err != nil {
		return err
	}

	out := make([]*summary, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].core != out[j].core {
			return out[i].core < out[j].core
		}
		return out[i].vector < out[j].vector
	})
	fmt.Printf("board %s config %s\n", meta.Board, meta.Config)
	for _, s := range out {
		fmt.Println(s)
	}
	return nil
}
